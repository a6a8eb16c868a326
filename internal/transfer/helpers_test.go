package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/alexjbarnes/pylon-client/internal/cache"
	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/stretchr/testify/require"
)

// recorder captures outgoing envelopes. hook, when set, runs after the
// envelope is recorded and its error is returned to the service.
type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	hook func(protocol.Envelope) error
}

func (r *recorder) send(_ context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	hook := r.hook
	r.mu.Unlock()

	if hook != nil {
		return hook(env)
	}

	return nil
}

func (r *recorder) ofType(typ string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []protocol.Envelope
	for _, env := range r.envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}

	return out
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.envs))
	for i, env := range r.envs {
		out[i] = env.Type
	}

	return out
}

func newTestService(t *testing.T, cfg Config) (*Service, *cache.ByteCache, *recorder) {
	t.Helper()

	c := cache.New(1<<20, nil)
	s := NewService(cfg, c, slog.Default())

	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("blob-%d", n)
	}

	rec := &recorder{}
	s.SetSender(rec.send)

	return s, c, rec
}

func payload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()

	v, err := protocol.DecodePayload[T](env)
	require.NoError(t, err)

	return v
}

// splitDownload builds the start, chunks and end the host would send
// for data.
func splitDownload(blobID, filename string, data []byte, chunkSize int) (protocol.BlobStartPayload, []protocol.BlobChunkPayload, protocol.BlobEndPayload) {
	total := chunkCount(len(data), chunkSize)

	start := protocol.BlobStartPayload{
		BlobID:      blobID,
		Filename:    filename,
		MimeType:    "image/png",
		TotalSize:   int64(len(data)),
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Encoding:    protocol.EncodingBase64,
	}

	chunks := make([]protocol.BlobChunkPayload, total)
	for i := range chunks {
		lo := i * chunkSize
		hi := min(lo+chunkSize, len(data))
		chunks[i] = protocol.BlobChunkPayload{
			BlobID: blobID,
			Index:  i,
			Data:   base64.StdEncoding.EncodeToString(data[lo:hi]),
			Size:   hi - lo,
		}
	}

	end := protocol.BlobEndPayload{
		BlobID:        blobID,
		Checksum:      Checksum(data),
		TotalReceived: int64(len(data)),
	}

	return start, chunks, end
}
