package e2e_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/alexjbarnes/pylon-client/internal/transfer"
)

const (
	relayToken     = "tok_e2e"
	hostDeviceID   = "pylon-e2e"
	clientDeviceID = "app-e2e"
	conversationID = "c1"
	historyTotal   = 120
	relayChunkSize = 4
)

type incomingUpload struct {
	start  protocol.BlobStartPayload
	chunks map[int][]byte
}

// fakeRelay plays both the relay and the Pylon host on one websocket.
// It answers the handshake, serves history pages and files, and
// acknowledges uploads after reassembling them.
type fakeRelay struct {
	server *httptest.Server

	mu          sync.Mutex
	received    []protocol.Envelope
	files       map[string][]byte
	uploads     map[string]*incomingUpload
	stored      map[string][]byte
	connections int
	conns       []*websocket.Conn

	// silentHandshake drops workspace_list requests when set.
	silentHandshake bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	r := &fakeRelay{
		files:   map[string][]byte{},
		uploads: map[string]*incomingUpload{},
		stored:  map[string][]byte{},
	}

	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.server.Close)

	return r
}

// URL is the ws:// address of the relay.
func (r *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

func (r *fakeRelay) serveFile(name string, data []byte) {
	r.mu.Lock()
	r.files[name] = data
	r.mu.Unlock()
}

func (r *fakeRelay) sent(typ string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []protocol.Envelope
	for _, env := range r.received {
		if env.Type == typ {
			out = append(out, env)
		}
	}

	return out
}

func (r *fakeRelay) storedFile(name string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.stored[name]

	return data, ok
}

func (r *fakeRelay) connectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connections
}

// dropAll closes every open client socket as if the relay restarted.
func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "relay restart")
	}
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(1 << 20)

	r.mu.Lock()
	r.connections++
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	ctx := req.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		r.mu.Lock()
		r.received = append(r.received, env)
		r.mu.Unlock()

		if err := r.handle(ctx, conn, env); err != nil {
			return
		}
	}
}

func (r *fakeRelay) handle(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	send := func(typ string, payload any) error {
		out, err := protocol.New(typ, payload)
		if err != nil {
			return err
		}

		out.From = hostDeviceID

		data, err := protocol.Encode(out)
		if err != nil {
			return err
		}

		return conn.Write(ctx, websocket.MessageText, data)
	}

	switch env.Type {
	case protocol.TypeAuth:
		p, err := protocol.DecodePayload[protocol.AuthPayload](env)
		if err != nil || p.Token != relayToken {
			return send(protocol.TypeAuthResult, map[string]any{"success": false, "error": "bad token"})
		}

		return send(protocol.TypeAuthResult, map[string]any{
			"success": true,
			"device":  map[string]any{"deviceId": clientDeviceID},
		})

	case protocol.TypePing:
		return send(protocol.TypePong, nil)

	case protocol.TypeWorkspaceList:
		r.mu.Lock()
		silent := r.silentHandshake
		r.mu.Unlock()

		if silent {
			return nil
		}

		return send(protocol.TypeWorkspaceListResult, protocol.WorkspaceListResultPayload{
			DeviceID: hostDeviceID,
			Workspaces: []protocol.Workspace{{
				ID:   "w1",
				Name: "Home",
				Conversations: []protocol.Conversation{
					{ID: conversationID, Title: "Plans"},
					{ID: "c2", Title: "Scratch"},
				},
			}},
			ActiveWorkspaceID:    "w1",
			ActiveConversationID: conversationID,
		})

	case protocol.TypeHistoryRequest:
		p, err := protocol.DecodePayload[protocol.HistoryRequestPayload](env)
		if err != nil {
			return nil
		}

		to := historyTotal
		if p.Before > 0 {
			to = p.Before
		}

		return send(protocol.TypeHistoryResult, protocol.HistoryResultPayload{
			ConversationID: p.ConversationID,
			From:           max(0, to-p.Limit),
			To:             to,
			TotalCount:     historyTotal,
		})

	case protocol.TypeBlobRequest:
		p, err := protocol.DecodePayload[protocol.BlobRequestPayload](env)
		if err != nil {
			return nil
		}

		return r.sendFile(send, p)

	case protocol.TypeBlobStart:
		p, err := protocol.DecodePayload[protocol.BlobStartPayload](env)
		if err != nil {
			return nil
		}

		r.mu.Lock()
		r.uploads[p.BlobID] = &incomingUpload{start: p, chunks: map[int][]byte{}}
		r.mu.Unlock()

	case protocol.TypeBlobChunk:
		p, err := protocol.DecodePayload[protocol.BlobChunkPayload](env)
		if err != nil {
			return nil
		}

		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil
		}

		r.mu.Lock()
		if u, ok := r.uploads[p.BlobID]; ok {
			u.chunks[p.Index] = data
		}
		r.mu.Unlock()

	case protocol.TypeBlobEnd:
		p, err := protocol.DecodePayload[protocol.BlobEndPayload](env)
		if err != nil {
			return nil
		}

		return r.finishUpload(send, p)
	}

	return nil
}

func (r *fakeRelay) sendFile(send func(string, any) error, p protocol.BlobRequestPayload) error {
	r.mu.Lock()
	data, ok := r.files[p.Filename]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	total := (len(data) + relayChunkSize - 1) / relayChunkSize

	start := protocol.BlobStartPayload{
		BlobID:      p.BlobID,
		Filename:    p.Filename,
		MimeType:    transfer.DetectMIME(p.Filename, data),
		TotalSize:   int64(len(data)),
		ChunkSize:   relayChunkSize,
		TotalChunks: total,
		Encoding:    protocol.EncodingBase64,
	}
	if p.LocalPath != "" {
		start.Context = map[string]any{"localPath": p.LocalPath}
	}

	if err := send(protocol.TypeBlobStart, start); err != nil {
		return err
	}

	// Reverse order exercises index-based reassembly.
	for i := total - 1; i >= 0; i-- {
		chunk := data[i*relayChunkSize : min(len(data), (i+1)*relayChunkSize)]

		if err := send(protocol.TypeBlobChunk, protocol.BlobChunkPayload{
			BlobID: p.BlobID,
			Index:  i,
			Data:   base64.StdEncoding.EncodeToString(chunk),
			Size:   len(chunk),
		}); err != nil {
			return err
		}
	}

	return send(protocol.TypeBlobEnd, protocol.BlobEndPayload{
		BlobID:        p.BlobID,
		Checksum:      transfer.Checksum(data),
		TotalReceived: int64(len(data)),
	})
}

func (r *fakeRelay) finishUpload(send func(string, any) error, p protocol.BlobEndPayload) error {
	r.mu.Lock()
	u, ok := r.uploads[p.BlobID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	var data []byte
	for i := range u.start.TotalChunks {
		data = append(data, u.chunks[i]...)
	}

	r.stored[u.start.Filename] = data
	delete(r.uploads, p.BlobID)
	r.mu.Unlock()

	if p.Checksum != transfer.Checksum(data) {
		return nil
	}

	conv, _ := u.start.Context["conversationId"].(string)

	return send(protocol.TypeBlobUploadComplete, protocol.BlobUploadCompletePayload{
		BlobID:         p.BlobID,
		FileID:         "file-" + p.BlobID,
		Path:           "/uploads/" + u.start.Filename,
		ConversationID: conv,
	})
}

