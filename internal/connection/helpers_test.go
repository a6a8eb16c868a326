package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake: use of closed connection")

// fakeConn is a channel-backed Conn. Read blocks until a frame is
// pushed, the conn is closed, or ctx is done.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	writes    []protocol.Envelope
	closeCode websocket.StatusCode
	readLimit int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:   make(chan []byte, 16),
		closed:    make(chan struct{}),
		closeCode: -1,
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}

	env, err := protocol.Decode(p)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.writes = append(f.writes, env)
	f.mu.Unlock()

	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})

	return nil
}

func (f *fakeConn) SetReadLimit(n int64) {
	f.mu.Lock()
	f.readLimit = n
	f.mu.Unlock()
}

// push delivers a frame as if the relay had sent it.
func (f *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()

	env, err := protocol.New(typ, payload)
	require.NoError(t, err)

	data, err := protocol.Encode(env)
	require.NoError(t, err)

	f.inbound <- data
}

func (f *fakeConn) pushRaw(data string) {
	f.inbound <- []byte(data)
}

func (f *fakeConn) sent(typ string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []protocol.Envelope
	for _, env := range f.writes {
		if env.Type == typ {
			out = append(out, env)
		}
	}

	return out
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) code() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closeCode
}

// fakeDialer hands out a fresh fakeConn per attempt and counts attempts,
// failed ones included.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	conns    []*fakeConn
	fail     error
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	if d.fail != nil {
		return nil, d.fail
	}

	c := newFakeConn()
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.attempts
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

func newTestManager(t *testing.T, dialer Dialer) *Manager {
	t.Helper()

	return New(Config{
		URL:               "ws://relay.test/ws",
		Token:             "tok_abc",
		DeviceType:        "app",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReconnectInterval: 3 * time.Second,
		Dialer:            dialer,
	}, slog.Default())
}

func decodeAuth(t *testing.T, env protocol.Envelope) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &m))

	return m
}
