package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/pylon-client/internal/config"
	"github.com/alexjbarnes/pylon-client/internal/connection"
	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/alexjbarnes/pylon-client/internal/state"
	"github.com/alexjbarnes/pylon-client/internal/storage"
)

var errFakeClosed = errors.New("fake: use of closed connection")

// fakeConn is a channel-backed relay connection that answers pings.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
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

	if env.Type == protocol.TypePing {
		data, _ := protocol.Encode(protocol.MustNew(protocol.TypePong, nil))
		f.inbound <- data
	}

	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()

	data, err := protocol.Encode(protocol.MustNew(typ, payload))
	require.NoError(t, err)

	f.inbound <- data
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

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(context.Context, string) (connection.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := newFakeConn()
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		RelayURL:          "ws://relay.test/ws",
		RelayToken:        "tok_abc",
		DeviceType:        "app",
		PylonDeviceID:     "pylon-1",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReconnectInterval: 3 * time.Second,
		SyncTimeout:       10 * time.Second,
		SyncMaxRetries:    3,
		HistoryLimit:      50,
		CacheMaxBytes:     1 << 20,
		ChunkSize:         4,
		VerifyChecksums:   true,
	}
}

type harness struct {
	client    *Client
	dialer    *fakeDialer
	state     *state.State
	downloads *storage.Dir
}

// newHarness builds a client with real state and download storage in
// temp dirs. mutate may adjust Options before construction.
func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	downloads, err := storage.NewDir(filepath.Join(t.TempDir(), "downloads"))
	require.NoError(t, err)

	d := &fakeDialer{}
	opts := Options{
		Config:    testConfig(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		State:     st,
		Downloads: downloads,
		Dialer:    d.dial,
	}

	if mutate != nil {
		mutate(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)

	return &harness{client: c, dialer: d, state: st, downloads: downloads}
}

// connect starts the client and completes auth. Must run inside a
// synctest bubble.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()

	require.NoError(t, h.client.Start(t.Context()))
	synctest.Wait()

	conn := h.dialer.last()
	require.NotNil(t, conn)

	conn.push(t, protocol.TypeAuthResult, map[string]any{
		"success": true,
		"device":  map[string]any{"deviceId": "dev-1"},
	})
	synctest.Wait()

	return conn
}

// syncWorkspace answers the pending workspace_list with active as the
// selected conversation.
func (h *harness) syncWorkspace(t *testing.T, conn *fakeConn, active string) {
	t.Helper()

	conn.push(t, protocol.TypeWorkspaceListResult, protocol.WorkspaceListResultPayload{
		DeviceID: "pylon-1",
		Workspaces: []protocol.Workspace{
			{ID: "w1", Name: "Home", Conversations: []protocol.Conversation{{ID: active, Title: "Chat"}}},
		},
		ActiveWorkspaceID:    "w1",
		ActiveConversationID: active,
	})
	synctest.Wait()
}
