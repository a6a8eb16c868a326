package e2e_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/pylon-client/internal/auth"
	"github.com/alexjbarnes/pylon-client/internal/client"
	"github.com/alexjbarnes/pylon-client/internal/config"
	"github.com/alexjbarnes/pylon-client/internal/mcpserver"
	"github.com/alexjbarnes/pylon-client/internal/metrics"
	"github.com/alexjbarnes/pylon-client/internal/server"
	"github.com/alexjbarnes/pylon-client/internal/state"
	"github.com/alexjbarnes/pylon-client/internal/storage"
	"github.com/alexjbarnes/pylon-client/internal/syncer"
)

const apiKey = "pc_e2e-test-key"

// harness holds the full e2e stack: a fake relay, a real client dialing
// it over websocket, and the local HTTP surface with MCP and metrics.
type harness struct {
	relay     *fakeRelay
	client    *client.Client
	state     *state.State
	downloads *storage.Dir
	registry  *prometheus.Registry
	URL       string
	HTTP      *http.Client
}

// newHarness starts everything. mutate may adjust the client config and
// the relay before the client connects.
func newHarness(t *testing.T, mutate func(*config.Config, *fakeRelay)) *harness {
	t.Helper()

	relay := newFakeRelay(t)
	logger := slog.New(slog.DiscardHandler)

	cfg := &config.Config{
		RelayURL:          relay.URL(),
		RelayToken:        relayToken,
		DeviceType:        "app",
		PylonDeviceID:     hostDeviceID,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReconnectInterval: 100 * time.Millisecond,
		SyncTimeout:       2 * time.Second,
		SyncMaxRetries:    3,
		HistoryLimit:      50,
		CacheMaxBytes:     1 << 20,
		ChunkSize:         4,
		MaxDownloadBytes:  1 << 20,
		VerifyChecksums:   true,
	}
	if mutate != nil {
		mutate(cfg, relay)
	}

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	downloads, err := storage.NewDir(t.TempDir())
	require.NoError(t, err)

	reg := metrics.NewRegistry()

	c, err := client.New(client.Options{
		Config:    cfg,
		Logger:    logger,
		State:     st,
		Downloads: downloads,
		Registry:  reg,
	})
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "pylon-client-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, c)

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.MinCost)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(string(hash))
	require.NoError(t, err)

	mux, err := server.NewMux(server.MuxConfig{
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		Verifier:       verifier,
		MetricsHandler: metrics.Handler(reg),
		Readiness:      c,
		Logger:         logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	require.NoError(t, c.Start(t.Context()))
	t.Cleanup(c.Stop)

	return &harness{
		relay:     relay,
		client:    c,
		state:     st,
		downloads: downloads,
		registry:  reg,
		URL:       ts.URL,
		HTTP:      ts.Client(),
	}
}

// waitSynced blocks until the handshake finished and the active
// conversation's first history page arrived.
func (h *harness) waitSynced(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		st := h.client.Status()
		return st.Sync.Phase == syncer.PhaseSynced &&
			st.Sync.Conversations[conversationID].Phase == syncer.PhaseSynced
	}, 5*time.Second, 10*time.Millisecond)
}

// mcpSession connects an MCP client through the HTTP surface using a
// RoundTripper that injects the API key.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.HTTP.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	c := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := c.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls name and decodes its JSON text content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil && !result.IsError {
		require.NotEmpty(t, result.Content)
		tc, ok := result.Content[0].(*mcp.TextContent)
		require.True(t, ok, "expected TextContent")
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
	}

	return result
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
