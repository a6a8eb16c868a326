// Package client wires the connection manager, sync orchestrator, and
// transfer service into one relay client and routes inbound envelopes
// between them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexjbarnes/pylon-client/internal/cache"
	"github.com/alexjbarnes/pylon-client/internal/config"
	"github.com/alexjbarnes/pylon-client/internal/connection"
	"github.com/alexjbarnes/pylon-client/internal/logging"
	"github.com/alexjbarnes/pylon-client/internal/metrics"
	"github.com/alexjbarnes/pylon-client/internal/observer"
	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/alexjbarnes/pylon-client/internal/state"
	"github.com/alexjbarnes/pylon-client/internal/storage"
	"github.com/alexjbarnes/pylon-client/internal/syncer"
	"github.com/alexjbarnes/pylon-client/internal/transfer"
)

// Options configures a Client. Only Config is required.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// State persists device id, history windows, and upload records.
	State *state.State

	// Downloads receives completed downloads. Nil keeps them in memory.
	Downloads *storage.Dir

	// Registry enables Prometheus metrics when non-nil.
	Registry prometheus.Registerer

	// Dialer overrides the websocket dialer.
	Dialer connection.Dialer
}

// Client is a Pylon relay client.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	state     *state.State
	downloads *storage.Dir

	conn      *connection.Manager
	sync      *syncer.Orchestrator
	transfers *transfer.Service
	cache     *cache.ByteCache

	mu                sync.RWMutex
	ctx               context.Context
	workspaces        []protocol.Workspace
	activeWorkspaceID string
	selected          string

	onMessage observer.Registry[protocol.Envelope]
	onSaved   observer.Registry[SavedFile]
	unsubs    []func()
}

// SavedFile reports a completed download written to the download directory.
type SavedFile struct {
	BlobID   string
	Filename string
	Path     string
}

// New builds a Client. It does not connect.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("client config is required")
	}

	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		cacheMetrics cache.Metrics
		connMetrics  connection.Metrics
		xferMetrics  transfer.Metrics
	)

	// Interfaces stay nil, not typed-nil, when metrics are off.
	if opts.Registry != nil {
		cacheMetrics = metrics.NewCacheMetrics(opts.Registry)
		connMetrics = metrics.NewConnectionMetrics(opts.Registry)
		xferMetrics = metrics.NewTransferMetrics(opts.Registry)
	}

	c := &Client{
		cfg:       cfg,
		logger:    logging.Component(logger, "client"),
		state:     opts.State,
		downloads: opts.Downloads,
		ctx:       context.Background(),
		cache:     cache.New(cfg.CacheMaxBytes, cacheMetrics),
	}

	c.conn = connection.New(connection.Config{
		URL:               cfg.RelayURL,
		Token:             cfg.RelayToken,
		DeviceType:        cfg.DeviceType,
		IDToken:           cfg.IDToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
		Dialer:            opts.Dialer,
		Metrics:           connMetrics,
	}, logging.Component(logger, "connection"))

	var store syncer.WindowStore
	if c.state != nil {
		store = windowStore{st: c.state}
	}

	c.sync = syncer.New(syncer.Config{
		Timeout:              cfg.SyncTimeout,
		MaxRetries:           cfg.SyncMaxRetries,
		RequestWorkspaceList: c.requestWorkspaceList,
		SelectConversation:   c.SelectConversation,
		Store:                store,
	}, logging.Component(logger, "syncer"))

	c.transfers = transfer.NewService(transfer.Config{
		ChunkSize:        cfg.ChunkSize,
		ChunkDelay:       cfg.ChunkDelay,
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		VerifyChecksums:  cfg.VerifyChecksums,
		Metrics:          xferMetrics,
	}, c.cache, logging.Component(logger, "transfer"))
	c.transfers.SetSender(c.send)

	c.unsubs = append(c.unsubs,
		c.conn.OnAuthenticated(c.handleAuthenticated),
		c.conn.OnDisconnected(c.handleDisconnected),
		c.conn.OnMessage(c.route),
		c.conn.OnError(func(err error) {
			c.logger.Warn("relay error", slog.String("error", err.Error()))
		}),
		c.transfers.OnUploadComplete(c.handleUploadComplete),
		c.transfers.OnDownloadComplete(c.handleDownloadComplete),
		c.transfers.OnError(func(ev transfer.ErrorEvent) {
			c.logger.Warn("transfer failed",
				slog.String("blob_id", ev.BlobID),
				slog.String("filename", ev.Filename),
				slog.Bool("upload", ev.Upload),
				slog.String("error", ev.Err.Error()),
			)
		}),
	)

	return c, nil
}

// Start restores persisted state and connects. A failed first dial is
// not an error; the connection manager keeps retrying until ctx ends.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if c.state != nil {
		windows, err := c.state.AllWindows()
		if err != nil {
			return fmt.Errorf("loading history windows: %w", err)
		}

		restored := make(map[string]syncer.Window, len(windows))
		for id, w := range windows {
			restored[id] = syncer.Window{From: w.From, To: w.To, Total: w.Total}
		}

		c.sync.LoadWindows(restored)

		c.mu.Lock()
		c.selected = c.state.SelectedConversation()
		c.mu.Unlock()
	}

	if err := c.conn.Connect(ctx); err != nil {
		c.logger.Warn("initial connect failed, will retry", slog.String("error", err.Error()))
	}

	return nil
}

// Run starts the client and blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	c.Stop()

	return nil
}

// Stop disconnects and releases listeners. The client cannot be
// restarted afterwards.
func (c *Client) Stop() {
	c.conn.Disconnect()
	c.sync.Cleanup()
	c.transfers.Dispose()

	for _, unsub := range c.unsubs {
		unsub()
	}

	c.unsubs = nil
}

func (c *Client) lifetime() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.ctx
}

// send addresses env to the configured Pylon, if any, and writes it.
func (c *Client) send(ctx context.Context, env protocol.Envelope) error {
	if env.To == "" && c.cfg.PylonDeviceID != "" {
		env.To = c.cfg.PylonDeviceID
	}

	return c.conn.Send(ctx, env)
}

func (c *Client) requestWorkspaceList(ctx context.Context) error {
	return c.send(ctx, protocol.MustNew(protocol.TypeWorkspaceList, nil))
}

// SelectConversation makes id the selected conversation and requests its
// latest history page.
func (c *Client) SelectConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()

	if c.state != nil {
		if err := c.state.SetSelectedConversation(id); err != nil {
			c.logger.Warn("persisting selection", slog.String("error", err.Error()))
		}
	}

	return c.send(ctx, protocol.MustNew(protocol.TypeHistoryRequest, protocol.HistoryRequestPayload{
		ConversationID: id,
		Limit:          c.cfg.HistoryLimit,
	}))
}

// LoadMore requests the page of history before the loaded window. It
// returns false when nothing was sent: a load is already running, the
// conversation is not synced, or the window starts at the beginning.
func (c *Client) LoadMore(ctx context.Context, id string) (bool, error) {
	before, ok := c.sync.BeginLoadMore(id)
	if !ok {
		return false, nil
	}

	err := c.send(ctx, protocol.MustNew(protocol.TypeHistoryRequest, protocol.HistoryRequestPayload{
		ConversationID: id,
		Limit:          c.cfg.HistoryLimit,
		Before:         before,
	}))
	if err != nil {
		return false, err
	}

	return true, nil
}

func (c *Client) handleAuthenticated(deviceID string) {
	if c.state != nil {
		if deviceID != "" {
			if err := c.state.SetDeviceID(deviceID); err != nil {
				c.logger.Warn("persisting device id", slog.String("error", err.Error()))
			}
		}

		if err := c.state.SetLastConnected(time.Now()); err != nil {
			c.logger.Warn("persisting last connected", slog.String("error", err.Error()))
		}
	}

	c.sync.StartInitialSync(c.lifetime())
}

func (c *Client) handleDisconnected(reason string) {
	c.logger.Debug("resetting sync after disconnect", slog.String("reason", reason))
	c.sync.Cleanup()
}

// route dispatches one inbound envelope. Types the core does not own go
// to OnMessage subscribers.
func (c *Client) route(env protocol.Envelope) {
	var err error

	switch env.Type {
	case protocol.TypeWorkspaceListResult:
		err = dispatch(env, c.handleWorkspaceList)
	case protocol.TypeHistoryResult:
		err = dispatch(env, func(p protocol.HistoryResultPayload) {
			c.sync.OnHistoryReceived(p.ConversationID, p.From, p.To, p.TotalCount)
		})
	case protocol.TypeBlobStart:
		err = dispatch(env, c.transfers.HandleStart)
	case protocol.TypeBlobChunk:
		err = dispatch(env, c.transfers.HandleChunk)
	case protocol.TypeBlobEnd:
		err = dispatch(env, c.transfers.HandleEnd)
	case protocol.TypeBlobUploadComplete:
		err = dispatch(env, c.transfers.HandleUploadComplete)
	default:
		c.onMessage.Emit(env)
		return
	}

	if err != nil {
		c.logger.Debug("dropping malformed envelope",
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
	}
}

func dispatch[T any](env protocol.Envelope, fn func(T)) error {
	p, err := protocol.DecodePayload[T](env)
	if err != nil {
		return err
	}

	fn(p)

	return nil
}

func (c *Client) handleWorkspaceList(p protocol.WorkspaceListResultPayload) {
	c.mu.Lock()
	c.workspaces = p.Workspaces
	c.activeWorkspaceID = p.ActiveWorkspaceID

	selected := p.ActiveConversationID
	if selected == "" {
		selected = c.selected
	}
	c.mu.Unlock()

	c.logger.Info("workspace list received",
		slog.Int("workspaces", len(p.Workspaces)),
		slog.String("active_conversation", selected),
	)

	c.sync.OnWorkspaceListReceived(c.lifetime(), selected)
}

func (c *Client) handleUploadComplete(ev transfer.UploadCompleteEvent) {
	c.logger.Info("upload stored by host",
		slog.String("blob_id", ev.BlobID),
		slog.String("file_id", ev.FileID),
		slog.String("path", ev.Path),
	)

	if c.state == nil {
		return
	}

	rec := state.UploadRecord{
		BlobID:         ev.BlobID,
		Filename:       ev.Filename,
		ConversationID: ev.ConversationID,
		FileID:         ev.FileID,
		Path:           ev.Path,
		CompletedAt:    time.Now(),
	}

	if t, ok := c.transfers.Transfer(ev.BlobID); ok {
		rec.MimeType = t.MimeType
		rec.Size = t.TotalSize
	}

	if err := c.state.AddUpload(rec); err != nil {
		c.logger.Warn("recording upload", slog.String("error", err.Error()))
	}
}

func (c *Client) handleDownloadComplete(ev transfer.DownloadCompleteEvent) {
	if c.downloads == nil {
		return
	}

	if ev.Partial {
		c.logger.Warn("not saving partial download",
			slog.String("filename", ev.Filename),
			slog.Int("missing_chunks", ev.MissingChunks),
		)

		return
	}

	name := ev.Filename
	if ev.LocalPath != "" {
		name = ev.LocalPath
	}

	name = transfer.SanitizeFilename(name)

	rel, abs, err := c.downloads.SaveUnique(name, ev.Data)
	if err != nil {
		c.logger.Warn("saving download",
			slog.String("filename", ev.Filename),
			slog.String("error", err.Error()),
		)

		return
	}

	c.logger.Info("download saved", slog.String("path", rel), slog.Int("bytes", len(ev.Data)))
	c.onSaved.Emit(SavedFile{BlobID: ev.BlobID, Filename: ev.Filename, Path: abs})
}

// Upload sends data to conversationID, or to the selected conversation
// when conversationID is empty. It blocks until the last chunk is sent
// and returns the blob id.
func (c *Client) Upload(ctx context.Context, data []byte, filename, mimeType, conversationID string) (string, error) {
	if conversationID == "" {
		conversationID = c.SelectedConversation()
	}

	meta := map[string]any{}
	if conversationID != "" {
		meta["conversationId"] = conversationID
	}

	return c.transfers.UploadImageBytes(ctx, data, filename, mimeType, meta)
}

// RequestFile asks the host for filename. An empty blob id with a nil
// error means the file was served from cache.
func (c *Client) RequestFile(ctx context.Context, conversationID, filename, localPath string) (string, error) {
	if conversationID == "" {
		conversationID = c.SelectedConversation()
	}

	return c.transfers.RequestFile(ctx, conversationID, filename, localPath)
}

// CancelTransfer cancels an in-flight transfer.
func (c *Client) CancelTransfer(blobID string) error {
	return c.transfers.CancelTransfer(blobID)
}

// Ready reports whether the relay connection is authenticated.
func (c *Client) Ready() bool {
	return c.conn.Authenticated()
}

// SelectedConversation returns the currently selected conversation id.
func (c *Client) SelectedConversation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.selected
}

// Workspaces returns the last received workspace list.
func (c *Client) Workspaces() []protocol.Workspace {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.workspaces)
}

// Transfers returns snapshots of all known transfers.
func (c *Client) Transfers() []transfer.Transfer {
	return c.transfers.Transfers()
}

// CacheStats reports blob cache usage.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// CacheKeys lists cached blob names, most recent first.
func (c *Client) CacheKeys() []string {
	return c.cache.Keys()
}

// Status is a point-in-time view of the client.
type Status struct {
	Connected            bool          `json:"connected" yaml:"connected"`
	Authenticated        bool          `json:"authenticated" yaml:"authenticated"`
	DeviceID             string        `json:"deviceId,omitempty" yaml:"device_id,omitempty"`
	LastPong             time.Time     `json:"lastPong,omitzero" yaml:"last_pong,omitempty"`
	ReconnectPending     bool          `json:"reconnectPending" yaml:"reconnect_pending"`
	Sync                 syncer.Status `json:"sync" yaml:"sync"`
	ActiveWorkspaceID    string        `json:"activeWorkspaceId,omitempty" yaml:"active_workspace_id,omitempty"`
	SelectedConversation string        `json:"selectedConversation,omitempty" yaml:"selected_conversation,omitempty"`
	Workspaces           int           `json:"workspaces" yaml:"workspaces"`
	ActiveTransfers      int           `json:"activeTransfers" yaml:"active_transfers"`
	Cache                cache.Stats   `json:"cache" yaml:"cache"`
}

// Status returns the current client status.
func (c *Client) Status() Status {
	active := 0

	for _, t := range c.transfers.Transfers() {
		if !t.State.Terminal() {
			active++
		}
	}

	c.mu.RLock()
	workspaces := len(c.workspaces)
	activeWorkspace := c.activeWorkspaceID
	selected := c.selected
	c.mu.RUnlock()

	return Status{
		Connected:            c.conn.Connected(),
		Authenticated:        c.conn.Authenticated(),
		DeviceID:             c.conn.DeviceID(),
		LastPong:             c.conn.LastPong(),
		ReconnectPending:     c.conn.ReconnectPending(),
		Sync:                 c.sync.Snapshot(),
		ActiveWorkspaceID:    activeWorkspace,
		SelectedConversation: selected,
		Workspaces:           workspaces,
		ActiveTransfers:      active,
		Cache:                c.cache.Stats(),
	}
}

// OnMessage registers fn for envelopes the client does not handle itself.
func (c *Client) OnMessage(fn func(protocol.Envelope)) (unsubscribe func()) {
	return c.onMessage.Subscribe(fn)
}

// OnFileSaved registers fn for downloads written to disk.
func (c *Client) OnFileSaved(fn func(SavedFile)) (unsubscribe func()) {
	return c.onSaved.Subscribe(fn)
}

// OnReady registers fn for each successful authentication.
func (c *Client) OnReady(fn func()) (unsubscribe func()) {
	return c.conn.OnAuthenticated(func(string) { fn() })
}

// OnSyncPhase registers fn for sync phase changes.
func (c *Client) OnSyncPhase(fn func(syncer.PhaseChange)) (unsubscribe func()) {
	return c.sync.OnPhaseChange(fn)
}

// OnProgress registers fn for transfer progress.
func (c *Client) OnProgress(fn func(transfer.ProgressEvent)) (unsubscribe func()) {
	return c.transfers.OnProgress(fn)
}

type windowStore struct {
	st *state.State
}

func (w windowStore) SaveWindow(id string, win syncer.Window) error {
	return w.st.SetWindow(id, state.ConversationWindow{
		From:      win.From,
		To:        win.To,
		Total:     win.Total,
		UpdatedAt: time.Now(),
	})
}
