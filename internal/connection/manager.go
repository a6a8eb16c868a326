// Package connection owns the relay socket: dialing, the auth handshake,
// heartbeat liveness and reconnect scheduling.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/pylon-client/internal/deadline"
	apperrors "github.com/alexjbarnes/pylon-client/internal/errors"
	"github.com/alexjbarnes/pylon-client/internal/observer"
	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/coder/websocket"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultReconnectInterval = 3 * time.Second

	// defaultReadLimit bounds a single inbound frame. A 64 KiB chunk is
	// ~87 KiB once base64 encoded; workspace lists are the next largest.
	defaultReadLimit = 4 * 1024 * 1024

	reconnectTimer = "reconnect"
)

var errAborted = errors.New("connect aborted by disconnect")

// Metrics receives connection lifecycle events. Nil disables reporting.
type Metrics interface {
	ConnectionUp()
	ConnectionDown()
	ReconnectScheduled()
	HeartbeatTimedOut()
}

// Config holds the parameters needed to reach the relay.
type Config struct {
	URL        string
	Token      string
	DeviceType string
	IDToken    string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectInterval time.Duration
	ReadLimit         int64

	// Dialer defaults to WebsocketDialer(nil).
	Dialer  Dialer
	Metrics Metrics
}

// Manager maintains one authenticated relay connection at a time.
//
// A reader goroutine per connection decodes frames and dispatches them;
// a heartbeat goroutine pings and force-closes a silent transport. Only
// the close path schedules reconnects, and only while reconnect is
// enabled. Disconnect disables it until the next Connect.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.Mutex
	conn             Conn
	gen              uint64
	connected        bool
	authenticated    bool
	dialing          bool
	deviceID         string
	lastPong         time.Time
	reconnectEnabled bool
	lifetime         context.Context
	connCancel       context.CancelFunc

	// writeMu serializes frames on the socket. coder/websocket allows
	// one concurrent writer.
	writeMu sync.Mutex

	timers deadline.Timers

	onConnected     observer.Registry[struct{}]
	onDisconnected  observer.Registry[string]
	onAuthenticated observer.Registry[string]
	onMessage       observer.Registry[protocol.Envelope]
	onError         observer.Registry[error]
}

// New creates a Manager. Zero durations fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}

	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer(nil)
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		lifetime: context.Background(),
	}
}

// Connect dials the relay and sends auth. It is a no-op while a
// connection is live or a dial is in flight. ctx bounds the lifetime of
// the connection and of any reconnects that follow it. Calling Connect
// re-enables auto-reconnect after a Disconnect.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, explicit bool) error {
	m.mu.Lock()
	if m.connected || m.dialing {
		m.mu.Unlock()
		return nil
	}

	if explicit {
		m.reconnectEnabled = true
	} else if !m.reconnectEnabled {
		m.mu.Unlock()
		return nil
	}

	m.dialing = true
	m.lifetime = ctx
	m.mu.Unlock()

	m.logger.Debug("connecting", slog.String("url", m.cfg.URL))

	conn, err := m.cfg.Dialer(ctx, m.cfg.URL)
	if err != nil {
		m.mu.Lock()
		m.dialing = false
		retry := m.reconnectEnabled && ctx.Err() == nil
		m.mu.Unlock()

		m.logger.Warn("dial failed", slog.String("error", err.Error()))
		m.onError.Emit(err)

		if retry {
			m.scheduleReconnect()
		}

		return err
	}

	m.mu.Lock()
	m.dialing = false

	if !m.reconnectEnabled {
		// Disconnect ran while the dial was in flight.
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")

		return errAborted
	}

	m.gen++
	gen := m.gen
	connCtx, cancel := context.WithCancel(ctx)
	m.conn = conn
	m.connCancel = cancel
	m.connected = true
	m.authenticated = false
	m.lastPong = time.Now()
	m.mu.Unlock()

	conn.SetReadLimit(m.cfg.ReadLimit)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ConnectionUp()
	}

	m.logger.Info("relay connected", slog.String("url", m.cfg.URL))
	m.onConnected.Emit(struct{}{})

	auth := protocol.AuthPayload{
		Token:      m.cfg.Token,
		DeviceType: m.cfg.DeviceType,
		IDToken:    m.cfg.IDToken,
	}
	if err := m.Send(ctx, protocol.MustNew(protocol.TypeAuth, auth)); err != nil {
		// The reader sees the broken socket and runs the close path.
		m.logger.Warn("sending auth", slog.String("error", err.Error()))
	}

	go m.heartbeat(connCtx, gen)
	go m.readLoop(connCtx, conn, gen)

	return nil
}

// Disconnect closes the connection and suppresses reconnects until the
// next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.reconnectEnabled = false
	m.timers.Cancel(reconnectTimer)

	conn := m.conn
	wasConnected := m.connected
	m.conn = nil
	m.connected = false
	m.authenticated = false
	// Bumping gen turns the reader's eventual close into a stale one.
	m.gen++

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	if wasConnected {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ConnectionDown()
		}

		m.logger.Info("relay disconnected")
		m.onDisconnected.Emit("client disconnect")
	}
}

// Send writes env to the relay. It returns ErrNotConnected when there is
// no live transport.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	live := m.connected
	m.mu.Unlock()

	if !live || conn == nil {
		return apperrors.ErrNotConnected
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s: %w", env.Type, err)
	}

	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		if typ != websocket.MessageText {
			m.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		m.handleFrame(ctx, gen, data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, gen uint64, data []byte) {
	// Pongs are the most frequent frame and carry nothing but liveness.
	if protocol.PeekType(data) == protocol.TypePong {
		m.mu.Lock()
		if gen == m.gen {
			m.lastPong = time.Now()
		}
		m.mu.Unlock()

		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)

		return
	}

	switch env.Type {
	case protocol.TypePing:
		if err := m.Send(ctx, protocol.MustNew(protocol.TypePong, nil)); err != nil {
			m.logger.Debug("answering ping", slog.String("error", err.Error()))
		}

	case protocol.TypeAuthResult:
		m.handleAuthResult(gen, env)

	default:
		m.onMessage.Emit(env)
	}
}

func (m *Manager) handleAuthResult(gen uint64, env protocol.Envelope) {
	res, err := protocol.DecodePayload[protocol.AuthResultPayload](env)
	if err != nil {
		m.logger.Warn("dropping auth_result", slog.String("error", err.Error()))
		return
	}

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "rejected"
		}

		m.logger.Error("relay rejected auth", slog.String("reason", msg))
		m.onError.Emit(fmt.Errorf("%w: %s", apperrors.ErrAuthFailed, msg))

		return
	}

	deviceID := protocol.DeviceID(env.Payload)

	m.mu.Lock()
	if gen != m.gen || !m.connected {
		m.mu.Unlock()
		return
	}

	m.authenticated = true
	m.deviceID = deviceID
	m.mu.Unlock()

	m.logger.Info("relay authenticated", slog.String("device_id", deviceID))
	m.onAuthenticated.Emit(deviceID)
}

// handleClose runs once per connection when its reader stops. Closes
// from a connection that Disconnect or a newer Connect already replaced
// are ignored.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || !m.connected {
		m.mu.Unlock()
		return
	}

	conn := m.conn
	m.conn = nil
	m.connected = false
	m.authenticated = false

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	retry := m.reconnectEnabled && m.lifetime.Err() == nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "closing")
	}

	reason := closeReason(cause)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ConnectionDown()
	}

	m.logger.Warn("relay connection lost", slog.String("reason", reason))
	m.onDisconnected.Emit(reason)

	if websocket.CloseStatus(cause) != websocket.StatusNormalClosure && !errors.Is(cause, context.Canceled) {
		m.onError.Emit(fmt.Errorf("relay transport: %w", cause))
	}

	if retry {
		m.scheduleReconnect()
	}
}

func closeReason(err error) string {
	if code := websocket.CloseStatus(err); code != -1 {
		return fmt.Sprintf("closed: %s", code)
	}

	return err.Error()
}

func (m *Manager) scheduleReconnect() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ReconnectScheduled()
	}

	m.logger.Info("reconnect scheduled", slog.Duration("in", m.cfg.ReconnectInterval))

	m.timers.Arm(reconnectTimer, m.cfg.ReconnectInterval, func() {
		m.mu.Lock()
		ctx := m.lifetime
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		if err := m.connect(ctx, false); err != nil && !errors.Is(err, errAborted) {
			m.logger.Debug("reconnect attempt failed", slog.String("error", err.Error()))
		}
	})
}

// heartbeat pings every interval and force-closes the transport once
// no pong has arrived for longer than the timeout. The reader then
// observes the close and the close path decides about reconnecting.
func (m *Manager) heartbeat(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if gen != m.gen || !m.connected {
			m.mu.Unlock()
			return
		}

		conn := m.conn
		silent := time.Since(m.lastPong)
		m.mu.Unlock()

		if silent > m.cfg.HeartbeatTimeout {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.HeartbeatTimedOut()
			}

			m.logger.Warn("heartbeat timed out, closing", slog.Duration("silent", silent))
			conn.Close(websocket.StatusGoingAway, "heartbeat timeout")

			return
		}

		if err := m.Send(ctx, protocol.MustNew(protocol.TypePing, nil)); err != nil {
			m.logger.Debug("sending ping", slog.String("error", err.Error()))
		}
	}
}

// Connected reports whether a transport is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

// Authenticated reports whether the relay accepted auth on the live
// transport. It implies Connected.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.authenticated
}

// DeviceID returns the id the relay assigned at the last successful auth.
func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deviceID
}

// LastPong returns when the last pong arrived.
func (m *Manager) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastPong
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool {
	return m.timers.Active(reconnectTimer)
}

// OnConnected registers fn for transport open events.
func (m *Manager) OnConnected(fn func()) (unsubscribe func()) {
	return m.onConnected.Subscribe(func(struct{}) { fn() })
}

// OnDisconnected registers fn for transport close events.
func (m *Manager) OnDisconnected(fn func(reason string)) (unsubscribe func()) {
	return m.onDisconnected.Subscribe(fn)
}

// OnAuthenticated registers fn for successful auth.
func (m *Manager) OnAuthenticated(fn func(deviceID string)) (unsubscribe func()) {
	return m.onAuthenticated.Subscribe(fn)
}

// OnMessage registers fn for application messages. Control frames
// (ping, pong, auth_result) are not delivered.
func (m *Manager) OnMessage(fn func(protocol.Envelope)) (unsubscribe func()) {
	return m.onMessage.Subscribe(fn)
}

// OnError registers fn for transport and auth errors.
func (m *Manager) OnError(fn func(error)) (unsubscribe func()) {
	return m.onError.Subscribe(fn)
}
