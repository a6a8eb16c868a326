// Package syncer drives the post-connect handshake: fetch the workspace
// list, select a conversation, and track which slice of each
// conversation's history has been loaded.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/pylon-client/internal/deadline"
	"github.com/alexjbarnes/pylon-client/internal/observer"
)

// Phase is a sync state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRequesting Phase = "requesting"
	PhaseSynced     Phase = "synced"
	PhaseFailed     Phase = "failed"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3

	watchdogTimer = "workspace-watchdog"
)

// Window is the loaded range of a conversation's history.
// Invariant: 0 <= From <= To <= Total.
type Window struct {
	From  int `json:"from" yaml:"from"`
	To    int `json:"to" yaml:"to"`
	Total int `json:"total" yaml:"total"`
}

// ConversationState is the sync state of one conversation.
type ConversationState struct {
	Phase       Phase  `json:"phase" yaml:"phase"`
	Window      Window `json:"window" yaml:"window"`
	LoadingMore bool   `json:"loadingMore" yaml:"loading_more"`
}

// Status is a snapshot of the orchestrator.
type Status struct {
	Phase         Phase                        `json:"phase" yaml:"phase"`
	RetryCount    int                          `json:"retryCount" yaml:"retry_count"`
	Conversations map[string]ConversationState `json:"conversations" yaml:"conversations"`
}

// PhaseChange is emitted whenever the workspace phase or a conversation
// phase changes. ConversationID is empty for the workspace phase.
type PhaseChange struct {
	ConversationID string
	From           Phase
	To             Phase
}

// WindowStore persists history windows across restarts.
type WindowStore interface {
	SaveWindow(conversationID string, w Window) error
}

// Config wires the orchestrator to the transport. The two functions are
// called without any lock held.
type Config struct {
	Timeout    time.Duration
	MaxRetries int

	RequestWorkspaceList func(ctx context.Context) error
	SelectConversation   func(ctx context.Context, conversationID string) error

	Store WindowStore
}

// Orchestrator runs the workspace handshake as a small state machine:
// idle -> requesting -> synced | failed. A workspace list that arrives
// while idle or failed (pushed, or late) still moves it to synced.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	phase         Phase
	retries       int
	ctx           context.Context
	conversations map[string]*ConversationState

	timers   deadline.Timers
	onChange observer.Registry[PhaseChange]
}

// New creates an Orchestrator in PhaseIdle.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.RequestWorkspaceList == nil {
		cfg.RequestWorkspaceList = func(context.Context) error { return nil }
	}

	if cfg.SelectConversation == nil {
		cfg.SelectConversation = func(context.Context, string) error { return nil }
	}

	return &Orchestrator{
		cfg:           cfg,
		logger:        logger,
		phase:         PhaseIdle,
		ctx:           context.Background(),
		conversations: make(map[string]*ConversationState),
	}
}

// StartInitialSync requests the workspace list and arms the watchdog.
// ctx is reused for watchdog retries.
func (o *Orchestrator) StartInitialSync(ctx context.Context) {
	o.mu.Lock()
	prev := o.phase
	o.phase = PhaseRequesting
	o.retries = 0
	o.ctx = ctx
	o.mu.Unlock()

	o.emit("", prev, PhaseRequesting)
	o.logger.Info("initial sync started")

	o.timers.Arm(watchdogTimer, o.cfg.Timeout, o.onWatchdog)
	o.request(ctx)
}

func (o *Orchestrator) request(ctx context.Context) {
	if err := o.cfg.RequestWorkspaceList(ctx); err != nil {
		// The watchdog retries; a send failure is not terminal.
		o.logger.Warn("requesting workspace list", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) onWatchdog() {
	o.mu.Lock()
	if o.phase != PhaseRequesting {
		o.mu.Unlock()
		return
	}

	o.retries++

	if o.retries >= o.cfg.MaxRetries {
		o.phase = PhaseFailed
		retries := o.retries
		o.mu.Unlock()

		o.logger.Error("workspace list never arrived, giving up", slog.Int("attempts", retries))
		o.emit("", PhaseRequesting, PhaseFailed)

		return
	}

	ctx := o.ctx
	retries := o.retries
	o.mu.Unlock()

	o.logger.Warn("workspace list timed out, retrying", slog.Int("retry", retries))

	o.timers.Arm(watchdogTimer, o.cfg.Timeout, o.onWatchdog)
	o.request(ctx)
}

// OnWorkspaceListReceived records a workspace list response. The first
// one after a start (or any while idle or failed) moves to synced and
// selects selectedID when non-empty. Further calls while synced are
// ignored so a conversation is never selected twice.
func (o *Orchestrator) OnWorkspaceListReceived(ctx context.Context, selectedID string) {
	o.timers.Cancel(watchdogTimer)

	o.mu.Lock()
	if o.phase == PhaseSynced {
		o.mu.Unlock()
		o.logger.Debug("workspace list while synced, ignoring")

		return
	}

	prev := o.phase
	o.phase = PhaseSynced
	o.retries = 0

	var convPrev Phase
	if selectedID != "" {
		cs := o.conversation(selectedID)
		convPrev = cs.Phase
		cs.Phase = PhaseRequesting
	}
	o.mu.Unlock()

	o.logger.Info("workspace synced", slog.String("selected", selectedID))
	o.emit("", prev, PhaseSynced)

	if selectedID == "" {
		return
	}

	o.emit(selectedID, convPrev, PhaseRequesting)

	if err := o.cfg.SelectConversation(ctx, selectedID); err != nil {
		o.logger.Warn("selecting conversation",
			slog.String("conversation_id", selectedID),
			slog.String("error", err.Error()),
		)
		o.setConversationPhase(selectedID, PhaseFailed)
	}
}

// OnHistoryReceived records a loaded window for a conversation and marks
// it synced. Overlapping or adjacent windows are merged; a disjoint one
// replaces the old window.
func (o *Orchestrator) OnHistoryReceived(conversationID string, from, to, total int) {
	w := normalize(Window{From: from, To: to, Total: total})

	o.mu.Lock()
	cs := o.conversation(conversationID)
	prev := cs.Phase
	cs.Window = merge(cs.Window, w)
	cs.Phase = PhaseSynced
	cs.LoadingMore = false
	saved := cs.Window
	o.mu.Unlock()

	if o.cfg.Store != nil {
		if err := o.cfg.Store.SaveWindow(conversationID, saved); err != nil {
			o.logger.Warn("persisting history window",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	o.logger.Debug("history window",
		slog.String("conversation_id", conversationID),
		slog.Int("from", saved.From),
		slog.Int("to", saved.To),
		slog.Int("total", saved.Total),
	)

	if prev != PhaseSynced {
		o.emit(conversationID, prev, PhaseSynced)
	}
}

func normalize(w Window) Window {
	w.From = max(w.From, 0)
	w.To = max(w.To, w.From)
	w.Total = max(w.Total, w.To)

	return w
}

func merge(old, next Window) Window {
	if old == (Window{}) {
		return next
	}

	if next.To < old.From || next.From > old.To {
		return next
	}

	return normalize(Window{
		From:  min(old.From, next.From),
		To:    max(old.To, next.To),
		Total: next.Total,
	})
}

// BeginLoadMore marks a synced conversation as loading older history and
// returns the index to load before. It returns false when a load is
// already running or the window already starts at the beginning.
func (o *Orchestrator) BeginLoadMore(conversationID string) (before int, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cs, exists := o.conversations[conversationID]
	if !exists || cs.Phase != PhaseSynced || cs.LoadingMore || cs.Window.From == 0 {
		return 0, false
	}

	cs.LoadingMore = true

	return cs.Window.From, true
}

// Cleanup cancels timers and returns every phase to idle. Loaded
// windows are kept so a reconnect can resume from them.
func (o *Orchestrator) Cleanup() {
	o.timers.CancelAll()

	o.mu.Lock()
	prev := o.phase
	o.phase = PhaseIdle
	o.retries = 0

	for _, cs := range o.conversations {
		cs.Phase = PhaseIdle
		cs.LoadingMore = false
	}
	o.mu.Unlock()

	if prev != PhaseIdle {
		o.emit("", prev, PhaseIdle)
	}
}

// LoadWindows seeds history windows, typically from persisted state.
func (o *Orchestrator) LoadWindows(windows map[string]Window) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, w := range windows {
		o.conversation(id).Window = normalize(w)
	}
}

// Phase returns the workspace phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.phase
}

// Conversation returns one conversation's state.
func (o *Orchestrator) Conversation(id string) (ConversationState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cs, ok := o.conversations[id]
	if !ok {
		return ConversationState{}, false
	}

	return *cs, true
}

// Snapshot returns the full state.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	convs := make(map[string]ConversationState, len(o.conversations))
	for id, cs := range o.conversations {
		convs[id] = *cs
	}

	return Status{
		Phase:         o.phase,
		RetryCount:    o.retries,
		Conversations: convs,
	}
}

// OnPhaseChange registers fn for phase transitions.
func (o *Orchestrator) OnPhaseChange(fn func(PhaseChange)) (unsubscribe func()) {
	return o.onChange.Subscribe(fn)
}

func (o *Orchestrator) setConversationPhase(id string, p Phase) {
	o.mu.Lock()
	cs := o.conversation(id)
	prev := cs.Phase
	cs.Phase = p
	o.mu.Unlock()

	if prev != p {
		o.emit(id, prev, p)
	}
}

// conversation returns the state for id, creating it. Caller holds mu.
func (o *Orchestrator) conversation(id string) *ConversationState {
	cs, ok := o.conversations[id]
	if !ok {
		cs = &ConversationState{Phase: PhaseIdle}
		o.conversations[id] = cs
	}

	return cs
}

func (o *Orchestrator) emit(conversationID string, from, to Phase) {
	if from == to {
		return
	}

	o.onChange.Emit(PhaseChange{ConversationID: conversationID, From: from, To: to})
}
