// Package watcher uploads files dropped into an outbox directory.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/pylon-client/internal/storage"
	"github.com/alexjbarnes/pylon-client/internal/transfer"
)

const (
	// SentDir receives files after a successful upload.
	SentDir = ".sent"

	debounceInterval = 500 * time.Millisecond
	settleTime       = 300 * time.Millisecond

	// A failed upload is retried with doubling delays, up to
	// maxUploadAttempts tries in total.
	retryBase         = 2 * time.Second
	retryMax          = time.Minute
	maxUploadAttempts = 5
)

// Uploader is the subset of the client the watcher needs.
type Uploader interface {
	Ready() bool
	Upload(ctx context.Context, data []byte, filename, mimeType, conversationID string) (string, error)
}

// Watcher uploads new files in the outbox. Files that appear while the
// relay is unavailable are queued and retried once it is back, as are
// files whose upload failed.
type Watcher struct {
	dir            *storage.Dir
	up             Uploader
	conversationID string
	logger         *slog.Logger

	// queued maps relative paths to the earliest time they may be
	// retried. The zero time means as soon as the relay is ready.
	queued map[string]time.Time
	// attempts counts failed uploads per path since it last changed.
	attempts map[string]int
}

// New creates a watcher over dir. An empty conversationID uploads to the
// client's selected conversation.
func New(dir *storage.Dir, up Uploader, conversationID string, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:            dir,
		up:             up,
		conversationID: conversationID,
		logger:         logger,
		queued:         make(map[string]time.Time),
		attempts:       make(map[string]int),
	}
}

// Watch blocks until ctx is cancelled. Files already in the outbox when
// it starts are uploaded too.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	root := w.dir.Root()
	if err := fw.Add(root); err != nil {
		return fmt.Errorf("watching outbox: %w", err)
	}

	w.logger.Info("outbox watcher started", slog.String("dir", root))

	pending := make(map[string]time.Time)

	existing, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("scanning outbox: %w", err)
	}

	for _, e := range existing {
		if !e.IsDir() && !ShouldIgnore(e.Name()) {
			pending[e.Name()] = time.Time{}
		}
	}

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			name := filepath.Base(event.Name)
			if ShouldIgnore(name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[name] = time.Now()
				w.forget(name)
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, name)
				w.forget(name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			w.drainQueue(ctx, now)

			for name, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, name)
				w.handleFile(ctx, name)
			}
		}
	}
}

// ShouldIgnore reports whether an outbox entry is skipped: hidden files,
// editor temp files, and in-progress storage writes.
func ShouldIgnore(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".crdownload") {
		return true
	}

	return false
}

func (w *Watcher) forget(name string) {
	delete(w.queued, name)
	delete(w.attempts, name)
}

// drainQueue retries queued files that are due at now.
func (w *Watcher) drainQueue(ctx context.Context, now time.Time) {
	if len(w.queued) == 0 || !w.up.Ready() {
		return
	}

	var due []string
	for name, at := range w.queued {
		if !at.After(now) {
			due = append(due, name)
		}
	}

	if len(due) == 0 {
		return
	}

	w.logger.Info("uploading queued outbox files", slog.Int("count", len(due)))

	for _, name := range due {
		delete(w.queued, name)
		w.handleFile(ctx, name)
	}
}

// retryLater queues name after a failed upload, or gives up once it has
// failed maxUploadAttempts times. The file stays in the outbox either
// way; writing to it again starts over.
func (w *Watcher) retryLater(name string) {
	w.attempts[name]++
	n := w.attempts[name]

	if n >= maxUploadAttempts {
		delete(w.attempts, name)
		w.logger.Error("giving up on outbox file",
			slog.String("file", name),
			slog.Int("attempts", n),
		)

		return
	}

	delay := min(retryBase<<(n-1), retryMax)
	w.queued[name] = time.Now().Add(delay)

	w.logger.Debug("outbox upload scheduled for retry",
		slog.String("file", name),
		slog.Int("attempt", n),
		slog.Duration("delay", delay),
	)
}

// handleFile uploads one outbox file and moves it to SentDir.
func (w *Watcher) handleFile(ctx context.Context, name string) {
	if !w.up.Ready() {
		w.queued[name] = time.Time{}
		w.logger.Debug("queued upload (disconnected)", slog.String("file", name))

		return
	}

	info, err := w.dir.Stat(name)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat failed", slog.String("file", name), slog.String("error", err.Error()))
		}

		return
	}

	if info.IsDir() {
		return
	}

	data, err := w.dir.ReadFile(name)
	if err != nil {
		w.logger.Warn("reading outbox file", slog.String("file", name), slog.String("error", err.Error()))
		return
	}

	blobID, err := w.up.Upload(ctx, data, name, transfer.DetectMIME(name, data), w.conversationID)
	if err != nil {
		w.logger.Warn("outbox upload failed",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)

		if !w.up.Ready() {
			w.queued[name] = time.Time{}
			return
		}

		w.retryLater(name)

		return
	}

	delete(w.attempts, name)

	if err := w.dir.Rename(name, path.Join(SentDir, name)); err != nil {
		w.logger.Warn("moving uploaded file", slog.String("file", name), slog.String("error", err.Error()))
		return
	}

	w.logger.Info("outbox file uploaded",
		slog.String("file", name),
		slog.String("blob_id", blobID),
	)
}
