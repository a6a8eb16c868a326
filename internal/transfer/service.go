package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/pylon-client/internal/cache"
	apperrors "github.com/alexjbarnes/pylon-client/internal/errors"
	"github.com/alexjbarnes/pylon-client/internal/observer"
	"github.com/alexjbarnes/pylon-client/internal/protocol"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// DefaultChunkSize is the raw (pre-base64) size of one chunk.
	DefaultChunkSize = 64 * 1024

	// DefaultChunkDelay is the pacing between outgoing chunks so a large
	// upload does not starve the socket of heartbeats.
	DefaultChunkDelay = 10 * time.Millisecond

	// maxChunkSlots bounds the reassembly buffer a peer can make us
	// allocate with a single blob_start.
	maxChunkSlots = 1 << 16

	thumbnailPrefix = "thumb_"
)

// Sender writes one envelope to the relay.
type Sender func(ctx context.Context, env protocol.Envelope) error

// Metrics receives transfer events. Nil disables reporting.
type Metrics interface {
	ChunkSent(bytes int)
	ChunkReceived(bytes int)
	TransferFinished(direction, outcome string)
}

// Config tunes a Service. A zero ChunkSize means DefaultChunkSize; a
// zero ChunkDelay disables pacing.
type Config struct {
	ChunkSize        int
	ChunkDelay       time.Duration
	MaxDownloadBytes int64
	VerifyChecksums  bool
	Metrics          Metrics
}

// Service runs the chunked blob protocol. One mutex guards the transfer
// map and every Transfer in it; listeners run outside it.
type Service struct {
	cfg    Config
	cache  *cache.ByteCache
	logger *slog.Logger
	newID  func() string

	mu        sync.Mutex
	send      Sender
	transfers map[string]*Transfer

	onProgress         observer.Registry[ProgressEvent]
	onUploadComplete   observer.Registry[UploadCompleteEvent]
	onDownloadComplete observer.Registry[DownloadCompleteEvent]
	onError            observer.Registry[ErrorEvent]
}

// NewService creates a Service that stores blobs in c.
func NewService(cfg Config, c *cache.ByteCache, logger *slog.Logger) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	return &Service{
		cfg:       cfg,
		cache:     c,
		logger:    logger,
		newID:     uuid.NewString,
		transfers: make(map[string]*Transfer),
	}
}

// SetSender installs the function used to reach the relay. A nil sender
// turns uploads and requests into logged no-ops.
func (s *Service) SetSender(send Sender) {
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
}

func (s *Service) sender() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.send
}

// UploadImageBytes sends data to the host as a chunked upload and
// returns the blob id once blob_end is written. That is not remote
// completion: the transfer then sits in StateWaitingAck until
// HandleUploadComplete. With no sender configured it returns ("", nil).
//
// The send loop runs on the caller's goroutine. CancelTransfer stops it
// at the next chunk boundary; ctx aborts the pacing wait. On a send
// failure the blob id is still returned so the failed transfer can be
// inspected.
func (s *Service) UploadImageBytes(ctx context.Context, data []byte, filename, mimeType string, meta map[string]any) (string, error) {
	send := s.sender()
	if send == nil {
		s.logger.Warn("upload skipped, no sender configured", slog.String("filename", filename))
		return "", nil
	}

	name := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), SanitizeFilename(filename))
	if !s.cache.Set(name, data) {
		s.logger.Debug("upload larger than cache, not cached", slog.String("filename", name))
	}

	blobID := s.newID()
	totalChunks := chunkCount(len(data), s.cfg.ChunkSize)
	now := time.Now()

	t := &Transfer{
		BlobID:      blobID,
		Filename:    name,
		MimeType:    mimeType,
		TotalSize:   int64(len(data)),
		ChunkSize:   s.cfg.ChunkSize,
		TotalChunks: totalChunks,
		Context:     meta,
		Upload:      true,
		State:       StatePending,
		StartedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.transfers[blobID] = t
	s.mu.Unlock()

	s.logger.Info("upload starting",
		slog.String("blob_id", blobID),
		slog.String("filename", name),
		slog.Int("bytes", len(data)),
		slog.Int("chunks", totalChunks),
	)

	start, err := protocol.New(protocol.TypeBlobStart, protocol.BlobStartPayload{
		BlobID:      blobID,
		Filename:    name,
		MimeType:    mimeType,
		TotalSize:   int64(len(data)),
		ChunkSize:   s.cfg.ChunkSize,
		TotalChunks: totalChunks,
		Encoding:    protocol.EncodingBase64,
		Context:     meta,
	})
	if err != nil {
		return blobID, s.failTransfer(blobID, err)
	}

	if err := send(ctx, start); err != nil {
		return blobID, s.failTransfer(blobID, fmt.Errorf("sending blob_start: %w", err))
	}

	s.setState(blobID, StateUploading)

	var limiter *rate.Limiter
	if s.cfg.ChunkDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.ChunkDelay), 1)
	}

	for i := 0; i < totalChunks; i++ {
		if s.isFailed(blobID) {
			s.logger.Info("upload stopped", slog.String("blob_id", blobID), slog.Int("at_chunk", i))
			return blobID, apperrors.ErrCancelled
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return blobID, s.failTransfer(blobID, fmt.Errorf("pacing chunk %d: %w", i, err))
			}
		}

		lo := i * s.cfg.ChunkSize
		hi := min(lo+s.cfg.ChunkSize, len(data))

		chunk := protocol.MustNew(protocol.TypeBlobChunk, protocol.BlobChunkPayload{
			BlobID: blobID,
			Index:  i,
			Data:   base64.StdEncoding.EncodeToString(data[lo:hi]),
			Size:   hi - lo,
		})
		if err := send(ctx, chunk); err != nil {
			return blobID, s.failTransfer(blobID, fmt.Errorf("sending chunk %d: %w", i, err))
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ChunkSent(hi - lo)
		}

		s.uploadChunkDone(blobID)
	}

	if s.isFailed(blobID) {
		return blobID, apperrors.ErrCancelled
	}

	sum := Checksum(data)

	end := protocol.MustNew(protocol.TypeBlobEnd, protocol.BlobEndPayload{
		BlobID:        blobID,
		Checksum:      sum,
		TotalReceived: int64(len(data)),
	})
	if err := send(ctx, end); err != nil {
		return blobID, s.failTransfer(blobID, fmt.Errorf("sending blob_end: %w", err))
	}

	s.mu.Lock()
	t.Checksum = sum
	t.advance(StateWaitingAck, time.Now())
	s.mu.Unlock()

	s.logger.Debug("upload sent, waiting for ack", slog.String("blob_id", blobID))

	return blobID, nil
}

// HandleUploadComplete finalizes an upload from the host's pushed
// confirmation. An optional thumbnail (raw base64 or a data URI) is
// cached as "thumb_<filename>".
func (s *Service) HandleUploadComplete(p protocol.BlobUploadCompletePayload) {
	s.mu.Lock()
	t, ok := s.transfers[p.BlobID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("upload complete for unknown transfer", slog.String("blob_id", p.BlobID))

		return
	}

	if !t.advance(StateCompleted, time.Now()) {
		state := t.State
		s.mu.Unlock()
		s.logger.Debug("ignoring upload complete",
			slog.String("blob_id", p.BlobID),
			slog.String("state", string(state)),
		)

		return
	}

	t.RemotePath = p.Path
	t.FileID = p.FileID
	t.ConversationID = p.ConversationID
	filename := t.Filename
	s.mu.Unlock()

	evt := UploadCompleteEvent{
		BlobID:         p.BlobID,
		Filename:       filename,
		FileID:         p.FileID,
		Path:           p.Path,
		ConversationID: p.ConversationID,
	}

	if p.Thumbnail != "" {
		thumb, err := decodeDataURI(p.Thumbnail)
		if err != nil {
			s.logger.Warn("dropping undecodable thumbnail",
				slog.String("blob_id", p.BlobID),
				slog.String("error", err.Error()),
			)
		} else {
			s.cache.Set(thumbnailPrefix+filename, thumb)
			evt.Thumbnail = thumb
		}
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TransferFinished("upload", string(StateCompleted))
	}

	s.logger.Info("upload complete", slog.String("blob_id", p.BlobID), slog.String("path", p.Path))
	s.onUploadComplete.Emit(evt)
}

// decodeDataURI decodes base64 content, stripping a "data:...," prefix.
func decodeDataURI(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}

	return base64.StdEncoding.DecodeString(s)
}

// CancelTransfer marks a transfer failed with reason "Cancelled". An
// upload loop notices at its next chunk boundary; nothing in flight is
// aborted. Completed transfers are left alone.
func (s *Service) CancelTransfer(blobID string) error {
	s.mu.Lock()
	t, ok := s.transfers[blobID]
	if !ok {
		s.mu.Unlock()
		return apperrors.ErrTransferNotFound
	}

	changed := t.fail(apperrors.ErrCancelled.Error(), time.Now())
	evt := ErrorEvent{BlobID: blobID, Filename: t.Filename, Upload: t.Upload, Err: apperrors.ErrCancelled}
	s.mu.Unlock()

	if changed {
		s.logger.Info("transfer cancelled", slog.String("blob_id", blobID))
		s.onError.Emit(evt)
	}

	return nil
}

// RemoveTransfer drops bookkeeping for blobID. It reports whether the
// transfer existed.
func (s *Service) RemoveTransfer(blobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.transfers[blobID]
	delete(s.transfers, blobID)

	return ok
}

// Dispose drops every transfer and listener.
func (s *Service) Dispose() {
	s.mu.Lock()
	clear(s.transfers)
	s.mu.Unlock()

	s.onProgress.Clear()
	s.onUploadComplete.Clear()
	s.onDownloadComplete.Clear()
	s.onError.Clear()
}

// Transfer returns a snapshot of one transfer.
func (s *Service) Transfer(blobID string) (Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[blobID]
	if !ok {
		return Transfer{}, false
	}

	return t.snapshot(), true
}

// Transfers returns snapshots of all transfers, oldest first.
func (s *Service) Transfers() []Transfer {
	s.mu.Lock()
	out := make([]Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Transfer) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}

		return strings.Compare(a.BlobID, b.BlobID)
	})

	return out
}

// OnProgress registers fn for per-chunk progress.
func (s *Service) OnProgress(fn func(ProgressEvent)) (unsubscribe func()) {
	return s.onProgress.Subscribe(fn)
}

// OnUploadComplete registers fn for host-confirmed uploads.
func (s *Service) OnUploadComplete(fn func(UploadCompleteEvent)) (unsubscribe func()) {
	return s.onUploadComplete.Subscribe(fn)
}

// OnDownloadComplete registers fn for reassembled or cached downloads.
func (s *Service) OnDownloadComplete(fn func(DownloadCompleteEvent)) (unsubscribe func()) {
	return s.onDownloadComplete.Subscribe(fn)
}

// OnError registers fn for failed transfers.
func (s *Service) OnError(fn func(ErrorEvent)) (unsubscribe func()) {
	return s.onError.Subscribe(fn)
}

func (s *Service) setState(blobID string, next State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.transfers[blobID]; ok {
		t.advance(next, time.Now())
	}
}

func (s *Service) isFailed(blobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[blobID]

	return !ok || t.State == StateFailed
}

// uploadChunkDone counts one sent chunk and emits progress.
func (s *Service) uploadChunkDone(blobID string) {
	s.mu.Lock()
	t, ok := s.transfers[blobID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if t.ProcessedChunks < t.TotalChunks {
		t.ProcessedChunks++
	}

	t.UpdatedAt = time.Now()
	evt := ProgressEvent{
		BlobID:    blobID,
		Filename:  t.Filename,
		Upload:    t.Upload,
		Processed: t.ProcessedChunks,
		Total:     t.TotalChunks,
	}
	s.mu.Unlock()

	s.onProgress.Emit(evt)
}

// failTransfer records err on the transfer, emits an error event and
// returns err for the caller.
func (s *Service) failTransfer(blobID string, err error) error {
	s.mu.Lock()
	t, ok := s.transfers[blobID]
	if !ok {
		s.mu.Unlock()
		return err
	}

	changed := t.fail(err.Error(), time.Now())
	evt := ErrorEvent{BlobID: blobID, Filename: t.Filename, Upload: t.Upload, Err: err}
	s.mu.Unlock()

	if !changed {
		return err
	}

	direction := "download"
	if evt.Upload {
		direction = "upload"
	}

	if s.cfg.Metrics != nil {
		outcome := string(StateFailed)
		if errors.Is(err, apperrors.ErrChecksumMismatch) {
			outcome = "checksum_mismatch"
		}

		s.cfg.Metrics.TransferFinished(direction, outcome)
	}

	s.logger.Warn("transfer failed",
		slog.String("blob_id", blobID),
		slog.String("direction", direction),
		slog.String("error", err.Error()),
	)
	s.onError.Emit(evt)

	return err
}

func chunkCount(size, chunkSize int) int {
	return (size + chunkSize - 1) / chunkSize
}
