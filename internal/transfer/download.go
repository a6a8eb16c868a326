package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"maps"
	"time"

	apperrors "github.com/alexjbarnes/pylon-client/internal/errors"
	"github.com/alexjbarnes/pylon-client/internal/protocol"
)

// RequestFile asks the host for filename. A cached copy short-circuits
// to an immediate download-complete event with FromCache set and no
// network traffic; in that case the returned blob id is empty.
func (s *Service) RequestFile(ctx context.Context, conversationID, filename, localPath string) (string, error) {
	if data, ok := s.cache.Get(filename); ok {
		s.logger.Debug("request served from cache", slog.String("filename", filename))
		s.onDownloadComplete.Emit(DownloadCompleteEvent{
			Filename:  filename,
			Data:      data,
			LocalPath: localPath,
			FromCache: true,
		})

		return "", nil
	}

	send := s.sender()
	if send == nil {
		s.logger.Warn("request skipped, no sender configured", slog.String("filename", filename))
		return "", nil
	}

	blobID := s.newID()

	env := protocol.MustNew(protocol.TypeBlobRequest, protocol.BlobRequestPayload{
		BlobID:         blobID,
		ConversationID: conversationID,
		Filename:       filename,
		LocalPath:      localPath,
	})
	if err := send(ctx, env); err != nil {
		return "", fmt.Errorf("sending blob_request: %w", err)
	}

	s.logger.Debug("file requested",
		slog.String("blob_id", blobID),
		slog.String("filename", filename),
	)

	return blobID, nil
}

// HandleStart opens a download. Files already in the cache are skipped,
// as are duplicate starts for a known blob id.
func (s *Service) HandleStart(p protocol.BlobStartPayload) {
	if err := s.checkStart(p); err != nil {
		s.logger.Warn("rejecting blob_start",
			slog.String("blob_id", p.BlobID),
			slog.String("filename", p.Filename),
			slog.String("error", err.Error()),
		)
		s.onError.Emit(ErrorEvent{BlobID: p.BlobID, Filename: p.Filename, Err: err})

		return
	}

	if s.cache.Has(p.Filename) {
		s.logger.Debug("download already cached, skipping", slog.String("filename", p.Filename))
		return
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.transfers[p.BlobID]; dup {
		s.logger.Debug("duplicate blob_start", slog.String("blob_id", p.BlobID))
		return
	}

	s.transfers[p.BlobID] = &Transfer{
		BlobID:      p.BlobID,
		Filename:    p.Filename,
		MimeType:    p.MimeType,
		TotalSize:   p.TotalSize,
		ChunkSize:   p.ChunkSize,
		TotalChunks: p.TotalChunks,
		Context:     maps.Clone(p.Context),
		State:       StatePending,
		StartedAt:   now,
		UpdatedAt:   now,
		chunks:      make([][]byte, p.TotalChunks),
	}

	s.logger.Info("download starting",
		slog.String("blob_id", p.BlobID),
		slog.String("filename", p.Filename),
		slog.Int64("bytes", p.TotalSize),
		slog.Int("chunks", p.TotalChunks),
	)
}

func (s *Service) checkStart(p protocol.BlobStartPayload) error {
	if p.BlobID == "" || p.Filename == "" {
		return fmt.Errorf("%w: blob_start needs blobId and filename", apperrors.ErrMalformedMessage)
	}

	if p.Encoding != "" && p.Encoding != protocol.EncodingBase64 {
		return fmt.Errorf("%w: unsupported encoding %q", apperrors.ErrMalformedMessage, p.Encoding)
	}

	if p.TotalSize < 0 || p.TotalChunks < 0 || p.ChunkSize < 0 {
		return fmt.Errorf("%w: negative size fields", apperrors.ErrMalformedMessage)
	}

	if s.cfg.MaxDownloadBytes > 0 && p.TotalSize > s.cfg.MaxDownloadBytes {
		return fmt.Errorf("%w: %d bytes > %d", apperrors.ErrTransferTooLarge, p.TotalSize, s.cfg.MaxDownloadBytes)
	}

	if p.TotalChunks > maxChunkSlots {
		return fmt.Errorf("%w: %d chunks", apperrors.ErrTransferTooLarge, p.TotalChunks)
	}

	if p.ChunkSize > 0 && int64(p.TotalChunks) > int64(chunkCount(int(p.TotalSize), p.ChunkSize))+1 {
		return fmt.Errorf("%w: %d chunks for %d bytes", apperrors.ErrMalformedMessage, p.TotalChunks, p.TotalSize)
	}

	return nil
}

// HandleChunk stores one chunk at its index. Order does not matter and a
// repeated index overwrites without being counted twice.
func (s *Service) HandleChunk(p protocol.BlobChunkPayload) {
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		s.logger.Warn("dropping undecodable chunk",
			slog.String("blob_id", p.BlobID),
			slog.Int("index", p.Index),
			slog.String("error", err.Error()),
		)

		return
	}

	s.mu.Lock()
	t, ok := s.transfers[p.BlobID]
	if !ok || t.Upload || t.State.Terminal() {
		s.mu.Unlock()
		s.logger.Debug("chunk for unknown or finished download", slog.String("blob_id", p.BlobID))

		return
	}

	if p.Index < 0 || p.Index >= len(t.chunks) {
		s.mu.Unlock()
		s.logger.Warn("dropping out of range chunk",
			slog.String("blob_id", p.BlobID),
			slog.Int("index", p.Index),
			slog.Int("total", t.TotalChunks),
		)

		return
	}

	if t.ChunkSize > 0 && len(data) > t.ChunkSize {
		s.mu.Unlock()
		s.logger.Warn("dropping oversized chunk",
			slog.String("blob_id", p.BlobID),
			slog.Int("index", p.Index),
			slog.Int("bytes", len(data)),
			slog.Int("chunk_size", t.ChunkSize),
		)

		return
	}

	received := t.received - int64(len(t.chunks[p.Index])) + int64(len(data))
	if limit := s.downloadLimit(t); received > limit {
		s.mu.Unlock()
		s.failTransfer(p.BlobID, fmt.Errorf("%w: received %d bytes, limit %d", apperrors.ErrTransferTooLarge, received, limit))

		return
	}

	if t.chunks[p.Index] == nil {
		t.ProcessedChunks++
	}

	t.chunks[p.Index] = data
	t.received = received
	t.advance(StateDownloading, time.Now())
	t.UpdatedAt = time.Now()

	evt := ProgressEvent{
		BlobID:    p.BlobID,
		Filename:  t.Filename,
		Processed: t.ProcessedChunks,
		Total:     t.TotalChunks,
	}
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChunkReceived(len(data))
	}

	s.onProgress.Emit(evt)
}

// HandleEnd reassembles a download. Missing chunks are skipped and the
// result is flagged Partial. A complete download is checked against the
// sender's checksum when verification is on; a mismatch fails the
// transfer and nothing is cached.
func (s *Service) HandleEnd(p protocol.BlobEndPayload) {
	s.mu.Lock()
	t, ok := s.transfers[p.BlobID]
	if !ok || t.Upload || t.ending || t.State.Terminal() {
		s.mu.Unlock()
		s.logger.Debug("blob_end for unknown or finished download", slog.String("blob_id", p.BlobID))

		return
	}

	t.ending = true
	declared := t.TotalSize

	var (
		size    int
		missing int
	)

	for _, c := range t.chunks {
		if c == nil {
			missing++
			continue
		}

		size += len(c)
	}

	data := make([]byte, 0, size)
	for _, c := range t.chunks {
		data = append(data, c...)
	}

	t.chunks = nil
	t.Checksum = p.Checksum
	evt := DownloadCompleteEvent{
		BlobID:        p.BlobID,
		Filename:      t.Filename,
		MimeType:      t.MimeType,
		Data:          data,
		Context:       maps.Clone(t.Context),
		Partial:       missing > 0,
		MissingChunks: missing,
	}

	if lp, ok := t.Context["localPath"].(string); ok {
		evt.LocalPath = lp
	}
	s.mu.Unlock()

	if missing == 0 {
		if err := checkLength(len(data), declared, p.TotalReceived); err != nil {
			s.failTransfer(p.BlobID, err)
			return
		}
	}

	if missing == 0 && s.cfg.VerifyChecksums && p.Checksum != "" {
		match, err := VerifyChecksum(data, p.Checksum)
		if err != nil {
			s.failTransfer(p.BlobID, fmt.Errorf("%w: %w", apperrors.ErrChecksumMismatch, err))
			return
		}

		if !match {
			s.failTransfer(p.BlobID, apperrors.ErrChecksumMismatch)
			return
		}
	}

	if missing > 0 {
		s.logger.Warn("download incomplete, delivering partial data",
			slog.String("blob_id", p.BlobID),
			slog.Int("missing_chunks", missing),
		)
	}

	s.mu.Lock()
	t, ok = s.transfers[p.BlobID]
	if !ok || !t.advance(StateCompleted, time.Now()) {
		s.mu.Unlock()
		s.logger.Debug("download cancelled before completion", slog.String("blob_id", p.BlobID))

		return
	}
	s.mu.Unlock()

	s.cache.Set(evt.Filename, data)

	if s.cfg.Metrics != nil {
		outcome := string(StateCompleted)
		if evt.Partial {
			outcome = "partial"
		}

		s.cfg.Metrics.TransferFinished("download", outcome)
	}

	s.logger.Info("download complete",
		slog.String("blob_id", p.BlobID),
		slog.String("filename", evt.Filename),
		slog.Int("bytes", len(data)),
	)
	s.onDownloadComplete.Emit(evt)
}

// downloadLimit is the most bytes t may buffer: its declared size, capped
// by MaxDownloadBytes.
func (s *Service) downloadLimit(t *Transfer) int64 {
	limit := t.TotalSize
	if s.cfg.MaxDownloadBytes > 0 && limit > s.cfg.MaxDownloadBytes {
		limit = s.cfg.MaxDownloadBytes
	}

	return limit
}

func checkLength(got int, declared, totalReceived int64) error {
	if int64(got) != declared {
		return fmt.Errorf("%w: reassembled %d bytes, blob_start declared %d", apperrors.ErrMalformedMessage, got, declared)
	}

	if totalReceived > 0 && int64(got) != totalReceived {
		return fmt.Errorf("%w: reassembled %d bytes, blob_end reported %d", apperrors.ErrMalformedMessage, got, totalReceived)
	}

	return nil
}
