// Package transfer moves binary blobs over the relay as base64 chunks.
//
// Uploads go out as blob_start, blob_chunk x N, blob_end and then wait for
// an externally pushed blob_upload_complete. Downloads are reassembled by
// chunk index, so chunks may arrive in any order and gaps are tolerated.
package transfer

import (
	"maps"
	"time"
)

// State is a phase in a transfer's lifecycle.
type State string

const (
	StatePending     State = "pending"
	StateUploading   State = "uploading"
	StateDownloading State = "downloading"
	StateWaitingAck  State = "waitingAck"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// rank orders states so transitions only move forward. Uploading and
// downloading share a rank since a transfer only ever takes one path.
var rank = map[State]int{
	StatePending:     0,
	StateUploading:   1,
	StateDownloading: 1,
	StateWaitingAck:  2,
	StateCompleted:   3,
	StateFailed:      3,
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Transfer is the bookkeeping for one blob in flight.
type Transfer struct {
	BlobID          string         `json:"blobId"`
	Filename        string         `json:"filename"`
	MimeType        string         `json:"mimeType"`
	TotalSize       int64          `json:"totalSize"`
	ChunkSize       int            `json:"chunkSize"`
	TotalChunks     int            `json:"totalChunks"`
	Context         map[string]any `json:"context,omitempty"`
	Upload          bool           `json:"upload"`
	State           State          `json:"state"`
	ProcessedChunks int            `json:"processedChunks"`
	Checksum        string         `json:"checksum,omitempty"`
	RemotePath      string         `json:"remotePath,omitempty"`
	FileID          string         `json:"fileId,omitempty"`
	ConversationID  string         `json:"conversationId,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`

	// chunks is the download reassembly buffer, indexed by chunk
	// number. A nil slot has not arrived yet.
	chunks [][]byte
	// received is the byte total held in chunks.
	received int64
	// ending is set once blob_end has been taken; later ends are ignored.
	ending bool
}

// Progress returns ProcessedChunks/TotalChunks, 1 for empty blobs.
func (t *Transfer) Progress() float64 {
	if t.TotalChunks == 0 {
		return 1
	}

	return float64(t.ProcessedChunks) / float64(t.TotalChunks)
}

// advance moves t to next if that is a forward step. It reports whether
// the state changed.
func (t *Transfer) advance(next State, now time.Time) bool {
	if t.State.Terminal() || rank[next] <= rank[t.State] {
		return false
	}

	t.State = next
	t.UpdatedAt = now

	return true
}

// fail forces t into StateFailed unless it already completed.
func (t *Transfer) fail(reason string, now time.Time) bool {
	if t.State.Terminal() {
		return false
	}

	t.State = StateFailed
	t.Error = reason
	t.UpdatedAt = now
	t.chunks = nil
	t.received = 0

	return true
}

func (t *Transfer) snapshot() Transfer {
	c := *t
	c.Context = maps.Clone(t.Context)
	c.chunks = nil
	c.received = 0
	c.ending = false

	return c
}

// ProgressEvent is emitted after every chunk sent or received.
type ProgressEvent struct {
	BlobID    string
	Filename  string
	Upload    bool
	Processed int
	Total     int
}

// UploadCompleteEvent is emitted when the host confirms an upload.
type UploadCompleteEvent struct {
	BlobID         string
	Filename       string
	FileID         string
	Path           string
	ConversationID string
	Thumbnail      []byte
}

// DownloadCompleteEvent carries reassembled bytes. Partial is set when
// chunks were missing at blob_end; FromCache when no transfer happened.
type DownloadCompleteEvent struct {
	BlobID        string
	Filename      string
	MimeType      string
	Data          []byte
	Context       map[string]any
	LocalPath     string
	Partial       bool
	MissingChunks int
	FromCache     bool
}

// ErrorEvent reports a transfer that moved to StateFailed.
type ErrorEvent struct {
	BlobID   string
	Filename string
	Upload   bool
	Err      error
}
