package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.pylon-client/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// MaxUploadRecords caps the uploads bucket. Older records are pruned
	// on insert.
	MaxUploadRecords = 500
)

var (
	appBucket           = []byte("app")
	conversationsBucket = []byte("conversations")
	uploadsBucket       = []byte("uploads")

	deviceIDKey      = []byte("device_id")
	selectedKey      = []byte("selected_conversation")
	lastConnectedKey = []byte("last_connected")
)

// ConversationWindow is the persisted history range of one conversation.
type ConversationWindow struct {
	From      int       `json:"from" yaml:"from"`
	To        int       `json:"to" yaml:"to"`
	Total     int       `json:"total" yaml:"total"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

// UploadRecord is a completed upload as acknowledged by the host.
type UploadRecord struct {
	BlobID         string    `json:"blobId" yaml:"blob_id"`
	Filename       string    `json:"filename" yaml:"filename"`
	MimeType       string    `json:"mimeType" yaml:"mime_type"`
	Size           int64     `json:"size" yaml:"size"`
	ConversationID string    `json:"conversationId,omitempty" yaml:"conversation_id,omitempty"`
	FileID         string    `json:"fileId,omitempty" yaml:"file_id,omitempty"`
	Path           string    `json:"path,omitempty" yaml:"path,omitempty"`
	CompletedAt    time.Time `json:"completedAt" yaml:"completed_at"`
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, conversationsBucket, uploadsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) getApp(key []byte) string {
	var v string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(appBucket).Get(key); b != nil {
			v = string(b)
		}

		return nil
	})

	return v
}

func (s *State) putApp(key []byte, v string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(v))
	})
}

// DeviceID returns the device id assigned by the relay on the last
// successful auth, or empty string.
func (s *State) DeviceID() string {
	return s.getApp(deviceIDKey)
}

// SetDeviceID persists the relay-assigned device id.
func (s *State) SetDeviceID(id string) error {
	return s.putApp(deviceIDKey, id)
}

// SelectedConversation returns the last selected conversation id.
func (s *State) SelectedConversation() string {
	return s.getApp(selectedKey)
}

// SetSelectedConversation persists the selected conversation id.
func (s *State) SetSelectedConversation(id string) error {
	return s.putApp(selectedKey, id)
}

// LastConnected returns when the client last authenticated, or the
// zero time.
func (s *State) LastConnected() time.Time {
	v := s.getApp(lastConnectedKey)
	if v == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}

	return t
}

// SetLastConnected persists the last authentication time.
func (s *State) SetLastConnected(t time.Time) error {
	return s.putApp(lastConnectedKey, t.UTC().Format(time.RFC3339Nano))
}

// GetWindow returns the stored window for a conversation, or nil.
func (s *State) GetWindow(conversationID string) (*ConversationWindow, error) {
	var w *ConversationWindow

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(conversationID))
		if v == nil {
			return nil
		}

		w = &ConversationWindow{}

		return json.Unmarshal(v, w)
	})

	return w, err
}

// SetWindow persists the history window for a conversation.
func (s *State) SetWindow(conversationID string, w ConversationWindow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}

		return tx.Bucket(conversationsBucket).Put([]byte(conversationID), data)
	})
}

// DeleteWindow removes the stored window for a conversation.
func (s *State) DeleteWindow(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(conversationID))
	})
}

// AllWindows returns every stored window keyed by conversation id.
func (s *State) AllWindows() (map[string]ConversationWindow, error) {
	result := make(map[string]ConversationWindow)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var w ConversationWindow
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}

			result[string(k)] = w

			return nil
		})
	})

	return result, err
}

// uploadKey orders records by completion time so the bucket cursor walks
// them oldest first.
func uploadKey(r UploadRecord) []byte {
	return fmt.Appendf(nil, "%020d_%s", r.CompletedAt.UnixNano(), r.BlobID)
}

// AddUpload records a completed upload and prunes the oldest records
// beyond MaxUploadRecords.
func (s *State) AddUpload(r UploadRecord) error {
	if r.BlobID == "" {
		return fmt.Errorf("blob id is required")
	}

	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(uploadsBucket)

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		if err := b.Put(uploadKey(r), data); err != nil {
			return err
		}

		var keys [][]byte

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		if len(keys) <= MaxUploadRecords {
			return nil
		}

		stale := keys[:len(keys)-MaxUploadRecords]

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// RecentUploads returns up to limit upload records, newest first. A
// limit of zero or less returns all of them.
func (s *State) RecentUploads(limit int) ([]UploadRecord, error) {
	var records []UploadRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(uploadsBucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}

			var r UploadRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			records = append(records, r)
		}

		return nil
	})

	return records, err
}

// UploadCount returns the number of stored upload records.
func (s *State) UploadCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(uploadsBucket).Stats().KeyN

		return nil
	})

	return count
}
