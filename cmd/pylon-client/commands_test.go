package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/pylon-client/internal/auth"
	"github.com/alexjbarnes/pylon-client/internal/state"
)

func TestHashKey_Generates(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, hashKey(&out, nil))

	lines := strings.Fields(out.String())
	var key, hash string
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, auth.APIKeyPrefix):
			key = l
		case strings.HasPrefix(l, "$2"):
			hash = l
		}
	}

	require.NotEmpty(t, key)
	require.NotEmpty(t, hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))
}

func TestHashKeyFrom(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, hashKeyFrom(&out, strings.NewReader("  pc_mine \n")))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pc_mine")))
}

func TestHashKeyFrom_Empty(t *testing.T) {
	var out bytes.Buffer
	assert.EqualError(t, hashKeyFrom(&out, strings.NewReader("")), "no input")
	assert.EqualError(t, hashKeyFrom(&out, strings.NewReader("   \n")), "empty key")
}

func TestStatus_MissingState(t *testing.T) {
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "absent.db"))

	var out bytes.Buffer
	err := status(&out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no state at")
}

func TestStatus_PrintsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := state.LoadAt(path)
	require.NoError(t, err)
	require.NoError(t, st.SetDeviceID("dev-1"))
	require.NoError(t, st.SetSelectedConversation("c1"))
	require.NoError(t, st.SetLastConnected(time.Now()))
	require.NoError(t, st.SetWindow("c1", state.ConversationWindow{From: 50, To: 100, Total: 100}))
	require.NoError(t, st.AddUpload(state.UploadRecord{BlobID: "b1", Filename: "a.png", Size: 3}))
	require.NoError(t, st.Close())

	t.Setenv("STATE_PATH", path)

	var out bytes.Buffer
	require.NoError(t, status(&out))

	var got struct {
		StatePath     string         `yaml:"state_path"`
		DeviceID      string         `yaml:"device_id"`
		Selected      string         `yaml:"selected_conversation"`
		LastConnected string         `yaml:"last_connected"`
		Conversations map[string]any `yaml:"conversations"`
		Uploads       int            `yaml:"uploads"`
		RecentUploads []map[string]any `yaml:"recent_uploads"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))

	assert.Equal(t, path, got.StatePath)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, "c1", got.Selected)
	assert.NotEmpty(t, got.LastConnected)
	assert.Contains(t, got.Conversations, "c1")
	assert.Equal(t, 1, got.Uploads)
	require.Len(t, got.RecentUploads, 1)
	assert.Equal(t, "a.png", got.RecentUploads[0]["filename"])
}

func TestBuildReport_EmptyState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := state.LoadAt(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	report, err := buildReport(path, st)
	require.NoError(t, err)
	assert.Empty(t, report.DeviceID)
	assert.Empty(t, report.LastConnected)
	assert.Zero(t, report.Uploads)

	var out bytes.Buffer
	require.NoError(t, writeReport(&out, report))
	assert.NotContains(t, out.String(), "device_id")
	assert.Contains(t, out.String(), "uploads: 0")
}
