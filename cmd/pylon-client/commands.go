package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/pylon-client/internal/auth"
	"github.com/alexjbarnes/pylon-client/internal/config"
	"github.com/alexjbarnes/pylon-client/internal/state"
)

const recentUploadsShown = 10

// hashKey prints a bcrypt hash for MCP_API_KEY_HASH. With no arguments
// it generates a fresh key; with "-" it hashes a key read from stdin.
func hashKey(w io.Writer, args []string) error {
	if len(args) > 0 && args[0] == "-" {
		return hashKeyFrom(w, os.Stdin)
	}

	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "API key (give this to the MCP client):\n  %s\n", key)
	fmt.Fprintf(w, "MCP_API_KEY_HASH:\n  %s\n", hash)

	return nil
}

func hashKeyFrom(w io.Writer, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return errors.New("no input")
	}

	key := strings.TrimSpace(scanner.Text())
	if key == "" {
		return errors.New("empty key")
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, hash)

	return nil
}

type statusReport struct {
	StatePath            string                              `yaml:"state_path"`
	DeviceID             string                              `yaml:"device_id,omitempty"`
	SelectedConversation string                              `yaml:"selected_conversation,omitempty"`
	LastConnected        string                              `yaml:"last_connected,omitempty"`
	Conversations        map[string]state.ConversationWindow `yaml:"conversations,omitempty"`
	Uploads              int                                 `yaml:"uploads"`
	RecentUploads        []state.UploadRecord                `yaml:"recent_uploads,omitempty"`
}

// status prints the persisted client state as YAML. It opens the state
// database, so it waits for a running client to release its lock.
func status(w io.Writer) error {
	path, err := config.StatePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no state at %s: %w", path, err)
	}

	st, err := state.LoadAt(path)
	if err != nil {
		return fmt.Errorf("opening state (is pylon-client running?): %w", err)
	}
	defer st.Close()

	report, err := buildReport(path, st)
	if err != nil {
		return err
	}

	return writeReport(w, report)
}

func buildReport(path string, st *state.State) (statusReport, error) {
	report := statusReport{
		StatePath:            path,
		DeviceID:             st.DeviceID(),
		SelectedConversation: st.SelectedConversation(),
		Uploads:              st.UploadCount(),
	}

	if t := st.LastConnected(); !t.IsZero() {
		report.LastConnected = t.Local().Format(time.RFC3339)
	}

	windows, err := st.AllWindows()
	if err != nil {
		return report, fmt.Errorf("reading windows: %w", err)
	}

	report.Conversations = windows

	report.RecentUploads, err = st.RecentUploads(recentUploadsShown)
	if err != nil {
		return report, fmt.Errorf("reading uploads: %w", err)
	}

	return report, nil
}

func writeReport(w io.Writer, report statusReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}

	return enc.Close()
}

