package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for pylon-client.
type Config struct {
	// Relay endpoint and credentials.
	RelayURL   string `env:"RELAY_URL"`
	RelayToken string `env:"RELAY_TOKEN"`
	IDToken    string `env:"RELAY_ID_TOKEN"`
	DeviceType string `env:"DEVICE_TYPE" envDefault:"app"`

	// PylonDeviceID addresses requests to a specific host agent. Empty
	// lets the relay route to whichever Pylon the account has.
	PylonDeviceID string `env:"PYLON_DEVICE_ID"`

	// Connection liveness.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL" envDefault:"3s"`

	// Workspace handshake watchdog.
	SyncTimeout    time.Duration `env:"SYNC_TIMEOUT" envDefault:"10s"`
	SyncMaxRetries int           `env:"SYNC_MAX_RETRIES" envDefault:"3"`
	HistoryLimit   int           `env:"HISTORY_LIMIT" envDefault:"50"`

	// Transfers and cache.
	CacheMaxBytes    int64         `env:"CACHE_MAX_BYTES" envDefault:"52428800"`
	ChunkSize        int           `env:"CHUNK_SIZE" envDefault:"65536"`
	ChunkDelay       time.Duration `env:"CHUNK_DELAY" envDefault:"10ms"`
	MaxDownloadBytes int64         `env:"MAX_DOWNLOAD_BYTES" envDefault:"104857600"`
	VerifyChecksums  bool          `env:"VERIFY_CHECKSUMS" envDefault:"true"`

	// Local storage. StatePath defaults to ~/.pylon-client/state.db.
	StatePath   string `env:"STATE_PATH"`
	DownloadDir string `env:"DOWNLOAD_DIR"`

	// Outbox: files dropped into OutboxDir are uploaded to
	// OutboxConversationID (or the selected conversation when empty).
	OutboxDir            string `env:"OUTBOX_DIR"`
	OutboxConversationID string `env:"OUTBOX_CONVERSATION_ID"`

	// Local HTTP surface. Both features need HTTPListenAddr.
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR"`
	EnableMetrics  bool   `env:"ENABLE_METRICS" envDefault:"false"`
	EnableMCP      bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPAPIKeyHash  string `env:"MCP_API_KEY_HASH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the relay token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	// Storage and watcher do prefix checks that need absolute paths.
	for _, dir := range []*string{&cfg.DownloadDir, &cfg.OutboxDir} {
		if *dir == "" {
			continue
		}

		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *dir, err)
		}

		*dir = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("RELAY_URL is required")
	}

	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("RELAY_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("RELAY_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.RelayToken == "" {
		return fmt.Errorf("RELAY_TOKEN is required")
	}

	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 || c.ReconnectInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL, HEARTBEAT_TIMEOUT and RECONNECT_INTERVAL must be positive")
	}

	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must not be shorter than HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive")
	}

	if c.SyncMaxRetries < 1 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be at least 1")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}

	if c.CacheMaxBytes < 0 {
		return fmt.Errorf("CACHE_MAX_BYTES must not be negative")
	}

	if c.ChunkDelay < 0 {
		return fmt.Errorf("CHUNK_DELAY must not be negative")
	}

	if (c.EnableMCP || c.EnableMetrics) && c.HTTPListenAddr == "" {
		return fmt.Errorf("HTTP_LISTEN_ADDR is required when MCP or metrics are enabled")
	}

	if c.EnableMCP {
		if c.MCPAPIKeyHash == "" {
			return fmt.Errorf("MCP_API_KEY_HASH is required when MCP is enabled")
		}

		if !strings.HasPrefix(c.MCPAPIKeyHash, "$2") {
			return fmt.Errorf("MCP_API_KEY_HASH must be a bcrypt hash (run: pylon-client hash-key)")
		}
	}

	return nil
}

// StatePath returns STATE_PATH, or the default location when unset. It
// reads the .env file but does not require the relay settings, so local
// commands can inspect state without a full configuration.
func StatePath() (string, error) {
	_ = godotenv.Load()

	paths, err := env.ParseAs[struct {
		StatePath string `env:"STATE_PATH"`
	}]()
	if err != nil {
		return "", fmt.Errorf("parsing config: %w", err)
	}

	if paths.StatePath != "" {
		return paths.StatePath, nil
	}

	return DefaultStatePath()
}

// DefaultStatePath returns ~/.pylon-client/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pylon-client", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HTTPEnabled reports whether the local HTTP server should run.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPListenAddr != "" && (c.EnableMCP || c.EnableMetrics)
}
