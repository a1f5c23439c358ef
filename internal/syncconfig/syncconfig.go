// Package syncconfig resolves the client's directories and sync settings:
// server URL, bearer token, device id, retry tuning and auto-sync.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"

	memosync "github.com/marcus/memo/internal/sync"
)

// AutoSyncConfig holds auto-sync settings.
type AutoSyncConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // nil = default true
	Debounce string `json:"debounce,omitempty"` // duration string, default "3s"
	Pull     *bool  `json:"pull,omitempty"`     // nil = default true
}

// RetryConfig tunes the queue processor. Empty fields keep the defaults.
type RetryConfig struct {
	BaseDelay      string `json:"base_delay,omitempty"`
	MaxDelay       string `json:"max_delay,omitempty"`
	MaxAttempts    *int   `json:"max_attempts,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty"`
}

// Config is the client config stored at $XDG_CONFIG_HOME/memo/config.json.
type Config struct {
	ServerURL string         `json:"server_url,omitempty"`
	Token     string         `json:"token,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Retry     RetryConfig    `json:"retry"`
	Auto      AutoSyncConfig `json:"auto"`
}

const defaultServerURL = "http://localhost:8080"

// ConfigDir returns $XDG_CONFIG_HOME/memo, creating it if necessary.
func ConfigDir() (string, error) {
	xdg.Reload()
	dir := filepath.Join(xdg.ConfigHome, "memo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// DataDir returns the directory holding the local store.
// Priority: MEMO_DIR env > $XDG_DATA_HOME/memo.
func DataDir() string {
	if explicit := os.Getenv("MEMO_DIR"); explicit != "" {
		return explicit
	}
	xdg.Reload()
	return filepath.Join(xdg.DataHome, "memo")
}

// DBPath returns the path of the local SQLite store.
func DBPath() string {
	return filepath.Join(DataDir(), "memo.db")
}

// LoadConfig reads the config file. A missing file is an empty config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the config file (0600 perms, it holds the token).
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0600)
}

// GetServerURL returns the sync server URL.
// Priority: MEMO_SYNC_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("MEMO_SYNC_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.ServerURL != "" {
		return strings.TrimRight(cfg.ServerURL, "/")
	}
	return defaultServerURL
}

// GetToken returns the bearer token.
// Priority: MEMO_TOKEN env > config.json.
func GetToken() string {
	if v := os.Getenv("MEMO_TOKEN"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Token
	}
	return ""
}

// IsConfigured returns true if a token is available.
func IsConfigured() bool {
	return GetToken() != ""
}

// GetDeviceID returns the device id, generating and saving one on first use.
func GetDeviceID() (string, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return "", err
	}
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	cfg.DeviceID = uuid.NewString()
	if err := SaveConfig(cfg); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return cfg.DeviceID, nil
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

// GetAutoSyncEnabled returns whether mutating commands push afterwards.
// Priority: MEMO_AUTO_SYNC env > config.json auto.enabled > true
func GetAutoSyncEnabled() bool {
	if v := parseBoolEnv("MEMO_AUTO_SYNC"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Auto.Enabled != nil {
		return *cfg.Auto.Enabled
	}
	return true
}

// GetAutoSyncDebounce returns the minimum gap between two auto-syncs.
// Priority: MEMO_AUTO_SYNC_DEBOUNCE env > config.json auto.debounce > 3s
func GetAutoSyncDebounce() time.Duration {
	if v := os.Getenv("MEMO_AUTO_SYNC_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Auto.Debounce != "" {
		if d, err := time.ParseDuration(cfg.Auto.Debounce); err == nil {
			return d
		}
	}
	return 3 * time.Second
}

// GetAutoSyncPull returns whether auto-sync also pulls.
// Priority: MEMO_AUTO_SYNC_PULL env > config.json auto.pull > true
func GetAutoSyncPull() bool {
	if v := parseBoolEnv("MEMO_AUTO_SYNC_PULL"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Auto.Pull != nil {
		return *cfg.Auto.Pull
	}
	return true
}

// ProcessorConfig turns the retry settings into a queue processor config.
// Unparseable durations keep their defaults.
func (c *Config) ProcessorConfig() memosync.ProcessorConfig {
	pc := memosync.DefaultProcessorConfig()
	if d, ok := parseDuration(c.Retry.BaseDelay); ok {
		pc.BaseDelay = d
	}
	if d, ok := parseDuration(c.Retry.MaxDelay); ok {
		pc.MaxDelay = d
	}
	if d, ok := parseDuration(c.Retry.AttemptTimeout); ok {
		pc.AttemptTimeout = d
	}
	if c.Retry.MaxAttempts != nil && *c.Retry.MaxAttempts >= 0 {
		pc.MaxAttempts = *c.Retry.MaxAttempts
	}
	if c.Retry.Concurrency > 0 {
		pc.Concurrency = c.Retry.Concurrency
	}
	return pc
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
