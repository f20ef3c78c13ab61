package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dropsync/dropsync/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".dropsync", "config.json")
	DefaultSyncDir     = filepath.Join(home, "Dropsync")
	DefaultServerURL   = "https://api.dropsync.example.com"
	DefaultLogFilePath = filepath.Join(home, ".dropsync", "logs", "dropsync.log")

	// DefaultMaintenanceInterval bounds how long the Sync Monitor's maintenance
	// loop waits between reconciliation scans.
	DefaultMaintenanceInterval = 1 * 3600 // seconds (1h), kept as int so it serializes cleanly to JSON/viper
)

var (
	ErrInvalidURL   = errors.New("invalid url")
	ErrInvalidEmail = utils.ErrInvalidEmail
)

// Config is the daemon's on-disk configuration. It covers everything the
// Sync Monitor needs to construct a RemoteClient and an IndexStore; it does
// not itself implement any sync-engine behavior.
type Config struct {
	SyncDir              string `json:"sync_dir" mapstructure:"sync_dir"`
	Email                string `json:"email" mapstructure:"email"`
	ServerURL            string `json:"server_url" mapstructure:"server_url"`
	RefreshToken         string `json:"refresh_token,omitempty" mapstructure:"refresh_token,omitempty"`
	AccessToken          string `json:"-" mapstructure:"access_token"` // never persisted, in-memory only
	CaseSensitiveHost    bool   `json:"case_sensitive_host" mapstructure:"case_sensitive_host"`
	WorkerPoolSize       int    `json:"worker_pool_size" mapstructure:"worker_pool_size"`
	MaintenanceInterval  int    `json:"maintenance_interval_s" mapstructure:"maintenance_interval_s"`
	PauseResetThreshold  int    `json:"pause_reset_threshold_s" mapstructure:"pause_reset_threshold_s"`
	Path                 string `json:"-" mapstructure:"config_path"`
}

func (c *Config) Save() error {
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.Path, data, 0o644)
}

func (c *Config) Validate() error {
	if c.Path == "" {
		c.Path = DefaultConfigPath
	}

	var err error
	c.SyncDir, err = utils.ResolvePath(c.SyncDir)
	if err != nil {
		return err
	}

	c.Email = strings.ToLower(c.Email)
	if err := utils.ValidateEmail(c.Email); err != nil {
		return err
	}

	if err := utils.ValidateURL(c.ServerURL); err != nil {
		return fmt.Errorf("server url: %w", err)
	}

	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 6
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.PauseResetThreshold <= 0 {
		c.PauseResetThreshold = 24 * 3600
	}

	// do not validate refresh token... it can be empty for local dev.

	return nil
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("sync_dir", c.SyncDir),
		slog.String("email", c.Email),
		slog.String("server_url", c.ServerURL),
		slog.Bool("case_sensitive_host", c.CaseSensitiveHost),
		slog.Int("worker_pool_size", c.WorkerPoolSize),
		slog.Bool("refresh_token", c.RefreshToken != ""),
		slog.Bool("access_token", c.AccessToken != ""),
		slog.String("path", c.Path),
	)
}

func LoadFromFile(path string) (*Config, error) {
	path, err := utils.ResolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer data.Close()

	return LoadFromReader(path, data)
}

func LoadFromReader(path string, reader io.ReadCloser) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path

	return &cfg, nil
}
