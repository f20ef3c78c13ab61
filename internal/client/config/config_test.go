package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_NormalizesAndDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{
		SyncDir:   tmp,
		Email:     "Alice@Example.com",
		ServerURL: "http://127.0.0.1:8080",
		Path:      filepath.Join(tmp, "config.json"),
	}

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.SyncDir))
	assert.True(t, filepath.IsAbs(cfg.Path))
	assert.Equal(t, "alice@example.com", cfg.Email)
	assert.Equal(t, 6, cfg.WorkerPoolSize)
	assert.Equal(t, DefaultMaintenanceInterval, cfg.MaintenanceInterval)
	assert.Equal(t, 24*3600, cfg.PauseResetThreshold)
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	tmp := t.TempDir()

	t.Run("bad email", func(t *testing.T) {
		cfg := &Config{
			SyncDir:   tmp,
			Email:     "not-an-email",
			ServerURL: "http://127.0.0.1:8080",
			Path:      filepath.Join(tmp, "config.json"),
		}
		err := cfg.Validate()
		assert.Error(t, err)
	})

	t.Run("bad server url", func(t *testing.T) {
		cfg := &Config{
			SyncDir:   tmp,
			Email:     "alice@example.com",
			ServerURL: "ftp://bad.example.com",
			Path:      filepath.Join(tmp, "config.json"),
		}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "server url")
	})
}

func TestConfig_SaveAndLoad_Roundtrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	cfg := &Config{
		SyncDir:      tmp,
		Email:        "alice@example.com",
		ServerURL:    "http://127.0.0.1:8080",
		RefreshToken: "rtok",
		AccessToken:  "atok", // should not persist
		Path:         path,
	}

	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.SyncDir, loaded.SyncDir)
	assert.Equal(t, cfg.Email, loaded.Email)
	assert.Equal(t, cfg.ServerURL, loaded.ServerURL)
	assert.Equal(t, cfg.RefreshToken, loaded.RefreshToken)

	// Non-persisted fields default on load.
	assert.Empty(t, loaded.AccessToken)
	assert.Equal(t, path, loaded.Path)

	// Ensure file exists and is readable.
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
