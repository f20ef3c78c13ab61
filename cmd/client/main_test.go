package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dropsync/dropsync/internal/client/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoadConfigTestCmd(t *testing.T) *cobra.Command {
	t.Helper()

	viper.Reset()

	// Ensure we never read the developer's real config from their home directory.
	oldHome := home
	home = t.TempDir()
	t.Cleanup(func() { home = oldHome })

	cmd := &cobra.Command{}
	cmd.Flags().StringP("email", "e", "", "")
	cmd.Flags().StringP("syncdir", "d", config.DefaultSyncDir, "")
	cmd.Flags().StringP("server", "s", config.DefaultServerURL, "")
	cmd.PersistentFlags().StringP("config", "c", filepath.Join(home, ".dropsync", "config.json"), "")
	return cmd
}

func TestLoadConfigEnv(t *testing.T) {
	cmd := newLoadConfigTestCmd(t)
	t.Setenv("DROPSYNC_EMAIL", "test@example.com")
	t.Setenv("DROPSYNC_SERVER_URL", "https://test.dropsync.example.com")
	t.Setenv("DROPSYNC_REFRESH_TOKEN", "test-refresh-token")
	t.Setenv("DROPSYNC_ACCESS_TOKEN", "test-access-token")
	t.Setenv("DROPSYNC_SYNC_DIR", filepath.Join(home, "synced"))

	require.NoError(t, loadConfig(cmd))
	cfg, err := configFromViper()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "test@example.com", cfg.Email)
	assert.Equal(t, "https://test.dropsync.example.com", cfg.ServerURL)
	assert.Equal(t, "test-refresh-token", cfg.RefreshToken)
	assert.Equal(t, "test-access-token", cfg.AccessToken)
	assert.Equal(t, filepath.Join(home, "synced"), cfg.SyncDir)
}

func TestLoadConfigJSON(t *testing.T) {
	cmd := newLoadConfigTestCmd(t)
	dummyConfig := `
{
	"email": "test@example.com",
	"sync_dir": "` + filepath.Join(os.TempDir(), "dropsync-test-json") + `",
	"server_url": "https://test-json.dropsync.example.com",
	"refresh_token": "test-refresh-token-json"
}
`
	dummyConfigFile := filepath.Join(t.TempDir(), "dummy.json")
	require.NoError(t, os.WriteFile(dummyConfigFile, []byte(dummyConfig), 0o644))
	require.NoError(t, cmd.PersistentFlags().Set("config", dummyConfigFile))

	require.NoError(t, loadConfig(cmd))
	cfg, err := configFromViper()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "test@example.com", cfg.Email)
	assert.Equal(t, filepath.Join(os.TempDir(), "dropsync-test-json"), cfg.SyncDir)
	assert.Equal(t, "https://test-json.dropsync.example.com", cfg.ServerURL)
	assert.Equal(t, "test-refresh-token-json", cfg.RefreshToken)
}

func TestLoadConfigPrecedence_FlagBeatsEnvBeatsFile(t *testing.T) {
	cmd := newLoadConfigTestCmd(t)

	fileCfg := `{
  "email": "file@example.com",
  "sync_dir": "` + filepath.Join(os.TempDir(), "dropsync-file") + `",
  "server_url": "https://file.dropsync.example.com"
}`
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fileCfg), 0o644))
	require.NoError(t, cmd.PersistentFlags().Set("config", cfgPath))

	t.Setenv("DROPSYNC_EMAIL", "env@example.com")
	t.Setenv("DROPSYNC_SYNC_DIR", filepath.Join(os.TempDir(), "dropsync-env"))
	t.Setenv("DROPSYNC_SERVER_URL", "https://env.dropsync.example.com")

	require.NoError(t, loadConfig(cmd))
	cfg, err := configFromViper()
	require.NoError(t, err)
	require.Equal(t, "env@example.com", cfg.Email)
	require.Equal(t, filepath.Join(os.TempDir(), "dropsync-env"), cfg.SyncDir)
	require.Equal(t, "https://env.dropsync.example.com", cfg.ServerURL)

	require.NoError(t, cmd.Flags().Set("email", "flag@example.com"))
	require.NoError(t, cmd.Flags().Set("syncdir", filepath.Join(os.TempDir(), "dropsync-flag")))
	require.NoError(t, cmd.Flags().Set("server", "https://flag.dropsync.example.com"))

	require.NoError(t, loadConfig(cmd))
	cfg, err = configFromViper()
	require.NoError(t, err)
	require.Equal(t, "flag@example.com", cfg.Email)
	require.Equal(t, filepath.Join(os.TempDir(), "dropsync-flag"), cfg.SyncDir)
	require.Equal(t, "https://flag.dropsync.example.com", cfg.ServerURL)
}

func TestLoadConfigSearchesHomeConfigPaths(t *testing.T) {
	cmd := newLoadConfigTestCmd(t)

	cfgPath := filepath.Join(home, ".dropsync", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfgPath), 0o755))
	require.NoError(
		t,
		os.WriteFile(
			cfgPath,
			[]byte(`{"email":"alice@example.com","sync_dir":"`+filepath.Join(os.TempDir(), "dropsync")+`","server_url":"https://dropsync.example.com"}`),
			0o644,
		),
	)

	// Ensure loadConfig uses the search paths by NOT setting the --config flag.
	_, err := cmd.PersistentFlags().GetString("config")
	require.NoError(t, err)

	require.NoError(t, loadConfig(cmd))
	cfg, err := configFromViper()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "alice@example.com", cfg.Email)
	require.Equal(t, "https://dropsync.example.com", cfg.ServerURL)
}

func TestLoadConfigSearchPathsIgnoreMissingFile(t *testing.T) {
	cmd := newLoadConfigTestCmd(t)

	_, err := os.Stat(filepath.Join(home, ".dropsync", "config.json"))
	require.True(t, os.IsNotExist(err))

	t.Setenv("DROPSYNC_EMAIL", "env@example.com")
	t.Setenv("DROPSYNC_SYNC_DIR", filepath.Join(os.TempDir(), "dropsync-env"))
	t.Setenv("DROPSYNC_SERVER_URL", "https://env.dropsync.example.com")

	require.NoError(t, loadConfig(cmd))
	cfg, err := configFromViper()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "env@example.com", cfg.Email)
	require.Equal(t, "https://env.dropsync.example.com", cfg.ServerURL)
}
