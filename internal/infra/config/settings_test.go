package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := LoadSettings(home)
	require.NoError(t, err)

	require.Equal(t, "default", cfg.Source)
	require.Equal(t, 30*time.Second, cfg.LockTimeout)
	require.Equal(t, 10*time.Minute, cfg.Staleness)
	require.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay)
	require.Equal(t, 10, cfg.BackupKeep)
	require.Equal(t, 7*24*time.Hour, cfg.BackupMaxAge)
	require.Equal(t, 20, cfg.CheckpointKeep)
	require.Equal(t, "", cfg.TrunkDir)
}

func TestLoadSettingsFromJSON(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "etc"), 0o755))
	settingPath := filepath.Join(home, "etc", "setting.json")
	require.NoError(t, os.WriteFile(settingPath, []byte(`{
		"lock_timeout_sec": 5,
		"staleness_min": 2,
		"backup_keep": 3,
		"trunk_dir": "/srv/trunk"
	}`), 0o644))

	cfg, err := LoadSettings(home)
	require.NoError(t, err)

	require.Equal(t, "json", cfg.Source)
	require.Equal(t, 5*time.Second, cfg.LockTimeout)
	require.Equal(t, 2*time.Minute, cfg.Staleness)
	require.Equal(t, 3, cfg.BackupKeep)
	require.Equal(t, "/srv/trunk", cfg.TrunkDir)
	// Unspecified fields keep defaults.
	require.Equal(t, 20, cfg.CheckpointKeep)
}

func TestLoadSettingsEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PIPEGUARD_LOCK_TIMEOUT_SEC", "7")
	t.Setenv("PIPEGUARD_BACKUP_KEEP", "2")

	cfg, err := LoadSettings(home)
	require.NoError(t, err)

	require.Equal(t, "env", cfg.Source)
	require.Equal(t, 7*time.Second, cfg.LockTimeout)
	require.Equal(t, 2, cfg.BackupKeep)
}

func TestLoadSettingsJSONBeatsEnv(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "etc", "setting.json"),
		[]byte(`{"lock_timeout_sec": 5}`), 0o644))
	t.Setenv("PIPEGUARD_LOCK_TIMEOUT_SEC", "99")

	cfg, err := LoadSettings(home)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.LockTimeout)
}

func TestLoadSettingsInvalidJSON(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "etc", "setting.json"),
		[]byte(`{not json`), 0o644))

	_, err := LoadSettings(home)
	require.Error(t, err)
}
