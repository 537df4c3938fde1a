package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the resolved runtime configuration for the coordination core.
type Config struct {
	Home string

	// Lock manager
	LockTimeout    time.Duration // default acquire timeout
	Staleness      time.Duration // lock age after which a dead holder is reclaimable
	RetryBaseDelay time.Duration // first backoff step during acquire

	// State store backup retention
	BackupKeep   int
	BackupMaxAge time.Duration

	// Checkpoint retention
	CheckpointKeep   int
	CheckpointMaxAge time.Duration

	// Workspace
	TrunkDir string // override for the trunk root; empty = <home>/var/trunk

	Source string // "json", "env", or "default"
}

// RawSettings represents the structure of etc/setting.json.
// Pointer fields distinguish "absent" from zero values.
type RawSettings struct {
	LockTimeoutSec       *int    `json:"lock_timeout_sec"`
	StalenessMin         *int    `json:"staleness_min"`
	RetryBaseDelayMs     *int    `json:"retry_base_delay_ms"`
	BackupKeep           *int    `json:"backup_keep"`
	BackupMaxAgeDays     *int    `json:"backup_max_age_days"`
	CheckpointKeep       *int    `json:"checkpoint_keep"`
	CheckpointMaxAgeDays *int    `json:"checkpoint_max_age_days"`
	TrunkDir             *string `json:"trunk_dir"`
}

// Defaults applied when neither setting.json nor the environment sets a knob.
const (
	DefaultLockTimeoutSec       = 30
	DefaultStalenessMin         = 10
	DefaultRetryBaseDelayMs     = 50
	DefaultBackupKeep           = 10
	DefaultBackupMaxAgeDays     = 7
	DefaultCheckpointKeep       = 20
	DefaultCheckpointMaxAgeDays = 14
)

// LoadSettings resolves configuration for the given home directory.
// Priority: setting.json > PIPEGUARD_* environment > defaults.
func LoadSettings(home string) (Config, error) {
	settings := &RawSettings{}
	source := "default"

	jsonPath := filepath.Join(home, "etc", "setting.json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, settings); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", jsonPath, err)
		}
		source = "json"
	}

	if applyEnvOverrides(settings) && source == "default" {
		source = "env"
	}
	applyDefaults(settings)

	return Config{
		Home:             home,
		LockTimeout:      time.Duration(*settings.LockTimeoutSec) * time.Second,
		Staleness:        time.Duration(*settings.StalenessMin) * time.Minute,
		RetryBaseDelay:   time.Duration(*settings.RetryBaseDelayMs) * time.Millisecond,
		BackupKeep:       *settings.BackupKeep,
		BackupMaxAge:     time.Duration(*settings.BackupMaxAgeDays) * 24 * time.Hour,
		CheckpointKeep:   *settings.CheckpointKeep,
		CheckpointMaxAge: time.Duration(*settings.CheckpointMaxAgeDays) * 24 * time.Hour,
		TrunkDir:         *settings.TrunkDir,
		Source:           source,
	}, nil
}

// applyEnvOverrides fills unset fields from PIPEGUARD_* variables.
// Returns true when at least one variable was applied.
func applyEnvOverrides(s *RawSettings) bool {
	applied := false
	getInt := func(key string, dst **int) {
		if *dst != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = &n
				applied = true
			}
		}
	}

	getInt("PIPEGUARD_LOCK_TIMEOUT_SEC", &s.LockTimeoutSec)
	getInt("PIPEGUARD_STALENESS_MIN", &s.StalenessMin)
	getInt("PIPEGUARD_RETRY_BASE_DELAY_MS", &s.RetryBaseDelayMs)
	getInt("PIPEGUARD_BACKUP_KEEP", &s.BackupKeep)
	getInt("PIPEGUARD_BACKUP_MAX_AGE_DAYS", &s.BackupMaxAgeDays)
	getInt("PIPEGUARD_CHECKPOINT_KEEP", &s.CheckpointKeep)
	getInt("PIPEGUARD_CHECKPOINT_MAX_AGE_DAYS", &s.CheckpointMaxAgeDays)

	if s.TrunkDir == nil {
		if v := os.Getenv("PIPEGUARD_TRUNK_DIR"); v != "" {
			s.TrunkDir = &v
			applied = true
		}
	}
	return applied
}

// applyDefaults fills in default values for any nil fields
func applyDefaults(s *RawSettings) {
	setInt := func(dst **int, def int) {
		if *dst == nil {
			v := def
			*dst = &v
		}
	}
	setInt(&s.LockTimeoutSec, DefaultLockTimeoutSec)
	setInt(&s.StalenessMin, DefaultStalenessMin)
	setInt(&s.RetryBaseDelayMs, DefaultRetryBaseDelayMs)
	setInt(&s.BackupKeep, DefaultBackupKeep)
	setInt(&s.BackupMaxAgeDays, DefaultBackupMaxAgeDays)
	setInt(&s.CheckpointKeep, DefaultCheckpointKeep)
	setInt(&s.CheckpointMaxAgeDays, DefaultCheckpointMaxAgeDays)
	if s.TrunkDir == nil {
		v := ""
		s.TrunkDir = &v
	}
}
