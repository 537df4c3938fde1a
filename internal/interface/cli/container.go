package cli

import (
	"fmt"
	"os"

	"github.com/pipeguard/pipeguard/internal/app"
	"github.com/pipeguard/pipeguard/internal/infra/config"
	"github.com/pipeguard/pipeguard/internal/lock"
	"github.com/pipeguard/pipeguard/internal/recovery"
	"github.com/pipeguard/pipeguard/internal/state"
	"github.com/pipeguard/pipeguard/internal/workspace"
)

// Container wires every service the commands use. Build one per invocation
// and Close it when done.
type Container struct {
	Config     config.Config
	Paths      app.Paths
	Journal    *app.JournalWriter
	Locks      *lock.Manager
	Store      *state.Store
	Recovery   *recovery.Manager
	Workspaces *workspace.Manager

	audit *lock.SQLiteAudit
}

// InitializeContainer resolves paths and configuration and constructs the
// coordination services. The audit database is optional: when it cannot be
// opened the lock manager simply runs without an audit trail.
func InitializeContainer() (*Container, error) {
	paths := app.ResolvePaths()
	if err := paths.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare %s layout: %w", paths.Home, err)
	}

	cfg, err := config.LoadSettings(paths.Home)
	if err != nil {
		return nil, err
	}

	journal := app.NewJournalWriter(paths.Journal)

	var lockOpts []lock.Option
	audit, auditErr := lock.OpenAudit(paths.AuditDB)
	if auditErr != nil {
		app.GetLogger().Warn("lock audit trail unavailable: %v", auditErr)
	} else {
		lockOpts = append(lockOpts, lock.WithAuditor(audit))
	}
	locks := lock.NewManager(paths.Locks, cfg.Staleness, cfg.RetryBaseDelay, lockOpts...)

	store := state.NewStore(state.Options{
		Path:        paths.State,
		BackupDir:   paths.Backups,
		Locks:       locks,
		LockTimeout: cfg.LockTimeout,
		BackupKeep:  cfg.BackupKeep,
		BackupAge:   cfg.BackupMaxAge,
		Journal:     journal,
	})

	rec := recovery.NewManager(paths.Checkpoints, store, cfg.CheckpointKeep, cfg.CheckpointMaxAge, journal)

	trunk := paths.Trunk
	if cfg.TrunkDir != "" {
		trunk = cfg.TrunkDir
	}
	workspaces := workspace.NewManager(workspace.Options{
		IndexPath:     paths.WorkspaceIndex,
		WorkspacesDir: paths.Workspaces,
		ArchiveDir:    paths.Archive,
		TrunkDir:      trunk,
		Locks:         locks,
		Store:         store,
		LockTimeout:   cfg.LockTimeout,
		Journal:       journal,
	})

	c := &Container{
		Config:     cfg,
		Paths:      paths,
		Journal:    journal,
		Locks:      locks,
		Store:      store,
		Recovery:   rec,
		Workspaces: workspaces,
		audit:      audit,
	}
	c.startupSweep()
	return c, nil
}

// startupSweep reclaims stale locks left by crashed processes. Interrupted
// merges are only reported; repairing them rewrites the index and stays an
// explicit operator action.
func (c *Container) startupSweep() {
	if reclaimed, err := c.Locks.Cleanup(0); err == nil && reclaimed > 0 {
		app.GetLogger().Warn("reclaimed %d stale lock(s) on startup", reclaimed)
		c.Journal.Append(app.JournalEntry{
			Kind:  "lock.startup-sweep",
			Actor: os.Getpid(),
			Detail: map[string]string{
				"reclaimed": fmt.Sprint(reclaimed),
			},
		})
	}
	if records, err := c.Workspaces.List(string(workspace.StatusValidating)); err == nil && len(records) > 0 {
		for _, r := range records {
			app.GetLogger().Warn("workspace %s has an interrupted merge; run 'pipeguard workspace repair'", r.Name)
		}
	}
}

// Close releases container resources.
func (c *Container) Close() error {
	if c.audit != nil {
		return c.audit.Close()
	}
	return nil
}
