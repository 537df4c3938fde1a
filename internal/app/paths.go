package app

import (
	"os"
	"path/filepath"
)

// Paths holds all resolved paths for the pipeguard home layout.
type Paths struct {
	Home        string // .pipeguard directory
	Etc         string // .pipeguard/etc
	Var         string // .pipeguard/var
	Locks       string // .pipeguard/var/locks
	Backups     string // .pipeguard/var/backups
	Checkpoints string // .pipeguard/var/checkpoints
	Workspaces  string // .pipeguard/var/workspaces
	Archive     string // .pipeguard/var/archive
	Trunk       string // .pipeguard/var/trunk (default trunk root)

	// Key files
	Setting        string // .pipeguard/etc/setting.json
	State          string // .pipeguard/var/state.json
	WorkspaceIndex string // .pipeguard/var/workspaces.json
	Journal        string // .pipeguard/var/journal.ndjson
	Health         string // .pipeguard/var/health.json
	AuditDB        string // .pipeguard/var/audit.db
}

// ResolvePaths returns all paths based on the PIPEGUARD_HOME environment variable.
func ResolvePaths() Paths {
	home := os.Getenv("PIPEGUARD_HOME")
	if home == "" {
		home = ".pipeguard"
	}

	p := Paths{
		Home: home,
		Etc:  filepath.Join(home, "etc"),
		Var:  filepath.Join(home, "var"),
	}

	p.Locks = filepath.Join(p.Var, "locks")
	p.Backups = filepath.Join(p.Var, "backups")
	p.Checkpoints = filepath.Join(p.Var, "checkpoints")
	p.Workspaces = filepath.Join(p.Var, "workspaces")
	p.Archive = filepath.Join(p.Var, "archive")
	p.Trunk = filepath.Join(p.Var, "trunk")

	p.Setting = filepath.Join(p.Etc, "setting.json")
	p.State = filepath.Join(p.Var, "state.json")
	p.WorkspaceIndex = filepath.Join(p.Var, "workspaces.json")
	p.Journal = filepath.Join(p.Var, "journal.ndjson")
	p.Health = filepath.Join(p.Var, "health.json")
	p.AuditDB = filepath.Join(p.Var, "audit.db")

	return p
}

// EnsureLayout creates the directory skeleton for the resolved paths.
func (p Paths) EnsureLayout() error {
	for _, dir := range []string{p.Etc, p.Var, p.Locks, p.Backups, p.Checkpoints, p.Workspaces, p.Archive, p.Trunk} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
