package state

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pipeguard/pipeguard/internal/app"
	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
	"github.com/pipeguard/pipeguard/internal/infra/fs"
)

// ErrBackupNotFound is returned by Restore when no backup matches the selector.
var ErrBackupNotFound = errors.New("backup not found")

// Monotonic entropy keeps backup ids strictly increasing within a process even
// when several backups land in the same millisecond; recovery relies on the id
// being the recency sort key.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newBackupULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// BackupInfo describes one immutable backup copy on disk.
type BackupInfo struct {
	ID        string `json:"id"` // state-<ulid>[-label]
	Label     string `json:"label,omitempty"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

// Backup copies the current document into the backup directory under a fresh
// ULID-based id and rotates old backups. The copy is validated first so a
// corrupt document can never shadow a good backup.
func (s *Store) Backup(label string) (string, error) {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return "", fmt.Errorf("read state document for backup: %w", err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return "", fmt.Errorf("refusing to back up invalid document: %w", err)
	}
	id, err := s.backupDocument(doc, label)
	if err != nil {
		return "", err
	}
	s.journal("state.backup", id, nil)
	return id, nil
}

// backupDocument writes doc as an immutable backup and rotates.
func (s *Store) backupDocument(doc *Document, label string) (string, error) {
	id := "state-" + newBackupULID()
	if slug := sanitizeLabel(label); slug != "" {
		id += "-" + slug
	}
	path := filepath.Join(s.opts.BackupDir, id+".json")
	if err := fs.AtomicWriteJSON(path, doc); err != nil {
		return "", fmt.Errorf("write backup %s: %w", id, err)
	}
	s.rotateBackups()
	return id, nil
}

// Restore selects the most recent backup matching selector (a backup id or a
// label; empty selects the newest), validates it, and commits it through the
// same atomic path used by Write.
func (s *Store) Restore(selector string) (*Document, error) {
	lease, err := s.opts.Locks.Acquire(model.ResourceState, model.ModeExclusive, s.opts.LockTimeout,
		map[string]string{"op": "state.restore", "selector": selector})
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	backup, err := s.findBackup(selector)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadBackup(backup)
	if err != nil {
		return nil, fmt.Errorf("backup %s is not restorable: %w", backup.ID, err)
	}
	if err := fs.AtomicWriteJSON(s.opts.Path, doc); err != nil {
		return nil, fmt.Errorf("commit restored document: %w", err)
	}
	s.journal("state.restore", backup.ID, nil)
	return doc, nil
}

// ListBackups returns known backups, newest first.
func (s *Store) ListBackups() []BackupInfo {
	return s.listBackups()
}

func (s *Store) findBackup(selector string) (BackupInfo, error) {
	backups := s.listBackups()
	if len(backups) == 0 {
		return BackupInfo{}, fmt.Errorf("%w: no backups exist", ErrBackupNotFound)
	}
	if selector == "" {
		return backups[0], nil
	}
	for _, b := range backups {
		if b.ID == selector || b.Label == selector {
			return b, nil
		}
	}
	return BackupInfo{}, fmt.Errorf("%w: no backup matches %q", ErrBackupNotFound, selector)
}

func (s *Store) loadBackup(b BackupInfo) (*Document, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, err
	}
	return parseDocument(data)
}

// listBackups scans the backup directory, newest first. ULIDs sort
// lexicographically by creation time, so the filename is the sort key.
func (s *Store) listBackups() []BackupInfo {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if err != nil {
		return nil
	}
	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "state-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		info := BackupInfo{ID: id, Path: filepath.Join(s.opts.BackupDir, name)}
		parts := strings.SplitN(id, "-", 3)
		if len(parts) == 3 {
			info.Label = parts[2]
		}
		if fi, err := entry.Info(); err == nil {
			info.CreatedAt = fi.ModTime().UTC().Format(time.RFC3339Nano)
		}
		backups = append(backups, info)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ID > backups[j].ID })
	return backups
}

// rotateBackups enforces the retention policy: keep the newest N and prune
// anything older than the age limit.
func (s *Store) rotateBackups() {
	backups := s.listBackups()
	for i, b := range backups {
		tooMany := i >= s.opts.BackupKeep
		tooOld := false
		if s.opts.BackupAge > 0 && b.CreatedAt != "" {
			if created, err := time.Parse(time.RFC3339Nano, b.CreatedAt); err == nil {
				tooOld = time.Since(created) > s.opts.BackupAge
			}
		}
		if tooMany || tooOld {
			if err := os.Remove(b.Path); err != nil {
				app.GetLogger().Warn("failed to prune backup %s: %v", b.ID, err)
			}
		}
	}
}

// sanitizeLabel reduces a label to [a-z0-9-] so it can live in a filename.
func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
