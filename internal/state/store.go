package state

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pipeguard/pipeguard/internal/app"
	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
	"github.com/pipeguard/pipeguard/internal/infra/fs"
	"github.com/pipeguard/pipeguard/internal/lock"
)

// ErrCorruptionRecovered is wrapped into the error returned by Read when the
// canonical document was unreadable and had to be replaced from a backup (or
// reinitialized). The returned document is valid; the error is a loud signal,
// never silent.
var ErrCorruptionRecovered = errors.New("state corruption detected and recovered")

// Options wires a Store.
type Options struct {
	Path        string        // canonical state document
	BackupDir   string        // timestamped immutable copies
	Locks       *lock.Manager // guards the "state" resource
	LockTimeout time.Duration
	BackupKeep  int           // rotation: keep newest N
	BackupAge   time.Duration // rotation: prune older than this
	Journal     *app.JournalWriter
}

// Store owns all access to the state document. Nothing else may touch the
// file; mutations flow through Write, which linearizes them under the
// exclusive "state" lock and commits with temp-write + rename.
type Store struct {
	opts Options
}

// NewStore creates a Store. Locks is required; Journal is optional.
func NewStore(opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = 10
	}
	return &Store{opts: opts}
}

// Init creates the default document if absent. Idempotent: an existing valid
// document is returned untouched.
func (s *Store) Init() (*Document, error) {
	if _, err := os.Stat(s.opts.Path); err == nil {
		return s.Read()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat state document: %w", err)
	}

	doc := DefaultDocument()
	if err := fs.AtomicWriteJSON(s.opts.Path, doc); err != nil {
		return nil, fmt.Errorf("initialize state document: %w", err)
	}
	s.journal("state.init", "", map[string]string{"phase": doc.Phase})
	return doc, nil
}

// Read returns the current document. A corrupt or invalid document triggers
// automatic fallback to the most recent valid backup (reinitializing the
// default document when no backup is usable); in that case the valid document
// is returned together with an error wrapping ErrCorruptionRecovered.
//
// Recovery rewrites the canonical file, so it runs under the same exclusive
// "state" lock that Write commits under.
func (s *Store) Read() (*Document, error) {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("state document not initialized: %w", err)
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}

	doc, parseErr := parseDocument(data)
	if parseErr == nil {
		return doc, nil
	}

	lease, lockErr := s.opts.Locks.Acquire(model.ResourceState, model.ModeExclusive, s.opts.LockTimeout,
		map[string]string{"op": "state.recover"})
	if lockErr != nil {
		return nil, lockErr
	}
	defer lease.Release()

	// A writer may have finished its commit while we waited for the lock, in
	// which case the corruption is already gone.
	return s.readLocked()
}

// readLocked is Read for callers that already hold the exclusive "state"
// lock. The lock manager is not reentrant, so the recovery path inside Write
// must not go through Read.
func (s *Store) readLocked() (*Document, error) {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("state document not initialized: %w", err)
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}

	doc, parseErr := parseDocument(data)
	if parseErr == nil {
		return doc, nil
	}

	app.GetLogger().Error("state document corrupt: %v; attempting backup recovery", parseErr)
	return s.recoverFromBackups(parseErr)
}

// recoverFromBackups restores the newest valid backup over the canonical path,
// or reinitializes the default document when none is usable. The caller must
// hold the exclusive "state" lock.
func (s *Store) recoverFromBackups(cause error) (*Document, error) {
	for _, b := range s.listBackups() {
		doc, err := s.loadBackup(b)
		if err != nil {
			app.GetLogger().Warn("backup %s unusable: %v", b.ID, err)
			continue
		}
		if err := fs.AtomicWriteJSON(s.opts.Path, doc); err != nil {
			return nil, fmt.Errorf("restore backup %s: %w", b.ID, err)
		}
		app.GetLogger().Warn("state restored from backup %s", b.ID)
		s.journal("state.recovered", b.ID, nil)
		return doc, fmt.Errorf("%w: restored from backup %s (cause: %v)", ErrCorruptionRecovered, b.ID, cause)
	}

	doc := DefaultDocument()
	if err := fs.AtomicWriteJSON(s.opts.Path, doc); err != nil {
		return nil, fmt.Errorf("reinitialize state document: %w", err)
	}
	app.GetLogger().Error("no valid backup found; state document reinitialized to defaults")
	s.journal("state.reinitialized", "", nil)
	return doc, fmt.Errorf("%w: no valid backup, reinitialized defaults (cause: %v)", ErrCorruptionRecovered, cause)
}

// Write applies mutate to a copy of the current document and commits the
// result atomically under the exclusive "state" lock. The pre-mutation
// document is backed up before the commit. Validation failure aborts the
// write; the prior document remains authoritative.
func (s *Store) Write(mutate func(*Document) error, label string) (*Document, error) {
	lease, err := s.opts.Locks.Acquire(model.ResourceState, model.ModeExclusive, s.opts.LockTimeout,
		map[string]string{"op": "state.write", "label": label})
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	current, err := s.readLocked()
	if err != nil && !errors.Is(err, ErrCorruptionRecovered) {
		return nil, err
	}

	candidate := current.Clone()
	if err := mutate(candidate); err != nil {
		return nil, fmt.Errorf("state mutation %q: %w", label, err)
	}
	if err := Validate(candidate); err != nil {
		return nil, err
	}
	if candidate.SchemaVersion < current.SchemaVersion {
		return nil, fmt.Errorf("%w: schema_version must not decrease (%d -> %d)",
			ErrValidation, current.SchemaVersion, candidate.SchemaVersion)
	}
	candidate.Meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := s.backupDocument(current, label); err != nil {
		return nil, fmt.Errorf("pre-write backup: %w", err)
	}
	if err := fs.AtomicWriteJSON(s.opts.Path, candidate); err != nil {
		return nil, fmt.Errorf("commit state document: %w", err)
	}

	s.journal("state.write", label, map[string]string{"phase": candidate.Phase})
	return candidate, nil
}

// CommitSnapshot validates doc and installs it as the current document under
// the exclusive "state" lock, backing up the pre-commit document first. Used
// by checkpoint restoration.
func (s *Store) CommitSnapshot(doc *Document, label string) error {
	if err := Validate(doc); err != nil {
		return err
	}
	lease, err := s.opts.Locks.Acquire(model.ResourceState, model.ModeExclusive, s.opts.LockTimeout,
		map[string]string{"op": "state.commit-snapshot", "label": label})
	if err != nil {
		return err
	}
	defer lease.Release()

	if current, err := s.readLocked(); err == nil {
		if _, err := s.backupDocument(current, label); err != nil {
			return fmt.Errorf("pre-snapshot backup: %w", err)
		}
	}
	if err := fs.AtomicWriteJSON(s.opts.Path, doc); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	s.journal("state.snapshot", label, map[string]string{"phase": doc.Phase})
	return nil
}

// Validate re-checks the on-disk document without mutating anything.
func (s *Store) Validate() error {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return fmt.Errorf("read state document: %w", err)
	}
	_, err = parseDocument(data)
	return err
}

func (s *Store) journal(kind, label string, detail map[string]string) {
	if s.opts.Journal == nil {
		return
	}
	s.opts.Journal.Append(app.JournalEntry{
		Kind:   kind,
		Actor:  os.Getpid(),
		Label:  label,
		Detail: detail,
	})
}
