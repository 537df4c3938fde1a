package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/pipeguard/pipeguard/internal/app"
	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
	"github.com/pipeguard/pipeguard/internal/infra/fs"
	"github.com/pipeguard/pipeguard/internal/lock"
	"github.com/pipeguard/pipeguard/internal/state"
)

// baseManifestFile stores the trunk manifest captured at creation inside each
// workspace. It is reserved: task code must not touch it.
const baseManifestFile = ".pipeguard-base.json"

// resolvedDir holds caller-provided conflict resolutions inside a workspace.
const resolvedDir = ".pipeguard-resolved"

// Options wires a Manager.
type Options struct {
	Fs            afero.Fs // defaults to the OS filesystem
	IndexPath     string
	WorkspacesDir string
	ArchiveDir    string
	TrunkDir      string
	Locks         *lock.Manager
	Store         *state.Store
	LockTimeout   time.Duration
	Journal       *app.JournalWriter
}

// Manager owns the workspace lifecycle: isolated copies are created from the
// trunk, validated, merged back, and archived. The index file is mutated only
// under the exclusive workspace-index lock; the trunk only under the trunk
// lock.
type Manager struct {
	opts Options
}

// NewManager creates a workspace manager. Locks and Store are required.
func NewManager(opts Options) *Manager {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	return &Manager{opts: opts}
}

type index struct {
	Version    int       `json:"version"`
	Workspaces []*Record `json:"workspaces"`
}

func (idx *index) find(name string) *Record {
	for _, r := range idx.Workspaces {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (m *Manager) loadIndex() (*index, error) {
	data, err := afero.ReadFile(m.opts.Fs, m.opts.IndexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &index{Version: 1}, nil
		}
		return nil, fmt.Errorf("read workspace index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse workspace index: %w", err)
	}
	return &idx, nil
}

func (m *Manager) saveIndex(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workspace index: %w", err)
	}
	if err := fs.WriteFileAtomicFs(m.opts.Fs, m.opts.IndexPath, append(data, '\n')); err != nil {
		return fmt.Errorf("write workspace index: %w", err)
	}
	return nil
}

// withIndex runs fn with the index loaded under the exclusive
// workspace-index lock and persists the index afterwards.
func (m *Manager) withIndex(op string, fn func(idx *index) error) error {
	lease, err := m.opts.Locks.Acquire(model.ResourceWorkspaceIndex, model.ModeExclusive,
		m.opts.LockTimeout, map[string]string{"op": op})
	if err != nil {
		return err
	}
	defer lease.Release()

	idx, err := m.loadIndex()
	if err != nil {
		return err
	}
	if err := fn(idx); err != nil {
		return err
	}
	return m.saveIndex(idx)
}

// Create builds an isolated working copy of the trunk for taskKey and records
// it as active. When basePoint is non-empty it must match the current trunk
// manifest digest. A second Create for the same task key fails with ErrExists
// and leaves the first record untouched.
func (m *Manager) Create(taskKey, basePoint string) (*Record, error) {
	if taskKey == "" {
		return nil, fmt.Errorf("task key is required")
	}

	phase := "task"
	if m.opts.Store != nil {
		if doc, err := m.opts.Store.Read(); err == nil || errors.Is(err, state.ErrCorruptionRecovered) {
			phase = doc.Phase
		}
	}
	name := slugify(phase + "-" + taskKey)

	var record *Record
	err := m.withIndex("workspace.create", func(idx *index) error {
		if existing := idx.find(name); existing != nil {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}

		// Shared trunk lease: the copy must not observe a merge in flight.
		trunkLease, err := m.opts.Locks.Acquire(model.ResourceTrunk, model.ModeShared,
			m.opts.LockTimeout, map[string]string{"op": "workspace.create"})
		if err != nil {
			return err
		}
		defer trunkLease.Release()

		trunkManifest, err := buildManifest(m.opts.Fs, m.opts.TrunkDir)
		if err != nil {
			return fmt.Errorf("snapshot trunk: %w", err)
		}
		digest := trunkManifest.Digest()
		if basePoint != "" && basePoint != digest {
			return fmt.Errorf("%w: trunk is at %s, requested %s", ErrBasePointMismatch, digest, basePoint)
		}

		wsPath := filepath.Join(m.opts.WorkspacesDir, name)
		if err := copyTree(m.opts.Fs, m.opts.TrunkDir, wsPath); err != nil {
			return fmt.Errorf("populate workspace: %w", err)
		}
		if err := m.writeBaseManifest(wsPath, digest, trunkManifest); err != nil {
			m.opts.Fs.RemoveAll(wsPath)
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		record = &Record{
			Name:           name,
			TaskKey:        taskKey,
			Status:         StatusActive,
			BasePoint:      digest,
			Path:           wsPath,
			CreatedAt:      now,
			LastActivityAt: now,
			MergeStatus:    MergePending,
		}
		idx.Workspaces = append(idx.Workspaces, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.journal("workspace.create", name, map[string]string{"base_point": record.BasePoint})
	return record, nil
}

type baseManifest struct {
	Digest   string   `json:"digest"`
	Manifest Manifest `json:"manifest"`
}

func (m *Manager) writeBaseManifest(wsPath, digest string, manifest Manifest) error {
	data, err := json.MarshalIndent(baseManifest{Digest: digest, Manifest: manifest}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal base manifest: %w", err)
	}
	return fs.WriteFileAtomicFs(m.opts.Fs, filepath.Join(wsPath, baseManifestFile), append(data, '\n'))
}

func (m *Manager) readBaseManifest(wsPath string) (*baseManifest, error) {
	data, err := afero.ReadFile(m.opts.Fs, filepath.Join(wsPath, baseManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: base manifest unreadable: %v", ErrIsolationViolation, err)
	}
	var base baseManifest
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("%w: base manifest corrupt: %v", ErrIsolationViolation, err)
	}
	return &base, nil
}

// Validate checks the isolation invariants of a workspace and records its
// current change set. It blocks merge on violations.
func (m *Manager) Validate(name string) ([]string, error) {
	var changed []string
	err := m.withIndex("workspace.validate", func(idx *index) error {
		record := idx.find(name)
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		switch record.Status {
		case StatusValidating:
			return fmt.Errorf("%w: %s has an interrupted merge; run repair", ErrDirtyState, name)
		case StatusMerged, StatusArchived, StatusFailed:
			return fmt.Errorf("workspace %s is %s and cannot be validated", name, record.Status)
		}

		if violations, err := m.isolationViolations(record.Path); err != nil {
			return err
		} else if len(violations) > 0 {
			return fmt.Errorf("%w: %s", ErrIsolationViolation, strings.Join(violations, ", "))
		}

		base, err := m.readBaseManifest(record.Path)
		if err != nil {
			return err
		}
		current, err := buildManifest(m.opts.Fs, record.Path)
		if err != nil {
			return err
		}
		changed = current.Diff(base.Manifest)
		record.ChangedPaths = changed
		record.LastActivityAt = time.Now().UTC().Format(time.RFC3339Nano)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.journal("workspace.validate", name, map[string]string{"changed": fmt.Sprint(len(changed))})
	return changed, nil
}

// isolationViolations inspects the physical tree for writes that escape the
// isolated copy: symlinks resolving outside the workspace root.
func (m *Manager) isolationViolations(wsPath string) ([]string, error) {
	lstater, ok := m.opts.Fs.(afero.Lstater)
	if !ok {
		return nil, nil
	}
	absRoot, err := filepath.Abs(wsPath)
	if err != nil {
		return nil, err
	}

	var violations []string
	err = afero.Walk(m.opts.Fs, wsPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		fi, lstatCalled, lerr := lstater.LstatIfPossible(path)
		if lerr != nil || !lstatCalled {
			return nil
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, rerr := os.Readlink(path)
		if rerr != nil {
			return nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		absTarget, aerr := filepath.Abs(target)
		if aerr != nil {
			return nil
		}
		if absTarget != absRoot && !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator)) {
			rel, _ := filepath.Rel(wsPath, path)
			violations = append(violations, fmt.Sprintf("%s -> %s", filepath.ToSlash(rel), target))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}

// List returns records matching the status filter (empty = all).
func (m *Manager) List(statusFilter string) ([]Record, error) {
	idx, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range idx.Workspaces {
		if statusFilter == "" || string(r.Status) == statusFilter {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Status returns one record by name.
func (m *Manager) Status(name string) (*Record, error) {
	idx, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	record := idx.find(name)
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := *record
	return &out, nil
}

// DeclareDependency orders merges: name will refuse to merge until dependsOn
// has merged.
func (m *Manager) DeclareDependency(name, dependsOn string) error {
	return m.withIndex("workspace.depend", func(idx *index) error {
		record := idx.find(name)
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if idx.find(dependsOn) == nil {
			return fmt.Errorf("%w: dependency %s", ErrNotFound, dependsOn)
		}
		for _, d := range record.DependsOn {
			if d == dependsOn {
				return nil
			}
		}
		record.DependsOn = append(record.DependsOn, dependsOn)
		return nil
	})
}

// copyTree copies every file under src to dst, preserving relative layout.
func copyTree(afs afero.Fs, src, dst string) error {
	if err := afs.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return afero.Walk(afs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return afs.MkdirAll(target, 0o755)
		}
		data, err := afero.ReadFile(afs, path)
		if err != nil {
			return err
		}
		if err := afs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return afero.WriteFile(afs, target, data, info.Mode().Perm())
	})
}

func (m *Manager) journal(kind, label string, detail map[string]string) {
	if m.opts.Journal == nil {
		return
	}
	m.opts.Journal.Append(app.JournalEntry{Kind: kind, Actor: os.Getpid(), Label: label, Detail: detail})
}
