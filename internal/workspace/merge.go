package workspace

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
	"github.com/pipeguard/pipeguard/internal/infra/fs"
	"github.com/pipeguard/pipeguard/internal/state"
)

// Merge strategies. Fast-forward applies cleanly only when the trunk did not
// move under any changed path since the base point. Three-way compares each
// changed path against base and trunk and surfaces true conflicts. Squash is
// three-way with a single collapsed journal entry.
const (
	StrategyFastForward = "fast-forward"
	StrategyThreeWay    = "three-way"
	StrategySquash      = "squash"
)

// MergeResult reports the outcome of one merge attempt.
type MergeResult struct {
	Workspace string   `json:"workspace"`
	Strategy  string   `json:"strategy"`
	Applied   []string `json:"applied,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	TrunkBase string   `json:"trunk_base"`
	TrunkHead string   `json:"trunk_head"`
}

// Merge folds the workspace change set back into the trunk under the trunk
// lock. On conflict the trunk is left untouched, the conflicting paths are
// recorded, and ErrMergeConflict is returned; resolutions recorded via
// AcceptOurs, AcceptTheirs, or ProvideResolved apply on the next attempt.
func (m *Manager) Merge(name, strategy string) (*MergeResult, error) {
	switch strategy {
	case "":
		strategy = StrategyThreeWay
	case StrategyFastForward, StrategyThreeWay, StrategySquash:
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	// Index lock first, trunk lock second. The state document is updated only
	// after both are released because the state lock ranks below them.
	indexLease, err := m.opts.Locks.Acquire(model.ResourceWorkspaceIndex, model.ModeExclusive,
		m.opts.LockTimeout, map[string]string{"op": "workspace.merge"})
	if err != nil {
		return nil, err
	}
	result, mergeErr := func() (*MergeResult, error) {
		defer indexLease.Release()

		idx, err := m.loadIndex()
		if err != nil {
			return nil, err
		}
		record := idx.find(name)
		if record == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err := m.mergePreconditions(idx, record); err != nil {
			return nil, err
		}

		trunkLease, err := m.opts.Locks.Acquire(model.ResourceTrunk, model.ModeExclusive,
			m.opts.LockTimeout, map[string]string{"op": "workspace.merge", "workspace": name})
		if err != nil {
			return nil, err
		}
		defer trunkLease.Release()

		// Mark the merge in flight so an interruption is visible to Repair.
		record.Status = StatusValidating
		record.MergeStrategy = strategy
		if err := m.saveIndex(idx); err != nil {
			return nil, err
		}

		result, err := m.mergeLocked(record, strategy)

		record.LastActivityAt = time.Now().UTC().Format(time.RFC3339Nano)
		switch {
		case err == nil:
			record.Status = StatusMerged
			record.MergeStatus = MergeMerged
			record.ConflictPaths = nil
			record.Resolutions = nil
		case errors.Is(err, ErrMergeConflict):
			record.Status = StatusActive
			record.MergeStatus = MergeConflict
			record.ConflictPaths = result.Conflicts
		default:
			record.Status = StatusActive
			record.MergeStatus = MergeAborted
		}
		if saveErr := m.saveIndex(idx); saveErr != nil && err == nil {
			err = saveErr
		}
		return result, err
	}()

	if mergeErr != nil {
		m.journal("workspace.merge", name, map[string]string{"strategy": strategy, "outcome": "failed"})
		return result, mergeErr
	}

	detail := map[string]string{
		"strategy": strategy,
		"applied":  fmt.Sprint(len(result.Applied)),
		"head":     result.TrunkHead,
	}
	if strategy == StrategySquash {
		detail["paths"] = strings.Join(result.Applied, ",")
	}
	m.journal("workspace.merge", name, detail)

	if m.opts.Store != nil {
		_, err := m.opts.Store.Write(func(doc *state.Document) error {
			doc.MarkCompleted(name)
			doc.EmitSignal("workspace.merged:" + name)
			return nil
		}, "workspace.merge:"+name)
		if err != nil {
			return result, fmt.Errorf("merge applied but state update failed: %w", err)
		}
	}
	return result, nil
}

func (m *Manager) mergePreconditions(idx *index, record *Record) error {
	switch record.Status {
	case StatusValidating:
		return fmt.Errorf("%w: %s has an interrupted merge; run repair", ErrDirtyState, record.Name)
	case StatusMerged, StatusArchived, StatusFailed:
		return fmt.Errorf("workspace %s is %s and cannot be merged", record.Name, record.Status)
	}
	for _, dep := range record.DependsOn {
		depRecord := idx.find(dep)
		if depRecord == nil {
			return fmt.Errorf("%w: %s (missing)", ErrDependencyUnmerged, dep)
		}
		if depRecord.MergeStatus != MergeMerged {
			return fmt.Errorf("%w: %s", ErrDependencyUnmerged, dep)
		}
	}
	return nil
}

// mergeLocked runs with both the index and trunk locks held. Nothing is
// written to the trunk until every changed path has a clean disposition.
func (m *Manager) mergeLocked(record *Record, strategy string) (*MergeResult, error) {
	base, err := m.readBaseManifest(record.Path)
	if err != nil {
		return nil, err
	}
	wsManifest, err := buildManifest(m.opts.Fs, record.Path)
	if err != nil {
		return nil, err
	}
	trunkManifest, err := buildManifest(m.opts.Fs, m.opts.TrunkDir)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{
		Workspace: record.Name,
		Strategy:  strategy,
		TrunkBase: trunkManifest.Digest(),
	}

	changed := wsManifest.Diff(base.Manifest)
	record.ChangedPaths = changed

	type action struct {
		path   string
		delete bool
		source string // file to copy into the trunk when not a delete
	}
	var plan []action

	for _, path := range changed {
		wsSum, inWs := wsManifest[path]
		baseSum, inBase := base.Manifest[path]
		trunkSum, inTrunk := trunkManifest[path]

		trunkMoved := (inTrunk != inBase) || (inTrunk && trunkSum != baseSum)

		if !trunkMoved {
			if inWs {
				plan = append(plan, action{path: path, source: filepath.Join(record.Path, path)})
			} else {
				plan = append(plan, action{path: path, delete: true})
			}
			continue
		}

		if strategy == StrategyFastForward {
			result.Conflicts = append(result.Conflicts, path)
			continue
		}

		// Three-way: converging edits are harmless, true divergence needs a
		// resolution.
		if inWs && inTrunk && wsSum == trunkSum {
			result.Skipped = append(result.Skipped, path)
			continue
		}
		if !inWs && !inTrunk {
			result.Skipped = append(result.Skipped, path)
			continue
		}

		switch record.Resolutions[path] {
		case ResolutionOurs:
			if inWs {
				plan = append(plan, action{path: path, source: filepath.Join(record.Path, path)})
			} else {
				plan = append(plan, action{path: path, delete: true})
			}
		case ResolutionTheirs:
			result.Skipped = append(result.Skipped, path)
		case ResolutionProvided:
			provided := filepath.Join(record.Path, resolvedDir, filepath.FromSlash(path))
			if ok, _ := afero.Exists(m.opts.Fs, provided); !ok {
				result.Conflicts = append(result.Conflicts, path)
				continue
			}
			plan = append(plan, action{path: path, source: provided})
		default:
			result.Conflicts = append(result.Conflicts, path)
		}
	}

	if len(result.Conflicts) > 0 {
		sort.Strings(result.Conflicts)
		return result, fmt.Errorf("%w: %s", ErrMergeConflict, strings.Join(result.Conflicts, ", "))
	}

	for _, act := range plan {
		target := filepath.Join(m.opts.TrunkDir, filepath.FromSlash(act.path))
		if act.delete {
			if err := m.opts.Fs.Remove(target); err != nil {
				return result, fmt.Errorf("remove %s from trunk: %w", act.path, err)
			}
		} else {
			data, err := afero.ReadFile(m.opts.Fs, act.source)
			if err != nil {
				return result, fmt.Errorf("read %s: %w", act.path, err)
			}
			if err := m.opts.Fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return result, err
			}
			if err := fs.WriteFileAtomicFs(m.opts.Fs, target, data); err != nil {
				return result, fmt.Errorf("apply %s to trunk: %w", act.path, err)
			}
		}
		result.Applied = append(result.Applied, act.path)
	}

	head, err := buildManifest(m.opts.Fs, m.opts.TrunkDir)
	if err != nil {
		return result, err
	}
	result.TrunkHead = head.Digest()
	return result, nil
}

// AcceptOurs resolves a conflicting path with the workspace content.
func (m *Manager) AcceptOurs(name, path string) error {
	return m.setResolution(name, path, ResolutionOurs)
}

// AcceptTheirs resolves a conflicting path by keeping the trunk content.
func (m *Manager) AcceptTheirs(name, path string) error {
	return m.setResolution(name, path, ResolutionTheirs)
}

// ProvideResolved resolves a conflicting path with caller-supplied content.
func (m *Manager) ProvideResolved(name, path string, content []byte) error {
	if err := m.setResolution(name, path, ResolutionProvided); err != nil {
		return err
	}
	record, err := m.Status(name)
	if err != nil {
		return err
	}
	target := filepath.Join(record.Path, resolvedDir, filepath.FromSlash(path))
	if err := m.opts.Fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return fs.WriteFileAtomicFs(m.opts.Fs, target, content)
}

func (m *Manager) setResolution(name, path string, resolution Resolution) error {
	if path == "" || strings.HasPrefix(path, reservedPrefix) {
		return fmt.Errorf("invalid conflict path %q", path)
	}
	return m.withIndex("workspace.resolve", func(idx *index) error {
		record := idx.find(name)
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		conflicting := false
		for _, p := range record.ConflictPaths {
			if p == path {
				conflicting = true
				break
			}
		}
		if !conflicting {
			return fmt.Errorf("path %s is not in conflict for %s", path, name)
		}
		if record.Resolutions == nil {
			record.Resolutions = map[string]Resolution{}
		}
		record.Resolutions[path] = resolution
		record.LastActivityAt = time.Now().UTC().Format(time.RFC3339Nano)
		return nil
	})
}
