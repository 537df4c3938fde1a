package workspace

import (
	"os"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// RepairReport describes what a reconciliation pass changed.
type RepairReport struct {
	RemovedRecords []string `json:"removed_records,omitempty"` // records whose tree vanished
	ResetToActive  []string `json:"reset_to_active,omitempty"` // interrupted merges rolled back
	MarkedFailed   []string `json:"marked_failed,omitempty"`   // interrupted merges partially applied
	Orphans        []string `json:"orphans,omitempty"`         // trees on disk with no record
}

// Empty reports whether the pass found nothing to fix.
func (r *RepairReport) Empty() bool {
	return len(r.RemovedRecords) == 0 && len(r.ResetToActive) == 0 &&
		len(r.MarkedFailed) == 0 && len(r.Orphans) == 0
}

// Repair reconciles the index with the filesystem. Records whose tree is gone
// are dropped (archived records are kept for audit). Workspaces stuck in
// validating are inspected: if none of their changes reached the trunk the
// merge is rolled back to active, otherwise the record is marked failed and
// left for a human. Orphan trees are reported, never deleted.
func (m *Manager) Repair() (*RepairReport, error) {
	report := &RepairReport{}
	err := m.withIndex("workspace.repair", func(idx *index) error {
		kept := idx.Workspaces[:0]
		known := make(map[string]bool, len(idx.Workspaces))
		for _, record := range idx.Workspaces {
			known[record.Name] = true

			exists, err := afero.DirExists(m.opts.Fs, record.Path)
			if err != nil {
				return err
			}
			if !exists && record.Status != StatusArchived {
				report.RemovedRecords = append(report.RemovedRecords, record.Name)
				continue
			}
			kept = append(kept, record)

			if record.Status != StatusValidating {
				continue
			}
			partial, err := m.mergePartiallyApplied(record)
			if err != nil {
				return err
			}
			record.LastActivityAt = time.Now().UTC().Format(time.RFC3339Nano)
			if partial {
				record.Status = StatusFailed
				record.MergeStatus = MergeAborted
				report.MarkedFailed = append(report.MarkedFailed, record.Name)
			} else {
				record.Status = StatusActive
				record.MergeStatus = MergePending
				report.ResetToActive = append(report.ResetToActive, record.Name)
			}
		}
		idx.Workspaces = kept

		entries, err := afero.ReadDir(m.opts.Fs, m.opts.WorkspacesDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() && !known[entry.Name()] {
				report.Orphans = append(report.Orphans, entry.Name())
			}
		}
		sort.Strings(report.Orphans)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.journal("workspace.repair", "", map[string]string{
		"removed": joinOrDash(report.RemovedRecords),
		"reset":   joinOrDash(report.ResetToActive),
		"failed":  joinOrDash(report.MarkedFailed),
		"orphans": joinOrDash(report.Orphans),
	})
	return report, nil
}

// mergePartiallyApplied reports whether any of the workspace's changed paths
// already landed in the trunk with the workspace's content while others did
// not, which means an interrupted apply loop.
func (m *Manager) mergePartiallyApplied(record *Record) (bool, error) {
	if len(record.ChangedPaths) == 0 {
		return false, nil
	}
	base, err := m.readBaseManifest(record.Path)
	if err != nil {
		return false, err
	}
	wsManifest, err := buildManifest(m.opts.Fs, record.Path)
	if err != nil {
		return false, err
	}
	trunkManifest, err := buildManifest(m.opts.Fs, m.opts.TrunkDir)
	if err != nil {
		return false, err
	}

	applied, pending := 0, 0
	for _, path := range record.ChangedPaths {
		wsSum, inWs := wsManifest[path]
		trunkSum, inTrunk := trunkManifest[path]
		baseSum, inBase := base.Manifest[path]

		switch {
		case inWs && inTrunk && wsSum == trunkSum:
			applied++
		case !inWs && !inTrunk && inBase:
			applied++
		case inTrunk == inBase && (!inTrunk || trunkSum == baseSum):
			pending++
		}
	}
	return applied > 0 && pending > 0, nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, s := range items[1:] {
		out += "," + s
	}
	return out
}

// TrunkDigest returns the current trunk manifest digest, used as the base
// point when creating pinned workspaces.
func (m *Manager) TrunkDigest() (string, error) {
	manifest, err := buildManifest(m.opts.Fs, m.opts.TrunkDir)
	if err != nil {
		return "", err
	}
	return manifest.Digest(), nil
}
