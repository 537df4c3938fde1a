package recovery

import (
	"crypto/rand"
	"encoding/json"
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
	"github.com/pipeguard/pipeguard/internal/infra/fs"
	"github.com/pipeguard/pipeguard/internal/state"
)

// ErrCheckpointNotFound is returned by Restore for an unknown checkpoint id.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// SnapshotKind distinguishes what a checkpoint captured.
type SnapshotKind string

const (
	SnapshotFullState   SnapshotKind = "full-state"
	SnapshotPayloadOnly SnapshotKind = "payload-only"
)

// Checkpoint is an immutable named snapshot taken before a risky operation.
// Restore does not consume it; a checkpoint can be restored repeatedly until
// retention garbage-collects it.
type Checkpoint struct {
	ID            string          `json:"id"` // <name>-<ulid>
	Name          string          `json:"name"`
	Phase         string          `json:"phase"`
	Kind          SnapshotKind    `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	StateSnapshot *state.Document `json:"state_snapshot,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

var (
	cpEntropyMu sync.Mutex
	cpEntropy   = ulid.Monotonic(rand.Reader, 0)
)

func newCheckpointULID() string {
	cpEntropyMu.Lock()
	defer cpEntropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), cpEntropy).String()
}

// Manager snapshots and restores named contexts and drives retry/degraded
// transitions for failed operations.
type Manager struct {
	dir     string
	store   *state.Store
	keep    int
	maxAge  time.Duration
	journal *app.JournalWriter
}

// NewManager creates a checkpoint manager. store is required; journal optional.
func NewManager(dir string, store *state.Store, keep int, maxAge time.Duration, journal *app.JournalWriter) *Manager {
	if keep <= 0 {
		keep = 20
	}
	return &Manager{dir: dir, store: store, keep: keep, maxAge: maxAge, journal: journal}
}

// Checkpoint snapshots the current state document plus caller context under a
// unique id. A nil payload with an empty phase still captures the full state.
func (m *Manager) Checkpoint(name, phase string, payload json.RawMessage) (string, error) {
	if name == "" {
		return "", fmt.Errorf("checkpoint name is required")
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("checkpoint name %q must not contain path separators", name)
	}

	doc, err := m.store.Read()
	if err != nil && !errors.Is(err, state.ErrCorruptionRecovered) {
		return "", fmt.Errorf("snapshot state: %w", err)
	}

	cp := Checkpoint{
		ID:            name + "-" + newCheckpointULID(),
		Name:          name,
		Phase:         phase,
		Kind:          SnapshotFullState,
		Payload:       payload,
		StateSnapshot: doc,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if doc == nil {
		cp.Kind = SnapshotPayloadOnly
	}

	path := filepath.Join(m.dir, cp.ID+".json")
	if err := fs.AtomicWriteJSON(path, cp); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}
	m.prune()
	m.log("recovery.checkpoint", cp.ID, map[string]string{"phase": phase})
	return cp.ID, nil
}

// Restore applies the checkpoint's state snapshot (when it has one) through
// the state store's atomic commit path. The checkpoint itself is retained.
func (m *Manager) Restore(id string) (*Checkpoint, error) {
	cp, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if cp.Kind == SnapshotFullState && cp.StateSnapshot != nil {
		if err := m.store.CommitSnapshot(cp.StateSnapshot, "checkpoint-"+cp.Name); err != nil {
			return nil, fmt.Errorf("restore checkpoint %s: %w", id, err)
		}
	}
	m.log("recovery.restore", id, nil)
	return cp, nil
}

// Latest returns the newest checkpoint for an operation name, or
// ErrCheckpointNotFound.
func (m *Manager) Latest(name string) (*Checkpoint, error) {
	for _, id := range m.ids() {
		if strings.HasPrefix(id, name+"-") {
			return m.load(id)
		}
	}
	return nil, fmt.Errorf("%w: no checkpoint named %q", ErrCheckpointNotFound, name)
}

// List returns all checkpoints, newest first.
func (m *Manager) List() ([]Checkpoint, error) {
	var out []Checkpoint
	for _, id := range m.ids() {
		cp, err := m.load(id)
		if err != nil {
			app.GetLogger().Warn("skipping unreadable checkpoint %s: %v", id, err)
			continue
		}
		out = append(out, *cp)
	}
	return out, nil
}

func (m *Manager) load(id string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// ids lists checkpoint ids newest first. The trailing ULID makes the filename
// sortable by creation time for ids sharing a name; across names the created
// timestamp embedded in the ULID still dominates per-name ordering, which is
// all Latest needs.
func (m *Manager) ids() []string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Slice(ids, func(i, j int) bool {
		return ulidSuffix(ids[i]) > ulidSuffix(ids[j])
	})
	return ids
}

func ulidSuffix(id string) string {
	if idx := strings.LastIndex(id, "-"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// prune enforces retention: keep the newest N, drop anything older than maxAge.
func (m *Manager) prune() {
	ids := m.ids()
	for i, id := range ids {
		remove := i >= m.keep
		if !remove && m.maxAge > 0 {
			if cp, err := m.load(id); err == nil && cp.CreatedAt != "" {
				if created, err := time.Parse(time.RFC3339Nano, cp.CreatedAt); err == nil {
					remove = time.Since(created) > m.maxAge
				}
			}
		}
		if remove {
			if err := os.Remove(filepath.Join(m.dir, id+".json")); err != nil {
				app.GetLogger().Warn("failed to prune checkpoint %s: %v", id, err)
			}
		}
	}
}

func (m *Manager) log(kind, label string, detail map[string]string) {
	if m.journal == nil {
		return
	}
	m.journal.Append(app.JournalEntry{Kind: kind, Actor: os.Getpid(), Label: label, Detail: detail})
}
