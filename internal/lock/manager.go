package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
)

// guardTTL bounds how long the per-resource guard file may exist before any
// caller may break it. The guard is only held across a grant decision.
const guardTTL = 3 * time.Second

// maxRetryDelay caps the exponential backoff between acquire attempts.
const maxRetryDelay = time.Second

// Manager grants named, advisory, exclusive-or-shared leases backed by lock
// entry files under a single lock directory. An exclusive lease is one
// <resource>.lock file; shared leases are per-holder entry files under
// <resource>.shared.d/. Entries are created with O_EXCL and never mutated in
// place.
type Manager struct {
	dir       string
	staleness time.Duration
	baseDelay time.Duration
	audit     Auditor

	// alive is a test hook; defaults to probing the holder PID.
	alive func(pid int) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditor attaches an audit sink recording every acquire/release outcome.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

// WithAliveFunc overrides holder liveness detection (tests only).
func WithAliveFunc(fn func(pid int) bool) Option {
	return func(m *Manager) { m.alive = fn }
}

// NewManager creates a Manager rooted at dir. staleness is the age beyond
// which a lease is reclaimable; baseDelay seeds the acquire backoff.
func NewManager(dir string, staleness, baseDelay time.Duration, opts ...Option) *Manager {
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	m := &Manager{
		dir:       dir,
		staleness: staleness,
		baseDelay: baseDelay,
		alive:     isProcessRunning,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	manager    *Manager
	record     model.Record
	path       string
	acquiredAt time.Time
	released   bool
}

// Record returns the persisted lease record.
func (l *Lease) Record() model.Record { return l.record }

// Release removes this holder's entry. Returns ErrNotHeld when the entry is
// already gone (released twice, or reclaimed by another process).
func (l *Lease) Release() error {
	if l.released {
		return ErrNotHeld
	}
	l.released = true

	err := os.Remove(l.path)
	outcome := "released"
	if os.IsNotExist(err) {
		err = ErrNotHeld
		outcome = "release-not-held"
	}
	l.manager.record(l.record.Resource, l.record.Mode, outcome, time.Since(l.acquiredAt))
	return err
}

func (m *Manager) exclusivePath(resource string) string {
	return filepath.Join(m.dir, resource+".lock")
}

func (m *Manager) sharedDir(resource string) string {
	return filepath.Join(m.dir, resource+".shared.d")
}

func (m *Manager) guardPath(resource string) string {
	return filepath.Join(m.dir, "."+resource+".guard")
}

// Acquire obtains a lease on resource in the given mode, retrying with
// exponential backoff until timeout. Stale leases found during the loop are
// reclaimed and the loop retries immediately. On timeout no residual state is
// left behind.
//
// timeout bounds only how long this call waits; the granted lease stays valid
// until released or until the staleness threshold elapses.
func (m *Manager) Acquire(resource string, mode model.Mode, timeout time.Duration, metadata map[string]string) (*Lease, error) {
	name, err := model.NewResourceName(resource)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	delay := m.baseDelay

	for {
		lease, err := m.tryAcquire(name, mode, metadata)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			lease.acquiredAt = time.Now()
			m.record(resource, mode, "acquired", time.Since(start))
			return lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.record(resource, mode, "timeout", time.Since(start))
			return nil, fmt.Errorf("acquire %s (%s) after %s: %w", resource, mode, timeout, ErrLockTimeout)
		}
		if delay > remaining {
			delay = remaining
		}
		time.Sleep(delay)
		if delay < maxRetryDelay {
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}
}

// tryAcquire makes one grant attempt under the per-resource guard.
// Returns a nil lease (no error) on contention. The record TTL is the
// staleness threshold: a live holder keeps its lease until then no matter how
// short its acquire wait was.
func (m *Manager) tryAcquire(name model.ResourceName, mode model.Mode, metadata map[string]string) (*Lease, error) {
	resource := name.String()
	releaseGuard, err := m.acquireGuard(resource)
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	// Reclaim anything stale first so a dead holder never blocks progress.
	if _, err := m.reclaimStale(resource, m.staleness); err != nil {
		return nil, err
	}

	exclusiveHeld := m.liveExclusive(resource) != nil
	sharedHolders, err := m.liveShared(resource)
	if err != nil {
		return nil, err
	}

	switch mode {
	case model.ModeExclusive:
		if exclusiveHeld || len(sharedHolders) > 0 {
			return nil, nil
		}
		record := model.NewRecord(name, mode, m.staleness, metadata)
		path := m.exclusivePath(resource)
		if err := writeRecordExclusive(path, record); err != nil {
			if os.IsExist(err) {
				return nil, nil
			}
			return nil, err
		}
		return &Lease{manager: m, record: record, path: path}, nil

	case model.ModeShared:
		if exclusiveHeld {
			return nil, nil
		}
		record := model.NewRecord(name, mode, m.staleness, metadata)
		dir := m.sharedDir(resource)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create shared lock dir: %w", err)
		}
		path := filepath.Join(dir, record.Token+".json")
		if err := writeRecordExclusive(path, record); err != nil {
			return nil, err
		}
		return &Lease{manager: m, record: record, path: path}, nil

	default:
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}
}

// acquireGuard takes the short-lived per-resource mutex that serializes grant
// decisions between processes. A guard older than guardTTL or owned by a dead
// process is broken.
func (m *Manager) acquireGuard(resource string) (func(), error) {
	path := m.guardPath(resource)
	deadline := time.Now().Add(guardTTL * 2)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create guard %s: %w", path, err)
		}

		if info, statErr := os.Stat(path); statErr == nil {
			stale := time.Since(info.ModTime()) > guardTTL
			if !stale {
				if data, readErr := os.ReadFile(path); readErr == nil {
					var pid int
					if _, scanErr := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); scanErr == nil {
						stale = !m.alive(pid)
					}
				}
			}
			if stale {
				os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("guard for %s held too long: %w", resource, ErrLockTimeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// liveExclusive returns the live exclusive record, or nil.
func (m *Manager) liveExclusive(resource string) *model.Record {
	record, err := readRecord(m.exclusivePath(resource))
	if err != nil {
		return nil
	}
	return record
}

// liveShared returns the live shared records for resource.
func (m *Manager) liveShared(resource string) ([]model.Record, error) {
	entries, err := os.ReadDir(m.sharedDir(resource))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []model.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := readRecord(filepath.Join(m.sharedDir(resource), entry.Name()))
		if err != nil {
			continue
		}
		records = append(records, *record)
	}
	return records, nil
}

// reclaimStale removes stale entries for one resource and returns the count.
func (m *Manager) reclaimStale(resource string, threshold time.Duration) (int, error) {
	reclaimed := 0

	exclusivePath := m.exclusivePath(resource)
	if record, err := readRecord(exclusivePath); err == nil {
		if record.IsStale(threshold, m.alive) {
			if err := os.Remove(exclusivePath); err == nil {
				reclaimed++
				m.record(resource, record.Mode, "reclaimed", record.Age())
			}
		}
	} else if err != errRecordNotFound {
		// Unreadable lock entry: treat as corrupt and reclaim.
		if removeErr := os.Remove(exclusivePath); removeErr == nil {
			reclaimed++
			m.record(resource, model.ModeExclusive, "reclaimed", 0)
		}
	}

	entries, err := os.ReadDir(m.sharedDir(resource))
	if err != nil {
		if os.IsNotExist(err) {
			return reclaimed, nil
		}
		return reclaimed, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.sharedDir(resource), entry.Name())
		record, err := readRecord(path)
		if err != nil || record.IsStale(threshold, m.alive) {
			if removeErr := os.Remove(path); removeErr == nil {
				reclaimed++
				m.record(resource, model.ModeShared, "reclaimed", 0)
			}
		}
	}
	return reclaimed, nil
}

// Status describes the current holders of one resource.
type Status struct {
	Resource      string     `json:"resource"`
	Free          bool       `json:"free"`
	Mode          model.Mode `json:"mode,omitempty"`
	HolderPID     int        `json:"holder_pid,omitempty"`
	Hostname      string     `json:"hostname,omitempty"`
	AgeSeconds    float64    `json:"age_seconds,omitempty"`
	SharedHolders int        `json:"shared_holders,omitempty"`
}

// Check inspects a resource without acquiring it.
func (m *Manager) Check(resource string) (Status, error) {
	name, err := model.NewResourceName(resource)
	if err != nil {
		return Status{}, err
	}
	status := Status{Resource: name.String(), Free: true}

	if record := m.liveExclusive(name.String()); record != nil {
		status.Free = false
		status.Mode = model.ModeExclusive
		status.HolderPID = record.PID
		status.Hostname = record.Hostname
		status.AgeSeconds = record.Age().Seconds()
		return status, nil
	}

	shared, err := m.liveShared(name.String())
	if err != nil {
		return Status{}, err
	}
	if len(shared) > 0 {
		status.Free = false
		status.Mode = model.ModeShared
		status.HolderPID = shared[0].PID
		status.Hostname = shared[0].Hostname
		status.AgeSeconds = shared[0].Age().Seconds()
		status.SharedHolders = len(shared)
	}
	return status, nil
}

// List returns the status of every resource with at least one entry on disk.
func (m *Manager) List() ([]Status, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := map[string]bool{}
	var statuses []Status
	for _, entry := range entries {
		name := entry.Name()
		var resource string
		switch {
		case strings.HasSuffix(name, ".lock"):
			resource = strings.TrimSuffix(name, ".lock")
		case strings.HasSuffix(name, ".shared.d"):
			resource = strings.TrimSuffix(name, ".shared.d")
		default:
			continue
		}
		if seen[resource] {
			continue
		}
		seen[resource] = true
		status, err := m.Check(resource)
		if err != nil {
			continue
		}
		if !status.Free {
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

// Cleanup reclaims every stale lease under the lock directory and returns the
// count. A zero maxAge falls back to the configured staleness threshold.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = m.staleness
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	total := 0
	seen := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		var resource string
		switch {
		case strings.HasSuffix(name, ".lock"):
			resource = strings.TrimSuffix(name, ".lock")
		case strings.HasSuffix(name, ".shared.d"):
			resource = strings.TrimSuffix(name, ".shared.d")
		default:
			continue
		}
		if seen[resource] {
			continue
		}
		seen[resource] = true
		count, err := m.reclaimStale(resource, maxAge)
		if err != nil {
			return total, err
		}
		total += count
	}
	return total, nil
}

// ReleaseResource removes every entry for resource regardless of holder. This
// is the operator-facing escape hatch behind the release command; in-process
// holders use Lease.Release.
func (m *Manager) ReleaseResource(resource string) (int, error) {
	name, err := model.NewResourceName(resource)
	if err != nil {
		return 0, err
	}
	releaseGuard, err := m.acquireGuard(name.String())
	if err != nil {
		return 0, err
	}
	defer releaseGuard()

	removed := 0
	if err := os.Remove(m.exclusivePath(name.String())); err == nil {
		removed++
	}
	entries, err := os.ReadDir(m.sharedDir(name.String()))
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			if err := os.Remove(filepath.Join(m.sharedDir(name.String()), entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed == 0 {
		return 0, fmt.Errorf("release %s: %w", resource, ErrNotHeld)
	}
	m.record(name.String(), "", "force-released", 0)
	return removed, nil
}

func (m *Manager) record(resource string, mode model.Mode, outcome string, elapsed time.Duration) {
	if m.audit == nil {
		return
	}
	hostname, _ := os.Hostname()
	m.audit.Record(AuditEvent{
		TS:         time.Now().UTC().Format(time.RFC3339Nano),
		Resource:   resource,
		Mode:       string(mode),
		PID:        os.Getpid(),
		Hostname:   hostname,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
	})
}

var errRecordNotFound = fmt.Errorf("lock record not found")

func readRecord(path string) (*model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errRecordNotFound
		}
		return nil, err
	}
	var record model.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse lock record %s: %w", path, err)
	}
	return &record, nil
}

// writeRecordExclusive creates path with O_EXCL so an existing entry is never
// overwritten (create-if-absent semantics).
func writeRecordExclusive(path string, record model.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(path)
		return fmt.Errorf("write lock record: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(path)
		return fmt.Errorf("close lock record: %w", closeErr)
	}
	return nil
}
