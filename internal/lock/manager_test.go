package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 10*time.Minute, 5*time.Millisecond, opts...)
}

func TestAcquireReleaseExclusive(t *testing.T) {
	m := newTestManager(t)

	lease, err := m.Acquire("state", model.ModeExclusive, time.Second, map[string]string{"op": "write"})
	require.NoError(t, err)

	status, err := m.Check("state")
	require.NoError(t, err)
	require.False(t, status.Free)
	require.Equal(t, model.ModeExclusive, status.Mode)
	require.Equal(t, os.Getpid(), status.HolderPID)

	require.NoError(t, lease.Release())

	status, err = m.Check("state")
	require.NoError(t, err)
	require.True(t, status.Free)

	// Second release reports not held.
	require.ErrorIs(t, lease.Release(), ErrNotHeld)
}

func TestExclusiveContentionTimesOut(t *testing.T) {
	m := newTestManager(t)

	lease, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = m.Acquire("state", model.ModeExclusive, 150*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// The failed acquire left no residual entry: the holder still owns it.
	status, err := m.Check("state")
	require.NoError(t, err)
	require.False(t, status.Free)
	require.Equal(t, os.Getpid(), status.HolderPID)
}

func TestLiveHolderOutlivesItsAcquireTimeout(t *testing.T) {
	m := newTestManager(t)

	// A short acquire wait must not shorten the lease itself.
	first, err := m.Acquire("state", model.ModeExclusive, 100*time.Millisecond, nil)
	require.NoError(t, err)
	defer first.Release()

	time.Sleep(150 * time.Millisecond)

	_, err = m.Acquire("state", model.ModeExclusive, 100*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrLockTimeout)

	status, err := m.Check("state")
	require.NoError(t, err)
	require.False(t, status.Free)
	require.Equal(t, os.Getpid(), status.HolderPID)
}

func TestAcquireAfterRelease(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		lease, err := m.Acquire("state", model.ModeExclusive, 2*time.Second, nil)
		if err == nil {
			err = lease.Release()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.Release())
	require.NoError(t, <-done)
}

func TestSharedLocksCoexist(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Acquire("index", model.ModeShared, time.Second, nil)
	require.NoError(t, err)
	b, err := m.Acquire("index", model.ModeShared, time.Second, nil)
	require.NoError(t, err)

	status, err := m.Check("index")
	require.NoError(t, err)
	require.False(t, status.Free)
	require.Equal(t, model.ModeShared, status.Mode)
	require.Equal(t, 2, status.SharedHolders)

	// Exclusive waits for all shared holders.
	_, err = m.Acquire("index", model.ModeExclusive, 100*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, a.Release())
	_, err = m.Acquire("index", model.ModeExclusive, 100*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, b.Release())
	excl, err := m.Acquire("index", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, excl.Release())
}

func TestSharedBlockedByExclusive(t *testing.T) {
	m := newTestManager(t)

	excl, err := m.Acquire("index", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	defer excl.Release()

	_, err = m.Acquire("index", model.ModeShared, 100*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestStaleLockReclaimedByAcquire(t *testing.T) {
	dir := t.TempDir()
	// Every holder is considered dead.
	m := NewManager(dir, 10*time.Minute, 5*time.Millisecond, WithAliveFunc(func(int) bool { return false }))

	// Plant a lock entry from a "dead" process.
	record := model.NewRecord(mustResource(t, "state"), model.ModeExclusive, time.Hour, nil)
	record.PID = 999999
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.lock"), data, 0o644))

	lease, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestCleanupReclaimsStale(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, time.Minute, 5*time.Millisecond, WithAliveFunc(func(int) bool { return false }))

	for _, resource := range []string{"state", "trunk"} {
		record := model.NewRecord(mustResource(t, resource), model.ModeExclusive, time.Hour, nil)
		data, err := json.Marshal(record)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, resource+".lock"), data, 0o644))
	}

	count, err := m.Cleanup(0)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	status, err := m.Check("state")
	require.NoError(t, err)
	require.True(t, status.Free)
}

func TestCleanupKeepsLiveLocks(t *testing.T) {
	m := newTestManager(t)

	lease, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	defer lease.Release()

	count, err := m.Cleanup(0)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestCorruptLockEntryReclaimed(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 10*time.Minute, 5*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.lock"), []byte("not json"), 0o644))

	lease, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestConcurrentExclusiveAcquires(t *testing.T) {
	m := newTestManager(t)

	var held int32
	var violations int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire("state", model.ModeExclusive, 5*time.Second, nil)
			if err != nil {
				atomic.AddInt32(&violations, 1)
				return
			}
			if atomic.AddInt32(&held, 1) != 1 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&held, -1)
			if err := lease.Release(); err != nil {
				atomic.AddInt32(&violations, 1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, atomic.LoadInt32(&violations))
}

func TestInvalidResourceName(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Acquire("", model.ModeExclusive, time.Second, nil)
	require.Error(t, err)
	_, err = m.Acquire("a/b", model.ModeExclusive, time.Second, nil)
	require.Error(t, err)
}

func TestAuditTrail(t *testing.T) {
	dir := t.TempDir()
	audit, err := OpenAudit(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer audit.Close()

	m := NewManager(dir, 10*time.Minute, 5*time.Millisecond, WithAuditor(audit))

	lease, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, lease.Release())

	_, err = m.Acquire("missing-release", model.ModeShared, time.Second, nil)
	require.NoError(t, err)

	events, err := audit.Recent(10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 3)

	outcomes := map[string]bool{}
	for _, ev := range events {
		outcomes[ev.Outcome] = true
	}
	require.True(t, outcomes["acquired"])
	require.True(t, outcomes["released"])
}

func mustResource(t *testing.T, name string) model.ResourceName {
	t.Helper()
	r, err := model.NewResourceName(name)
	require.NoError(t, err)
	return r
}

func TestListHeldResources(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	defer a.Release()
	b, err := m.Acquire("trunk", model.ModeShared, time.Second, nil)
	require.NoError(t, err)
	defer b.Release()

	statuses, err := m.List()
	require.NoError(t, err)
	require.Len(t, statuses, 2)
}

func TestTimeoutErrorIsDistinct(t *testing.T) {
	m := newTestManager(t)
	lease, err := m.Acquire("state", model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)
	defer lease.Release()

	_, err = m.Acquire("state", model.ModeExclusive, 50*time.Millisecond, nil)
	require.True(t, errors.Is(err, ErrLockTimeout))
}
