package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
	"github.com/pipeguard/pipeguard/internal/lock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	home := t.TempDir()
	locks := lock.NewManager(filepath.Join(home, "locks"), 10*time.Minute, 5*time.Millisecond)
	return NewStore(Options{
		Path:        filepath.Join(home, "state.json"),
		BackupDir:   filepath.Join(home, "backups"),
		Locks:       locks,
		LockTimeout: 2 * time.Second,
		BackupKeep:  5,
	})
}

func TestInitIdempotent(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Init()
	require.NoError(t, err)
	require.Equal(t, PhaseBootstrap, doc.Phase)
	require.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)

	// Mutate, then Init again: existing document must be preserved.
	_, err = s.Write(func(d *Document) error {
		d.Phase = PhasePlan
		return nil
	}, "advance")
	require.NoError(t, err)

	doc, err = s.Init()
	require.NoError(t, err)
	require.Equal(t, PhasePlan, doc.Phase)
}

func TestWriteCommitsAndJournalsPhase(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	doc, err := s.Write(func(d *Document) error {
		d.Phase = PhaseImplement
		d.MarkCompleted("task-1")
		d.EmitSignal("phase.advanced")
		return nil
	}, "implement")
	require.NoError(t, err)
	require.Equal(t, PhaseImplement, doc.Phase)
	require.Equal(t, []string{"task-1"}, doc.CompletedUnits)
	require.Contains(t, doc.Signals, "phase.advanced")

	reread, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, doc.Phase, reread.Phase)
	require.NotEmpty(t, reread.Meta.UpdatedAt)
}

func TestWriteRejectsInvalidPhase(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	_, err = s.Write(func(d *Document) error {
		d.Phase = "warp-speed"
		return nil
	}, "bad")
	require.ErrorIs(t, err, ErrValidation)

	// Prior document unchanged.
	doc, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, PhaseBootstrap, doc.Phase)
}

func TestWriteRejectsSchemaVersionDecrease(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	_, err = s.Write(func(d *Document) error {
		d.SchemaVersion = 0
		return nil
	}, "downgrade")
	require.ErrorIs(t, err, ErrValidation)
}

func TestWriteRejectsDuplicateCompletedUnits(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	_, err = s.Write(func(d *Document) error {
		d.CompletedUnits = []string{"a", "a"}
		return nil
	}, "dupes")
	require.ErrorIs(t, err, ErrValidation)
}

func TestConcurrentWritesLinearize(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Write(func(d *Document) error {
				d.EmitSignal("writer")
				d.MarkCompleted(string(rune('a' + n)))
				return nil
			}, "concurrent")
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	doc, err := s.Read()
	require.NoError(t, err)
	// No lost updates: every writer's unit landed.
	require.Len(t, doc.CompletedUnits, writers)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	_, err = s.Write(func(d *Document) error {
		d.Phase = PhaseVerify
		d.MarkCompleted("unit-1")
		return nil
	}, "setup")
	require.NoError(t, err)

	id, err := s.Backup("before-risky")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.Write(func(d *Document) error {
		d.Phase = PhaseMerge
		return nil
	}, "risky")
	require.NoError(t, err)

	restored, err := s.Restore(id)
	require.NoError(t, err)
	require.Equal(t, PhaseVerify, restored.Phase)
	require.Equal(t, []string{"unit-1"}, restored.CompletedUnits)

	doc, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, PhaseVerify, doc.Phase)
}

func TestRestoreByLabelAndLatest(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	_, err = s.Backup("alpha")
	require.NoError(t, err)

	_, err = s.Write(func(d *Document) error {
		d.Phase = PhasePlan
		return nil
	}, "advance")
	require.NoError(t, err)

	// Restore by label slug.
	doc, err := s.Restore("alpha")
	require.NoError(t, err)
	require.Equal(t, PhaseBootstrap, doc.Phase)

	_, err = s.Restore("no-such-backup")
	require.ErrorIs(t, err, ErrBackupNotFound)
}

func TestCorruptionRecoveryFromBackup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	_, err = s.Write(func(d *Document) error {
		d.Phase = PhaseImplement
		return nil
	}, "good")
	require.NoError(t, err)

	// The pre-write backup of the implement write holds the bootstrap doc;
	// take an explicit backup of the implement state too.
	_, err = s.Backup("good")
	require.NoError(t, err)

	// Corrupt the canonical file.
	require.NoError(t, os.WriteFile(s.opts.Path, []byte("{truncated"), 0o644))

	doc, err := s.Read()
	require.ErrorIs(t, err, ErrCorruptionRecovered)
	require.NotNil(t, doc)
	require.Equal(t, PhaseImplement, doc.Phase)

	// Canonical file was repaired: subsequent reads are clean.
	doc, err = s.Read()
	require.NoError(t, err)
	require.Equal(t, PhaseImplement, doc.Phase)
}

func TestCorruptionRecoveryWaitsForStateLock(t *testing.T) {
	home := t.TempDir()
	locks := lock.NewManager(filepath.Join(home, "locks"), 10*time.Minute, 5*time.Millisecond)
	s := NewStore(Options{
		Path:        filepath.Join(home, "state.json"),
		BackupDir:   filepath.Join(home, "backups"),
		Locks:       locks,
		LockTimeout: 200 * time.Millisecond,
		BackupKeep:  5,
	})

	_, err := s.Init()
	require.NoError(t, err)
	_, err = s.Write(func(d *Document) error {
		d.Phase = PhasePlan
		return nil
	}, "advance")
	require.NoError(t, err)
	_, err = s.Backup("post-advance")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.opts.Path, []byte("{truncated"), 0o644))

	// While another holder owns the state lock, Read must not rewrite the
	// canonical file behind its back.
	lease, err := locks.Acquire(model.ResourceState, model.ModeExclusive, time.Second, nil)
	require.NoError(t, err)

	_, err = s.Read()
	require.ErrorIs(t, err, lock.ErrLockTimeout)

	data, err := os.ReadFile(s.opts.Path)
	require.NoError(t, err)
	require.Equal(t, "{truncated", string(data))

	// Once the lock is free, recovery proceeds as usual.
	require.NoError(t, lease.Release())
	doc, err := s.Read()
	require.ErrorIs(t, err, ErrCorruptionRecovered)
	require.Equal(t, PhasePlan, doc.Phase)
}

func TestCorruptionWithoutBackupReinitializes(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.opts.Path, []byte("garbage"), 0o644))

	doc, err := s.Read()
	require.ErrorIs(t, err, ErrCorruptionRecovered)
	require.Equal(t, PhaseBootstrap, doc.Phase)
}

func TestBackupRotationKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		_, err := s.Backup("spin")
		require.NoError(t, err)
	}

	backups := s.ListBackups()
	require.Len(t, backups, 5)
}

func TestValidateOnDisk(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	require.NoError(t, os.WriteFile(s.opts.Path, []byte(`{"schema_version":1,"phase":"bogus"}`), 0o644))
	require.ErrorIs(t, s.Validate(), ErrValidation)
}

func TestCrashMidWriteLeavesOldDocument(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Init()
	require.NoError(t, err)

	// Simulate a crash mid-write: a leftover temp file next to the document.
	tmp := s.opts.Path + ".crashed"
	require.NoError(t, os.WriteFile(tmp, []byte("{partial"), 0o644))

	doc, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, PhaseBootstrap, doc.Phase)
}
