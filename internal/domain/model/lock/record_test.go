package lock

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func alive(int) bool { return true }
func dead(int) bool { return false }

func TestNewResourceName(t *testing.T) {
	r, err := NewResourceName("state")
	require.NoError(t, err)
	require.Equal(t, "state", r.String())
	require.Equal(t, 0, r.Rank())

	_, err = NewResourceName("")
	require.Error(t, err)

	_, err = NewResourceName("a/b")
	require.Error(t, err)
}

func TestSortByPriority(t *testing.T) {
	resources := []string{"zebra", "trunk", "alpha", "state", "workspace-index"}
	SortByPriority(resources)
	require.Equal(t, []string{"state", "workspace-index", "trunk", "alpha", "zebra"}, resources)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("shared")
	require.NoError(t, err)
	require.Equal(t, ModeShared, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeExclusive, m)

	_, err = ParseMode("banana")
	require.Error(t, err)
}

func TestNewRecord(t *testing.T) {
	resource, err := NewResourceName("state")
	require.NoError(t, err)

	rec := NewRecord(resource, ModeExclusive, time.Minute, map[string]string{"op": "write"})
	require.Equal(t, "state", rec.Resource)
	require.Equal(t, os.Getpid(), rec.PID)
	require.NotEmpty(t, rec.Token)
	require.Equal(t, "write", rec.Metadata["op"])

	acquired, err := time.Parse(time.RFC3339Nano, rec.AcquiredAt)
	require.NoError(t, err)
	expires, err := time.Parse(time.RFC3339Nano, rec.ExpiresAt)
	require.NoError(t, err)
	require.Equal(t, time.Minute, expires.Sub(acquired))
}

func TestRecordStaleness(t *testing.T) {
	resource, _ := NewResourceName("state")

	fresh := NewRecord(resource, ModeExclusive, time.Hour, nil)
	require.False(t, fresh.IsStale(time.Hour, alive))

	// Dead holder is always reclaimable.
	require.True(t, fresh.IsStale(time.Hour, dead))

	// Expired TTL is reclaimable even with a live holder.
	expired := NewRecord(resource, ModeExclusive, -time.Second, nil)
	require.True(t, expired.IsStale(time.Hour, alive))

	// Age beyond threshold is reclaimable.
	old := NewRecord(resource, ModeExclusive, time.Hour, nil)
	old.AcquiredAt = time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339Nano)
	require.True(t, old.IsStale(time.Hour, alive))

	// Unparsable timestamp counts as stale.
	broken := NewRecord(resource, ModeExclusive, time.Hour, nil)
	broken.AcquiredAt = "garbage"
	require.True(t, broken.IsStale(time.Hour, alive))
}
