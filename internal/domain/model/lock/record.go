package lock

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes exclusive from shared leases.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeExclusive, ModeShared:
		return Mode(s), nil
	case "":
		return ModeExclusive, nil
	default:
		return "", fmt.Errorf("unknown lock mode %q (expected exclusive or shared)", s)
	}
}

// Record is the persisted form of one lease. It is written as the content of
// a lock entry file and is never mutated in place; reacquire is delete+create.
type Record struct {
	Resource   string            `json:"resource"`
	Mode       Mode              `json:"mode"`
	PID        int               `json:"pid"`
	Hostname   string            `json:"hostname"`
	Token      string            `json:"token"`       // unique per holder, names shared entries
	AcquiredAt string            `json:"acquired_at"` // UTC RFC3339Nano
	ExpiresAt  string            `json:"expires_at"`  // UTC RFC3339Nano
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewRecord creates a lease record for the current process.
func NewRecord(resource ResourceName, mode Mode, ttl time.Duration, metadata map[string]string) Record {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	now := time.Now().UTC()
	return Record{
		Resource:   resource.String(),
		Mode:       mode,
		PID:        os.Getpid(),
		Hostname:   hostname,
		Token:      uuid.NewString(),
		AcquiredAt: now.Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339Nano),
		Metadata:   metadata,
	}
}

// Age returns how long ago the lease was acquired. A record whose timestamp
// cannot be parsed reports an age beyond any staleness threshold.
func (r Record) Age() time.Duration {
	acquired, err := time.Parse(time.RFC3339Nano, r.AcquiredAt)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(acquired)
}

// IsStale reports whether the lease may be reclaimed by another caller:
// its holder process is gone, its TTL elapsed, or its age exceeds threshold.
func (r Record) IsStale(threshold time.Duration, processAlive func(pid int) bool) bool {
	if !processAlive(r.PID) {
		return true
	}
	if expires, err := time.Parse(time.RFC3339Nano, r.ExpiresAt); err != nil || time.Now().UTC().After(expires) {
		return true
	}
	return r.Age() > threshold
}
