package app

import (
	"time"

	"github.com/pipeguard/pipeguard/internal/infra/fs"
)

// JournalEntry is one NDJSON line in var/journal.ndjson. Every state commit,
// lock audit event, merge, and recovery transition is recorded here so an
// operator can reconstruct what the pipeline did after the fact.
type JournalEntry struct {
	TS        string            `json:"ts"`
	Kind      string            `json:"kind"`  // state.write, lock.acquire, workspace.merge, ...
	Actor     int               `json:"actor"` // holder PID
	Label     string            `json:"label,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	ElapsedMs int64             `json:"elapsed_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// JournalWriter appends normalized entries to the journal file.
type JournalWriter struct {
	path string
}

// NewJournalWriter creates a JournalWriter for the given path.
func NewJournalWriter(path string) *JournalWriter {
	return &JournalWriter{path: path}
}

// Append writes one entry. Missing timestamps are filled with now (UTC).
// A journal failure is reported to the logger but never fails the caller's
// operation; the journal is an audit aid, not part of the commit path.
func (w *JournalWriter) Append(entry JournalEntry) {
	if entry.TS == "" {
		entry.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Kind == "" {
		entry.Kind = "unknown"
	}
	if err := fs.AppendNDJSONLine(w.path, entry); err != nil {
		GetLogger().Warn("failed to append journal entry: %v", err)
	}
}
