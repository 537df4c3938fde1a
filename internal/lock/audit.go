package lock

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// AuditEvent is one row in the lock audit trail.
type AuditEvent struct {
	TS         string `json:"ts"`
	Resource   string `json:"resource"`
	Mode       string `json:"mode"`
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	Outcome    string `json:"outcome"` // acquired, released, timeout, reclaimed, release-not-held
	DurationMs int64  `json:"duration_ms"`
}

// Auditor records lock lifecycle events.
type Auditor interface {
	Record(ev AuditEvent)
}

// SQLiteAudit persists lock events to a SQLite database. Audit failures are
// swallowed: the trail is diagnostic, never part of the locking protocol.
type SQLiteAudit struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS lock_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          TEXT    NOT NULL,
	resource    TEXT    NOT NULL,
	mode        TEXT    NOT NULL,
	pid         INTEGER NOT NULL,
	hostname    TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lock_audit_resource ON lock_audit(resource);
`

// OpenAudit opens (creating if needed) the audit database at path.
func OpenAudit(path string) (*SQLiteAudit, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Serialized access; the audit db is shared across processes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &SQLiteAudit{db: db}, nil
}

// Record inserts one event.
func (a *SQLiteAudit) Record(ev AuditEvent) {
	_, _ = a.db.Exec(
		`INSERT INTO lock_audit (ts, resource, mode, pid, hostname, outcome, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.TS, ev.Resource, ev.Mode, ev.PID, ev.Hostname, ev.Outcome, ev.DurationMs,
	)
}

// Recent returns the newest events, most recent first.
func (a *SQLiteAudit) Recent(limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(
		`SELECT ts, resource, mode, pid, hostname, outcome, duration_ms
		 FROM lock_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit db: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.TS, &ev.Resource, &ev.Mode, &ev.PID, &ev.Hostname, &ev.Outcome, &ev.DurationMs); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (a *SQLiteAudit) Close() error {
	return a.db.Close()
}
