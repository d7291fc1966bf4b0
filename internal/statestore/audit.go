package statestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AuditEntry is one row of the append-only operator/event history. It is
// a supplementary queryable log, never consulted during crash recovery
// (Store.Load/Save is the sole authority there).
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    string
	Target    string
	Result    string
	Detail    string
}

// AuditLog is a SQLite-backed append-only record of fleet events and
// operator commands, adapted from the teacher's audit_log table into a
// single-purpose history independent of the crash-recovery snapshot.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (creating if necessary) a SQLite database at path
// and ensures the audit_log table exists.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open audit db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: enable WAL: %w", err)
	}
	if _, err := db.Exec(createAuditTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: create audit_log table: %w", err)
	}
	return &AuditLog{db: db}, nil
}

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	target     TEXT NOT NULL,
	result     TEXT NOT NULL,
	detail     TEXT
)`

// Close closes the underlying database handle.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Record appends one entry. Failures are returned, not swallowed, so the
// caller can log and continue. No component of the tower calls Record;
// cmd/tower opens the log but writes no entries to it.
func (a *AuditLog) Record(entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := a.db.Exec(
		`INSERT INTO audit_log (id, timestamp, actor, action, target, result, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.Format(time.RFC3339Nano), entry.Actor, entry.Action, entry.Target, entry.Result, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("statestore: insert audit entry: %w", err)
	}
	return nil
}

// QueryByTarget returns the most recent entries for a given server name,
// newest first, capped at limit.
func (a *AuditLog) QueryByTarget(target string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(
		`SELECT id, timestamp, actor, action, target, result, detail FROM audit_log WHERE target = ? ORDER BY timestamp DESC LIMIT ?`,
		target, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("statestore: query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Target, &e.Result, &detail); err != nil {
			return nil, fmt.Errorf("statestore: scan audit row: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeOlderThan deletes entries older than the given retention window,
// returning the number of rows removed.
func (a *AuditLog) PurgeOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	result, err := a.db.Exec(`DELETE FROM audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("statestore: purge audit log: %w", err)
	}
	return result.RowsAffected()
}
