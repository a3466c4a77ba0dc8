// Package auditlog is a write-only observer of execution environment
// service events: it subscribes to the Service Messenger for
// unresponsive/unhandledError events, takes direct RecordExecute/
// RecordTerminate calls for executeSnap/terminateSnap, and writes each to
// SQLite for later inspection. It never feeds back into the service —
// "persisted state: none" still holds for the service itself; this is
// supplemental, external bookkeeping.
package auditlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/xfeldman/snapexec/internal/messenger"
)

// Log wraps an append-only SQLite event table.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path, in WAL
// mode to keep writes cheap under concurrent event delivery.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("auditlog: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: set WAL mode: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			snap_id    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

func (l *Log) record(kind, snapID, detail string) {
	if _, err := l.db.Exec(
		`INSERT INTO events (kind, snap_id, detail) VALUES (?, ?, ?)`,
		kind, snapID, detail,
	); err != nil {
		// The audit log is a best-effort observer; a write failure here
		// must never propagate back into the service it is watching.
		_ = err
	}
}

// Attach subscribes the log to every event the messenger publishes.
func (l *Log) Attach(m *messenger.Messenger) error {
	if _, err := m.SubscribeUnresponsive(func(evt messenger.UnresponsiveEvent) {
		l.record("unresponsive", evt.SnapID, "")
	}); err != nil {
		return fmt.Errorf("auditlog: subscribe unresponsive: %w", err)
	}
	if _, err := m.SubscribeUnhandledError(func(evt messenger.UnhandledErrorEvent) {
		l.record("unhandled_error", evt.SnapID, evt.Error)
	}); err != nil {
		return fmt.Errorf("auditlog: subscribe unhandled error: %w", err)
	}
	return nil
}

// RecordExecute records a successful or failed executeSnap call.
func (l *Log) RecordExecute(snapID string, err error) {
	if err != nil {
		l.record("execute_failed", snapID, err.Error())
		return
	}
	l.record("execute_ok", snapID, "")
}

// RecordTerminate records a terminateSnap call.
func (l *Log) RecordTerminate(snapID string) {
	l.record("terminate", snapID, "")
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
