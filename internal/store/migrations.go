package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations must be ordered by version, starting at 1, without gaps.
var migrations = []migration{
	{1, "initial schema", []string{
		`CREATE TABLE accounts (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			pickle BLOB NOT NULL
		)`,
		`CREATE TABLE olm_sessions (
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			pickle BLOB NOT NULL,
			PRIMARY KEY (sender_key, session_id)
		)`,
		`CREATE TABLE inbound_megolm_sessions (
			room_id TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			sender_ed25519 TEXT NOT NULL,
			pickle BLOB NOT NULL,
			PRIMARY KEY (room_id, sender_key, session_id)
		)`,
		`CREATE TABLE outbound_megolm_sessions (
			room_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			pickle BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE group_session_record_index (
			room_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_index INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			PRIMARY KEY (room_id, session_id, message_index)
		)`,
	}},
	{2, "olm session last received", []string{
		`ALTER TABLE olm_sessions ADD COLUMN last_received INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX olm_sessions_by_last_received ON olm_sessions (sender_key, last_received DESC)`,
	}},
	{3, "outbound session shares", []string{
		`CREATE TABLE outbound_megolm_session_shares (
			room_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			PRIMARY KEY (room_id, session_id, user_id, device_id)
		)`,
	}},
}

// CurrentVersion is the schema version this code writes.
func CurrentVersion() int { return migrations[len(migrations)-1].version }

// migrate applies all pending migrations and the version bump in one
// transaction. A failure leaves the database exactly as it was.
func migrate(ctx context.Context, db *sql.DB, log logrus.FieldLogger) error {
	target := CurrentVersion()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &cryptoerr.MigrationError{To: target, Err: err}
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return &cryptoerr.MigrationError{To: target, Err: fmt.Errorf("read version: %w", err)}
	}
	if current > target {
		return &cryptoerr.MigrationError{From: current, To: target, Err: fmt.Errorf("database is newer than this build")}
	}
	if current == target {
		return nil
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		log.WithFields(logrus.Fields{"version": m.version, "name": m.name}).Info("applying migration")
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return &cryptoerr.MigrationError{From: current, To: target, Err: fmt.Errorf("%d (%s): %w", m.version, m.name, err)}
			}
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return &cryptoerr.MigrationError{From: current, To: target, Err: fmt.Errorf("write version: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return &cryptoerr.MigrationError{From: current, To: target, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// Version returns the schema version of the open database.
func (q *Queries) Version(ctx context.Context) (int, error) {
	var v int
	if err := q.q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, storageErr("read version", err)
	}
	return v, nil
}
