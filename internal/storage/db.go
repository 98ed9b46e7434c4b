// Package storage persists the node's relational state in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"socialmesh/go-node/internal/platform/errs"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	ErrLimit    = errors.New("record limit reached")
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = "file::memory:"

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	peer_id       TEXT PRIMARY KEY,
	did           TEXT NOT NULL DEFAULT '',
	username      TEXT NOT NULL DEFAULT '',
	handle        TEXT NOT NULL DEFAULT '',
	avatar        TEXT NOT NULL DEFAULT '',
	bio           TEXT NOT NULL DEFAULT '',
	dag_root      TEXT NOT NULL DEFAULT '',
	legacy_secret TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS following (
	owner_id          TEXT NOT NULL,
	target_id         TEXT NOT NULL,
	relationship_type TEXT NOT NULL,
	followed_at       INTEGER NOT NULL,
	library_id        TEXT NOT NULL DEFAULT '',
	username          TEXT NOT NULL DEFAULT '',
	last_synced_at    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (owner_id, target_id)
);
CREATE INDEX IF NOT EXISTS following_target ON following (target_id);
CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	timestamp    TEXT NOT NULL,
	cid          TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL DEFAULT '',
	mime_type    TEXT NOT NULL DEFAULT '',
	is_read      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_pair ON messages (sender_id, recipient_id);
CREATE TABLE IF NOT EXISTS notifications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL,
	link       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	is_read    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS guardians (
	owner_id    TEXT NOT NULL,
	guardian_id TEXT NOT NULL,
	PRIMARY KEY (owner_id, guardian_id)
);
CREATE TABLE IF NOT EXISTS recovery_requests (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	old_peer_id TEXT NOT NULL,
	new_peer_id TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	status      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS recovery_approvals (
	request_id  INTEGER NOT NULL,
	guardian_id TEXT NOT NULL,
	approved_at INTEGER NOT NULL,
	PRIMARY KEY (request_id, guardian_id)
);
CREATE TABLE IF NOT EXISTS discovered_peers (
	peer_id        TEXT PRIMARY KEY,
	username       TEXT,
	avatar         TEXT,
	dag_root       TEXT,
	last_seen      INTEGER NOT NULL,
	discovery_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS discovered_peers_last_seen ON discovered_peers (last_seen);
`

// DB is the SQLite-backed store for every persistence port of the node.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and applies the schema.
// SQLite serializes writers, so the pool is a single connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if !strings.Contains(dsn, ":memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return wrap(d.db.PingContext(ctx))
}

func wrap(err error) error {
	return errs.Wrap(errs.CategoryStorage, err)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
