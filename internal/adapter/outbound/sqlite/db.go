// Package sqlite provides the embedded transactional store backing the
// approval protocol: the envelopes table and the keyring table, both of
// which survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schema creates the persistent tables. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS envelopes (
	nonce       TEXT PRIMARY KEY,
	plan_hash   TEXT NOT NULL,
	tool_calls  TEXT NOT NULL,
	key_id      TEXT NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('pending', 'consumed', 'expired')),
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	consumed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_envelopes_status ON envelopes(status);
CREATE INDEX IF NOT EXISTS idx_envelopes_expires ON envelopes(expires_at);

CREATE TABLE IF NOT EXISTS keyring (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	key_id     TEXT NOT NULL UNIQUE,
	public_key BLOB NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('active', 'retired')),
	created_at TEXT NOT NULL,
	retired_at TEXT
);
`

// Open opens (creating if necessary) the countersign database at path and
// applies the schema. The returned handle is limited to a single
// connection: sqlite serializes writers anyway, and a single connection
// turns lock contention into queueing instead of SQLITE_BUSY errors.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
