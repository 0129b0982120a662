package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS draft_jobs (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT    NOT NULL,
	source_message_id  TEXT    NOT NULL,
	thread_id          TEXT    NOT NULL,
	subject            TEXT    NOT NULL DEFAULT '',
	sender_address     TEXT    NOT NULL DEFAULT '',
	sender_name        TEXT    NOT NULL DEFAULT '',
	original_body      TEXT    NOT NULL DEFAULT '',
	generator_settings TEXT    NOT NULL DEFAULT '',
	generated_content  TEXT    NOT NULL DEFAULT '',
	artifact_id        TEXT    NOT NULL DEFAULT '',
	status             TEXT    NOT NULL DEFAULT 'pending',
	approval_state     TEXT    NOT NULL DEFAULT 'new',
	priority           TEXT    NOT NULL DEFAULT 'medium',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL DEFAULT 3,
	last_error         TEXT    NOT NULL DEFAULT '',
	next_attempt_at    INTEGER,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS draft_jobs_thread_active_uq
	ON draft_jobs (owner_id, thread_id)
	WHERE status IN ('pending', 'generating', 'completed');

CREATE INDEX IF NOT EXISTS draft_jobs_status_idx ON draft_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS draft_jobs_owner_source_idx ON draft_jobs (owner_id, source_message_id);
`

// Open opens the database file at path and applies the schema. SQLite has a
// single writer, so the pool is pinned to one connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}
