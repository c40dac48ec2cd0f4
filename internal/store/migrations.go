package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all Floe tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id      INTEGER NOT NULL,
		workflow_name   TEXT NOT NULL,
		session_time    INTEGER NOT NULL,
		last_attempt_id INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_name
		ON sessions(project_id, workflow_name, session_time)`,

	`CREATE TABLE IF NOT EXISTS session_attempts (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id         INTEGER NOT NULL REFERENCES sessions(id),
		site_id            INTEGER NOT NULL,
		attempt_index      INTEGER NOT NULL,
		state_flags        INTEGER NOT NULL DEFAULT 0,
		timezone           TEXT NOT NULL DEFAULT 'UTC',
		params             TEXT NOT NULL DEFAULT '{}',
		retry_attempt_name TEXT,
		created_at         TEXT NOT NULL,
		finished_at        TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_session_index
		ON session_attempts(session_id, attempt_index)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_site ON session_attempts(site_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id   INTEGER NOT NULL REFERENCES session_attempts(id),
		parent_id    INTEGER REFERENCES tasks(id),
		full_name    TEXT NOT NULL,
		task_type    TEXT NOT NULL,
		config       TEXT NOT NULL DEFAULT '{}',
		state        TEXT NOT NULL DEFAULT 'BLOCKED',
		state_flags  INTEGER NOT NULL DEFAULT 0,
		state_params TEXT NOT NULL DEFAULT '{}',
		report       TEXT,
		error        TEXT,
		export_params TEXT,
		store_params  TEXT,
		retry_at     INTEGER,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_attempt ON tasks(attempt_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
	// Compound index for the propagator's state sweeps.
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, id)`,

	`CREATE TABLE IF NOT EXISTS task_dependencies (
		upstream_id   INTEGER NOT NULL REFERENCES tasks(id),
		downstream_id INTEGER NOT NULL REFERENCES tasks(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deps_downstream ON task_dependencies(downstream_id)`,

	`CREATE TABLE IF NOT EXISTS task_archives (
		attempt_id INTEGER PRIMARY KEY REFERENCES session_attempts(id),
		tasks      TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS queues (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		site_id         INTEGER NOT NULL,
		name            TEXT NOT NULL,
		max_concurrency INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queues_site_name ON queues(site_id, name)`,

	// The merged lock-table design: a null queue_id means the handle is
	// dispatched from the site-wide shared pool.
	`CREATE TABLE IF NOT EXISTS queued_task_locks (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		site_id          INTEGER NOT NULL,
		queue_id         INTEGER REFERENCES queues(id),
		unique_name      TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		lock_expire_time INTEGER,
		lock_agent_id    TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_unique_name
		ON queued_task_locks(site_id, unique_name)`,
	`CREATE INDEX IF NOT EXISTS idx_locks_dispatch
		ON queued_task_locks(site_id, queue_id, lock_expire_time, priority, id)`,

	`CREATE TABLE IF NOT EXISTS session_monitors (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id    INTEGER NOT NULL REFERENCES session_attempts(id),
		type          TEXT NOT NULL,
		config        TEXT NOT NULL DEFAULT '{}',
		next_run_time INTEGER NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitors_next_run ON session_monitors(next_run_time)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
