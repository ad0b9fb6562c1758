package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently by Migrate.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
	id                 TEXT PRIMARY KEY,
	owner_project      TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL,
	submitted_at       TIMESTAMPTZ NOT NULL,
	all_tasks_terminal BOOLEAN NOT NULL DEFAULT FALSE,
	artifact_stored    BOOLEAN NOT NULL DEFAULT FALSE,
	artifact_location  TEXT NOT NULL DEFAULT '',
	results_cleaned    BOOLEAN NOT NULL DEFAULT FALSE,
	artifact_published BOOLEAN NOT NULL DEFAULT FALSE,
	needs_attention    BOOLEAN NOT NULL DEFAULT FALSE,
	attention_reason   TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS url_tasks (
	batch_id        TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	idx             INTEGER NOT NULL,
	url             TEXT NOT NULL,
	state           TEXT NOT NULL,
	correlation_id  TEXT UNIQUE,
	result_received BOOLEAN NOT NULL DEFAULT FALSE,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ,
	requeues        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (batch_id, idx)
)`,
	`CREATE INDEX IF NOT EXISTS url_tasks_state_idx ON url_tasks (state, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS extraction_results (
	correlation_id TEXT PRIMARY KEY,
	batch_id       TEXT NOT NULL,
	task_index     INTEGER NOT NULL,
	url            TEXT NOT NULL DEFAULT '',
	payload        JSONB NOT NULL,
	received_at    TIMESTAMPTZ NOT NULL
)`,
}

// Migrate creates the tables the store needs when they are missing.
func (s *TaskStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
