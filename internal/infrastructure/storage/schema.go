package storage

import (
	"context"
	"fmt"
)

// The column types below are valid in both SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                TEXT PRIMARY KEY,
		chat_id           TEXT NOT NULL DEFAULT '',
		plan              TEXT NOT NULL,
		min_relevance     DOUBLE PRECISION NOT NULL,
		instant_threshold DOUBLE PRECISION NOT NULL,
		daily_threshold   DOUBLE PRECISION NOT NULL,
		weekly_threshold  DOUBLE PRECISION NOT NULL,
		group_chat_id     TEXT NOT NULL DEFAULT '',
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL REFERENCES users(id),
		title            TEXT NOT NULL,
		description      TEXT NOT NULL,
		status           TEXT NOT NULL,
		priority         DOUBLE PRECISION NOT NULL DEFAULT 0,
		cycles_completed INTEGER NOT NULL DEFAULT 0,
		cycles_limit     INTEGER NOT NULL,
		min_relevance    DOUBLE PRECISION NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		worker_id        TEXT NOT NULL DEFAULT '',
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL,
		started_at       BIGINT,
		last_dequeued_at BIGINT,
		completed_at     BIGINT,
		CHECK (cycles_completed <= cycles_limit),
		CHECK (status IN ('queued', 'running', 'paused', 'completed', 'failed', 'cancelled'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, worker_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS findings (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		source           TEXT NOT NULL,
		external_id      TEXT NOT NULL,
		title            TEXT NOT NULL,
		abstract         TEXT NOT NULL DEFAULT '',
		authors          TEXT NOT NULL DEFAULT '[]',
		categories       TEXT NOT NULL DEFAULT '[]',
		url              TEXT NOT NULL DEFAULT '',
		published_at     BIGINT,
		score            DOUBLE PRECISION NOT NULL,
		rationale        TEXT NOT NULL DEFAULT '',
		instant_notified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at       BIGINT NOT NULL,
		UNIQUE (task_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_created ON findings (task_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		chat_id    TEXT NOT NULL,
		task_id    TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE,
		message    TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		sent_at    BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications (sent_at, created_at)`,
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
