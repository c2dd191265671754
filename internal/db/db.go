package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const schema = `
CREATE SCHEMA IF NOT EXISTS taskpulse;

CREATE TABLE IF NOT EXISTS taskpulse.tasks (
  id               BIGSERIAL PRIMARY KEY,
  title            TEXT NOT NULL,
  status           TEXT NOT NULL DEFAULT 'pending',
  priority         INT NOT NULL DEFAULT 3,
  start_at         TIMESTAMPTZ,
  due_at           TIMESTAMPTZ,
  is_recurring     BOOLEAN NOT NULL DEFAULT FALSE,
  recurrence       JSONB,
  escalation_level INT NOT NULL DEFAULT 0,
  escalated        BOOLEAN NOT NULL DEFAULT FALSE,
  deleted          BOOLEAN NOT NULL DEFAULT FALSE,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_due   ON taskpulse.tasks(due_at)   WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS idx_tasks_start ON taskpulse.tasks(start_at) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS taskpulse.action_definitions (
  id            BIGSERIAL PRIMARY KEY,
  name          TEXT NOT NULL,
  url           TEXT NOT NULL,
  method        TEXT NOT NULL DEFAULT 'POST',
  headers       JSONB NOT NULL DEFAULT '{}'::jsonb,
  body_template TEXT NOT NULL DEFAULT '',
  active        BOOLEAN NOT NULL DEFAULT TRUE,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS taskpulse.task_action_bindings (
  id            BIGSERIAL PRIMARY KEY,
  task_id       BIGINT NOT NULL,
  definition_id BIGINT NOT NULL REFERENCES taskpulse.action_definitions(id),
  trigger_event TEXT NOT NULL,
  active        BOOLEAN NOT NULL DEFAULT TRUE,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_bindings_task_event
  ON taskpulse.task_action_bindings(task_id, trigger_event) WHERE active;

CREATE TABLE IF NOT EXISTS taskpulse.action_call_records (
  id            UUID PRIMARY KEY,
  binding_id    BIGINT,
  definition_id BIGINT NOT NULL,
  task_id       BIGINT NOT NULL,
  trigger_event TEXT NOT NULL,
  url           TEXT NOT NULL,
  method        TEXT NOT NULL,
  headers       JSONB NOT NULL DEFAULT '{}'::jsonb,
  body          TEXT NOT NULL DEFAULT '',
  http_status   INT NOT NULL DEFAULT 0,
  response_body TEXT NOT NULL DEFAULT '',
  error         TEXT NOT NULL DEFAULT '',
  duration_ms   BIGINT NOT NULL DEFAULT 0,
  success       BOOLEAN NOT NULL DEFAULT FALSE,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_records_task_event
  ON taskpulse.action_call_records(task_id, trigger_event, created_at DESC);

CREATE TABLE IF NOT EXISTS taskpulse.settings (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the taskpulse tables if they don't exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
