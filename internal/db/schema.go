package db

import (
	"context"
	"fmt"
)

// Schema creates the tables used by the job and run repositories. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS wf_runs (
	id                 UUID PRIMARY KEY,
	name               TEXT NOT NULL,
	status             TEXT NOT NULL,
	settings           JSONB NOT NULL,
	termination_reason TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS wf_jobs (
	run_id        UUID NOT NULL REFERENCES wf_runs (id) ON DELETE CASCADE,
	id            BIGINT NOT NULL,
	iteration     INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	window_start  TIMESTAMPTZ NOT NULL,
	window_end    TIMESTAMPTZ NOT NULL,
	params        JSONB NOT NULL,
	engine        JSONB NOT NULL,
	status        TEXT NOT NULL,
	container_id  TEXT,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	payload       JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS wf_jobs_status_created_idx ON wf_jobs (status, created_at);
`

// EnsureSchema applies Schema.
func (p *Pool) EnsureSchema(ctx context.Context) error {
	if _, err := p.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	p.logger.Info("Database schema ready")
	return nil
}
