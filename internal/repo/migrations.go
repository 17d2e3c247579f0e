package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema — DDL всех таблиц pipeline. Идемпотентен (IF NOT EXISTS),
// применяется командой `conveyor-admin migrate`.
//
// Индексы: (status, next_attempt_at) для claim-запросов,
// (lease_expires_at) для reaper'а — см. соответствующие таблицы.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    id              UUID PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    source          TEXT NOT NULL,
    payload         JSONB NOT NULL DEFAULT '{}',
    payload_hash    TEXT NOT NULL,
    idempotency_key TEXT,
    correlation_id  UUID NOT NULL,
    status          TEXT NOT NULL DEFAULT 'NEW',
    occurred_at     TIMESTAMPTZ NOT NULL,
    processed_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS event_idempotency_uniq
    ON events (tenant_id, source, idempotency_key)
    WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS events_tenant_type_idx
    ON events (tenant_id, event_type, occurred_at);

CREATE TABLE IF NOT EXISTS outbox_items (
    id                 UUID PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    kind               TEXT NOT NULL,
    payload            JSONB NOT NULL DEFAULT '{}',
    status             TEXT NOT NULL DEFAULT 'PENDING',
    priority           INT NOT NULL DEFAULT 100,
    attempt_count      INT NOT NULL DEFAULT 0,
    max_attempts       INT NOT NULL DEFAULT 15,
    next_attempt_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    lease_owner        TEXT,
    lease_expires_at   TIMESTAMPTZ,
    last_error_code    TEXT,
    last_error_message TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS outbox_claim_idx
    ON outbox_items (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS outbox_lease_idx
    ON outbox_items (lease_expires_at);
CREATE INDEX IF NOT EXISTS outbox_tenant_idx
    ON outbox_items (tenant_id, status, next_attempt_at);

CREATE TABLE IF NOT EXISTS automations (
    id           UUID PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    name         TEXT NOT NULL,
    is_active    BOOLEAN NOT NULL DEFAULT true,
    head_version INT NOT NULL DEFAULT 1,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS triggers (
    id            UUID PRIMARY KEY,
    automation_id UUID NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
    tenant_id     TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    filter_config JSONB NOT NULL DEFAULT '{}',
    priority      INT NOT NULL DEFAULT 100,
    is_active     BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS triggers_match_idx
    ON triggers (tenant_id, event_type) WHERE is_active;

CREATE TABLE IF NOT EXISTS workflow_versions (
    automation_id UUID NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
    version       INT NOT NULL,
    nodes         JSONB NOT NULL DEFAULT '[]',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (automation_id, version)
);

CREATE TABLE IF NOT EXISTS executions (
    id               UUID PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    event_id         UUID NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    automation_id    UUID NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
    workflow_version INT NOT NULL,
    correlation_id   UUID NOT NULL,
    status           TEXT NOT NULL DEFAULT 'QUEUED',
    attempt          INT NOT NULL DEFAULT 1,
    context          JSONB NOT NULL DEFAULT '{}',
    lease_owner      TEXT,
    lease_expires_at TIMESTAMPTZ,
    heartbeat_at     TIMESTAMPTZ,
    started_at       TIMESTAMPTZ,
    finished_at      TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT execution_per_event_uniq UNIQUE (tenant_id, automation_id, event_id)
);

CREATE INDEX IF NOT EXISTS executions_status_idx
    ON executions (status, lease_expires_at);

CREATE TABLE IF NOT EXISTS step_runs (
    id           UUID PRIMARY KEY,
    execution_id UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
    node_key     TEXT NOT NULL,
    status       TEXT NOT NULL,
    attempt      INT NOT NULL DEFAULT 1,
    input_data   JSONB NOT NULL DEFAULT '{}',
    output_data  JSONB NOT NULL DEFAULT '{}',
    error_data   JSONB NOT NULL DEFAULT '{}',
    started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at  TIMESTAMPTZ,
    CONSTRAINT step_run_node_uniq UNIQUE (execution_id, node_key)
);

CREATE TABLE IF NOT EXISTS side_effect_log (
    id               UUID PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    key              TEXT NOT NULL,
    external_id      TEXT NOT NULL,
    response_payload JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT side_effect_key_uniq UNIQUE (tenant_id, key)
);

CREATE TABLE IF NOT EXISTS jobs (
    id               UUID PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    topic            TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'CREATED',
    priority         INT NOT NULL DEFAULT 10,
    payload          JSONB NOT NULL DEFAULT '{}',
    attempts         INT NOT NULL DEFAULT 0,
    max_attempts     INT NOT NULL DEFAULT 3,
    next_attempt_at  TIMESTAMPTZ,
    lease_owner      TEXT,
    lease_expires_at TIMESTAMPTZ,
    heartbeat_at     TIMESTAMPTZ,
    result_summary   JSONB NOT NULL DEFAULT '{}',
    error_redacted   JSONB NOT NULL DEFAULT '{}',
    correlation_id   UUID NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS jobs_poll_idx
    ON jobs (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS jobs_lease_idx
    ON jobs (lease_expires_at);

CREATE TABLE IF NOT EXISTS job_events (
    id         UUID PRIMARY KEY,
    job_id     UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    seq        INT NOT NULL,
    type       TEXT NOT NULL,
    data       JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT job_event_seq_uniq UNIQUE (job_id, seq)
);
`

// Migrate применяет DDL схемы.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
