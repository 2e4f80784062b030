package postgres

import "context"

// Migrate applies the schema. All statements are idempotent, so running it
// on every start is safe; concurrent starts serialize on Postgres DDL locks.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entities (
    id              BIGINT PRIMARY KEY,
    name            TEXT NOT NULL,
    domain          TEXT NOT NULL DEFAULT '',
    category        TEXT NOT NULL DEFAULT '',
    region          TEXT NOT NULL DEFAULT '',
    employee_count  INTEGER NOT NULL DEFAULT 0,
    has_form        BOOLEAN NOT NULL DEFAULT false,
    blacklisted     BOOLEAN NOT NULL DEFAULT false,
    policy_detected BOOLEAN NOT NULL DEFAULT false,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,

	`CREATE TABLE IF NOT EXISTS campaigns (
    id                       BIGINT PRIMARY KEY,
    name                     TEXT NOT NULL,
    predicate                JSONB NOT NULL DEFAULT 'null',
    exclusions               TEXT[] NOT NULL DEFAULT '{}',
    daily_capacity           INTEGER NOT NULL DEFAULT 0,
    shard_count              INTEGER NOT NULL DEFAULT 1,
    workers                  INTEGER NOT NULL DEFAULT 1,
    worker_vcpu              DOUBLE PRECISION NOT NULL DEFAULT 0,
    worker_memory_mb         INTEGER NOT NULL DEFAULT 0,
    prefer_spot              BOOLEAN NOT NULL DEFAULT false,
    allow_on_demand_fallback BOOLEAN NOT NULL DEFAULT false,
    enabled                  BOOLEAN NOT NULL DEFAULT true,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,

	`CREATE TABLE IF NOT EXISTS work_items (
    id           BIGSERIAL PRIMARY KEY,
    target_date  DATE NOT NULL,
    campaign_id  BIGINT NOT NULL,
    entity_id    BIGINT NOT NULL,
    priority     INTEGER NOT NULL,
    shard        INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL DEFAULT 'pending',
    lease_holder TEXT NOT NULL DEFAULT '',
    leased_at    TIMESTAMPTZ,
    attempts     INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (target_date, campaign_id, entity_id)
)`,

	// Claim path: pending rows of one (date, campaign), best priority first.
	`CREATE INDEX IF NOT EXISTS idx_work_items_claim
    ON work_items (target_date, campaign_id, status, shard, priority, entity_id)`,

	// Reclaim path: stale assigned rows across all dates and campaigns.
	`CREATE INDEX IF NOT EXISTS idx_work_items_lease
    ON work_items (status, leased_at)`,

	`CREATE TABLE IF NOT EXISTS completions (
    id             UUID PRIMARY KEY,
    campaign_id    BIGINT NOT NULL,
    entity_id      BIGINT NOT NULL,
    success        BOOLEAN NOT NULL,
    error_class    TEXT NOT NULL DEFAULT '',
    result_payload JSONB,
    policy_flag    BOOLEAN NOT NULL DEFAULT false,
    holder_id      TEXT NOT NULL,
    recorded_at    TIMESTAMPTZ NOT NULL
)`,

	// History lookups during queue builds.
	`CREATE INDEX IF NOT EXISTS idx_completions_history
    ON completions (campaign_id, entity_id, success, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS executions (
    id                    UUID PRIMARY KEY,
    campaign_id           BIGINT NOT NULL,
    backend               TEXT NOT NULL,
    spot                  BOOLEAN NOT NULL DEFAULT false,
    task_count            INTEGER NOT NULL,
    parallelism           INTEGER NOT NULL,
    vcpu                  DOUBLE PRECISION NOT NULL,
    memory_mb             INTEGER NOT NULL,
    sizing_warning        TEXT NOT NULL DEFAULT '',
    credential_ref        TEXT NOT NULL DEFAULT '',
    credential_artifact   TEXT NOT NULL DEFAULT '',
    credential_expires_at TIMESTAMPTZ,
    handle                TEXT NOT NULL DEFAULT '',
    attempts              INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL,
    started_at            TIMESTAMPTZ NOT NULL,
    ended_at              TIMESTAMPTZ,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_campaign
    ON executions (campaign_id, created_at DESC)`,

	// Reconciliation sweep scans non-terminal executions.
	`CREATE INDEX IF NOT EXISTS idx_executions_unsettled
    ON executions (status, updated_at)`,
}
