package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) TablesSQL() string {
	return pgTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) TimeParam(t time.Time) any {
	return t.UTC()
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case "23503":
			return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
		}
		return err
	}
	// Fallback for errors that lost their type crossing database/sql.
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "23503") {
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgTablesSQL = `
CREATE TABLE IF NOT EXISTS hub_integrations (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'inactive',
    config      JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hub_integrations_name ON hub_integrations(name);

CREATE TABLE IF NOT EXISTS hub_sync_jobs (
    id             TEXT PRIMARY KEY,
    integration_id TEXT NOT NULL REFERENCES hub_integrations(id) ON DELETE CASCADE,
    job_type       TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    progress       INTEGER NOT NULL DEFAULT 0,
    total_records  INTEGER NOT NULL DEFAULT 0,
    options        JSONB NOT NULL DEFAULT '{}',
    started_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at   TIMESTAMPTZ,
    error_log      TEXT
);
CREATE INDEX IF NOT EXISTS idx_hub_sync_jobs_integration ON hub_sync_jobs(integration_id, started_at DESC);

CREATE TABLE IF NOT EXISTS hub_mapping_rules (
    id                  TEXT PRIMARY KEY,
    integration_id      TEXT NOT NULL REFERENCES hub_integrations(id) ON DELETE CASCADE,
    source_field        TEXT NOT NULL,
    target_field        TEXT NOT NULL,
    transformation_rule JSONB,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE(integration_id, source_field)
);

CREATE TABLE IF NOT EXISTS hub_webhooks (
    id             TEXT PRIMARY KEY,
    integration_id TEXT,
    name           TEXT NOT NULL,
    url            TEXT NOT NULL,
    http_method    TEXT NOT NULL DEFAULT 'POST',
    headers        JSONB NOT NULL DEFAULT '{}',
    events         JSONB NOT NULL DEFAULT '[]',
    secret         TEXT NOT NULL,
    condition      TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'active',
    retry_attempts INTEGER NOT NULL DEFAULT 3,
    timeout        INTEGER NOT NULL DEFAULT 30,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hub_webhooks_status ON hub_webhooks(status);

CREATE TABLE IF NOT EXISTS hub_webhook_deliveries (
    id              TEXT PRIMARY KEY,
    webhook_id      TEXT NOT NULL REFERENCES hub_webhooks(id) ON DELETE CASCADE,
    event_type      TEXT NOT NULL,
    payload         TEXT NOT NULL,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    response_status INTEGER,
    response_body   TEXT,
    delivered_at    TIMESTAMPTZ,
    next_retry_at   TIMESTAMPTZ,
    claimed_by      TEXT,
    claimed_until   TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hub_deliveries_due ON hub_webhook_deliveries(next_retry_at, created_at) WHERE delivered_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_hub_deliveries_webhook ON hub_webhook_deliveries(webhook_id, created_at DESC);

CREATE TABLE IF NOT EXISTS hub_users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         JSONB NOT NULL DEFAULT '[]',
    active        BOOLEAN NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
