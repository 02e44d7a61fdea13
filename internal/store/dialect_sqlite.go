package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed width so text comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) TablesSQL() string {
	return sqliteTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) TimeParam(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteTablesSQL = `
CREATE TABLE IF NOT EXISTS hub_integrations (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'inactive',
    config      TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hub_integrations_name ON hub_integrations(name);

CREATE TABLE IF NOT EXISTS hub_sync_jobs (
    id             TEXT PRIMARY KEY,
    integration_id TEXT NOT NULL REFERENCES hub_integrations(id) ON DELETE CASCADE,
    job_type       TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    progress       INTEGER NOT NULL DEFAULT 0,
    total_records  INTEGER NOT NULL DEFAULT 0,
    options        TEXT NOT NULL DEFAULT '{}',
    started_at     TEXT NOT NULL,
    completed_at   TEXT,
    error_log      TEXT
);
CREATE INDEX IF NOT EXISTS idx_hub_sync_jobs_integration ON hub_sync_jobs(integration_id, started_at DESC);

CREATE TABLE IF NOT EXISTS hub_mapping_rules (
    id                  TEXT PRIMARY KEY,
    integration_id      TEXT NOT NULL REFERENCES hub_integrations(id) ON DELETE CASCADE,
    source_field        TEXT NOT NULL,
    target_field        TEXT NOT NULL,
    transformation_rule TEXT,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    UNIQUE(integration_id, source_field)
);

CREATE TABLE IF NOT EXISTS hub_webhooks (
    id             TEXT PRIMARY KEY,
    integration_id TEXT,
    name           TEXT NOT NULL,
    url            TEXT NOT NULL,
    http_method    TEXT NOT NULL DEFAULT 'POST',
    headers        TEXT NOT NULL DEFAULT '{}',
    events         TEXT NOT NULL DEFAULT '[]',
    secret         TEXT NOT NULL,
    condition      TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'active',
    retry_attempts INTEGER NOT NULL DEFAULT 3,
    timeout        INTEGER NOT NULL DEFAULT 30,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
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
    delivered_at    TEXT,
    next_retry_at   TEXT,
    claimed_by      TEXT,
    claimed_until   TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hub_deliveries_due ON hub_webhook_deliveries(next_retry_at, created_at) WHERE delivered_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_hub_deliveries_webhook ON hub_webhook_deliveries(webhook_id, created_at DESC);

CREATE TABLE IF NOT EXISTS hub_users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT NOT NULL DEFAULT '[]',
    active        INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT NOT NULL
);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
