package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-hub/internal/metadata"
)

func TestMapError_PG_UniqueViolation(t *testing.T) {
	dialect := &PostgresDialect{}
	pgErr := &pgconn.PgError{
		Code:           "23505",
		Message:        "duplicate key value violates unique constraint \"hub_mapping_rules_integration_id_source_field_key\"",
		ConstraintName: "hub_mapping_rules_integration_id_source_field_key",
	}
	mapped := MapError(dialect, fmt.Errorf("exec: %w", pgErr))

	require.True(t, errors.Is(mapped, ErrUniqueViolation), "got %v", mapped)

	// Original pgconn.PgError should still be extractable
	var extracted *pgconn.PgError
	require.True(t, errors.As(mapped, &extracted))
	assert.Equal(t, "hub_mapping_rules_integration_id_source_field_key", extracted.ConstraintName)
}

func TestMapError_PG_ForeignKeyViolation(t *testing.T) {
	mapped := MapError(&PostgresDialect{}, &pgconn.PgError{Code: "23503"})
	assert.ErrorIs(t, mapped, ErrForeignKeyViolation)
}

func TestMapError_PG_OtherError(t *testing.T) {
	err := fmt.Errorf("some other error")
	assert.Same(t, err, MapError(&PostgresDialect{}, err))
	assert.Nil(t, MapError(&PostgresDialect{}, nil))
}

func TestMapError_SQLite(t *testing.T) {
	d := &SQLiteDialect{}
	assert.ErrorIs(t, d.MapError(errors.New("constraint failed: UNIQUE constraint failed: hub_users.email (2067)")), ErrUniqueViolation)
	assert.ErrorIs(t, d.MapError(errors.New("constraint failed: FOREIGN KEY constraint failed (787)")), ErrForeignKeyViolation)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, &PostgresDialect{}), mock
}

func TestPostgres_GetIntegrationUsesDollarPlaceholders(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, type, status, config, created_at, updated_at FROM hub_integrations WHERE id = \$1`).
		WithArgs("int-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "status", "config", "created_at", "updated_at"}).
			AddRow("int-1", "ERP", "sync", "active", []byte(`{"base_url":"http://erp"}`), created, created))

	in, err := s.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, "ERP", in.Name)
	assert.Equal(t, "http://erp", in.Config["base_url"])
	assert.True(t, in.CreatedAt.Equal(created))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimDeliveryBindsTimestamps(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lease := now.Add(time.Minute)

	mock.ExpectExec(`UPDATE hub_webhook_deliveries\s+SET attempt_count = attempt_count \+ 1, claimed_by = \$1, claimed_until = \$2`).
		WithArgs("worker-a", lease, "d-1", 3, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimDelivery(context.Background(), "d-1", "worker-a", now, lease, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteSyncJobConflict(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE hub_sync_jobs SET status = \$1, progress = 100, total_records = \$2, completed_at = \$3`).
		WithArgs(metadata.SyncCompleted, 7, at, "job-1", metadata.SyncRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CompleteSyncJob(context.Background(), "job-1", 7, at)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteWebhookRunsInTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM hub_webhook_deliveries WHERE webhook_id = \$1`).WithArgs("wh-1").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`DELETE FROM hub_webhooks WHERE id = \$1`).WithArgs("wh-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.DeleteWebhook(context.Background(), "wh-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
