package store

import (
	"context"
	"fmt"
	"time"

	"integration-hub/internal/metadata"
)

const syncJobColumns = "id, integration_id, job_type, status, progress, total_records, options, started_at, completed_at, error_log"

// InsertSyncJob persists a job in the pending state.
func (s *Store) InsertSyncJob(ctx context.Context, job *metadata.SyncJob) error {
	if job.ID == "" {
		job.ID = GenerateUUID()
	}
	optsJSON, err := jsonParam(nonNilMap(job.Options))
	if err != nil {
		return fmt.Errorf("marshal sync options: %w", err)
	}

	pb := s.Dialect.NewParamBuilder()
	_, err = Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO hub_sync_jobs (id, integration_id, job_type, status, progress, total_records, options, started_at)
		 VALUES (%s, %s, %s, %s, 0, 0, %s, %s)`,
			pb.Add(job.ID), pb.Add(job.IntegrationID), pb.Add(job.JobType), pb.Add(metadata.SyncPending),
			pb.Add(optsJSON), pb.Add(s.Dialect.TimeParam(job.StartedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert sync job: %w", MapError(s.Dialect, err))
	}
	job.Status = metadata.SyncPending
	return nil
}

// MarkSyncJobRunning moves a pending job to running.
func (s *Store) MarkSyncJobRunning(ctx context.Context, id string) error {
	pb := s.Dialect.NewParamBuilder()
	return s.transitionSyncJob(ctx,
		fmt.Sprintf("UPDATE hub_sync_jobs SET status = %s WHERE id = %s AND status = %s",
			pb.Add(metadata.SyncRunning), pb.Add(id), pb.Add(metadata.SyncPending)),
		pb.Params())
}

// CompleteSyncJob moves a running job to completed.
func (s *Store) CompleteSyncJob(ctx context.Context, id string, totalRecords int, at time.Time) error {
	pb := s.Dialect.NewParamBuilder()
	return s.transitionSyncJob(ctx,
		fmt.Sprintf(`UPDATE hub_sync_jobs SET status = %s, progress = 100, total_records = %s, completed_at = %s
		 WHERE id = %s AND status = %s`,
			pb.Add(metadata.SyncCompleted), pb.Add(totalRecords), pb.Add(s.Dialect.TimeParam(at)),
			pb.Add(id), pb.Add(metadata.SyncRunning)),
		pb.Params())
}

// FailSyncJob moves a pending or running job to failed, recording the error
// message.
func (s *Store) FailSyncJob(ctx context.Context, id string, errorLog string, at time.Time) error {
	pb := s.Dialect.NewParamBuilder()
	return s.transitionSyncJob(ctx,
		fmt.Sprintf(`UPDATE hub_sync_jobs SET status = %s, error_log = %s, completed_at = %s
		 WHERE id = %s AND status IN (%s, %s)`,
			pb.Add(metadata.SyncFailed), pb.Add(errorLog), pb.Add(s.Dialect.TimeParam(at)),
			pb.Add(id), pb.Add(metadata.SyncPending), pb.Add(metadata.SyncRunning)),
		pb.Params())
}

func (s *Store) transitionSyncJob(ctx context.Context, sqlStr string, params []any) error {
	n, err := Exec(ctx, s.DB, sqlStr, params...)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) GetSyncJob(ctx context.Context, id string) (*metadata.SyncJob, error) {
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_sync_jobs WHERE id = %s", syncJobColumns, s.Dialect.Placeholder(1)), id)
	if err != nil {
		return nil, err
	}
	return parseSyncJobRow(row), nil
}

// ListSyncJobs returns the newest jobs of an integration first.
func (s *Store) ListSyncJobs(ctx context.Context, integrationID string, limit int) ([]metadata.SyncJob, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_sync_jobs WHERE integration_id = %s ORDER BY started_at DESC, id DESC LIMIT %s",
			syncJobColumns, pb.Add(integrationID), pb.Add(limit)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	out := make([]metadata.SyncJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, *parseSyncJobRow(row))
	}
	return out, nil
}

// DeleteFinishedSyncJobsBefore removes completed and failed jobs that
// started before cutoff. Pending and running rows are kept for operators.
func (s *Store) DeleteFinishedSyncJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf("DELETE FROM hub_sync_jobs WHERE status IN (%s, %s) AND started_at < %s",
			pb.Add(metadata.SyncCompleted), pb.Add(metadata.SyncFailed), pb.Add(s.Dialect.TimeParam(cutoff))),
		pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("delete sync jobs: %w", err)
	}
	return n, nil
}

func parseSyncJobRow(row map[string]any) *metadata.SyncJob {
	job := &metadata.SyncJob{
		ID:            ToString(row["id"]),
		IntegrationID: ToString(row["integration_id"]),
		JobType:       ToString(row["job_type"]),
		Status:        ToString(row["status"]),
		Progress:      ToInt(row["progress"]),
		TotalRecords:  ToInt(row["total_records"]),
		Options:       ParseJSONMap(row["options"]),
		CompletedAt:   ParseTimePtr(row["completed_at"]),
		ErrorLog:      ToStringPtr(row["error_log"]),
	}
	job.StartedAt, _ = ParseTime(row["started_at"])
	return job
}
