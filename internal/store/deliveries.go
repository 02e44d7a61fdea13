package store

import (
	"context"
	"fmt"
	"time"

	"integration-hub/internal/metadata"
)

const deliveryColumns = "id, webhook_id, event_type, payload, attempt_count, response_status, response_body, delivered_at, next_retry_at, claimed_by, claimed_until, created_at"

// maxAttemptsExpr mirrors metadata.Webhook.MaxAttempts in SQL.
const maxAttemptsExpr = "CASE WHEN w.retry_attempts < 1 THEN 1 ELSE w.retry_attempts END"

func (s *Store) InsertDelivery(ctx context.Context, d *metadata.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = GenerateUUID()
	}
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO hub_webhook_deliveries (id, webhook_id, event_type, payload, attempt_count, created_at)
		 VALUES (%s, %s, %s, %s, 0, %s)`,
			pb.Add(d.ID), pb.Add(d.WebhookID), pb.Add(d.EventType), pb.Add(string(d.Payload)),
			pb.Add(s.Dialect.TimeParam(d.CreatedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", MapError(s.Dialect, err))
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*metadata.WebhookDelivery, error) {
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_webhook_deliveries WHERE id = %s", deliveryColumns, s.Dialect.Placeholder(1)), id)
	if err != nil {
		return nil, err
	}
	return parseDeliveryRow(row), nil
}

// ClaimDelivery leases an undelivered, due, unexhausted delivery to worker and
// consumes one attempt in the same statement. It reports false when another
// worker holds the lease or the row is not eligible.
func (s *Store) ClaimDelivery(ctx context.Context, id, worker string, now, leaseUntil time.Time, maxAttempts int) (bool, error) {
	pb := s.Dialect.NewParamBuilder()
	nowParam := s.Dialect.TimeParam(now)
	sqlStr := fmt.Sprintf(`UPDATE hub_webhook_deliveries
		 SET attempt_count = attempt_count + 1, claimed_by = %s, claimed_until = %s
		 WHERE id = %s
		   AND delivered_at IS NULL
		   AND attempt_count < %s
		   AND (next_retry_at IS NULL OR next_retry_at <= %s)
		   AND (claimed_until IS NULL OR claimed_until < %s)`,
		pb.Add(worker), pb.Add(s.Dialect.TimeParam(leaseUntil)), pb.Add(id), pb.Add(maxAttempts),
		pb.Add(nowParam), pb.Add(nowParam))
	n, err := Exec(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	return n == 1, nil
}

// RecordDeliverySuccess marks a delivery delivered and releases its lease.
func (s *Store) RecordDeliverySuccess(ctx context.Context, id string, status int, body string, at time.Time) error {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf(`UPDATE hub_webhook_deliveries
		 SET response_status = %s, response_body = %s, delivered_at = %s, next_retry_at = NULL,
		     claimed_by = NULL, claimed_until = NULL
		 WHERE id = %s AND delivered_at IS NULL`,
			pb.Add(status), pb.Add(body), pb.Add(s.Dialect.TimeParam(at)), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordDeliveryFailure stores the last failure and the next retry time
// (nil when the delivery is exhausted) and releases the lease.
func (s *Store) RecordDeliveryFailure(ctx context.Context, id string, status *int, body string, nextRetry *time.Time) error {
	var statusParam any
	if status != nil {
		statusParam = *status
	}
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf(`UPDATE hub_webhook_deliveries
		 SET response_status = %s, response_body = %s, next_retry_at = %s,
		     claimed_by = NULL, claimed_until = NULL
		 WHERE id = %s AND delivered_at IS NULL`,
			pb.Add(statusParam), pb.Add(body), pb.Add(timeParamOrNil(s.Dialect, nextRetry)), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ResetDelivery returns an undelivered delivery to the scheduled state so the
// worker attempts it again with a fresh attempt budget.
func (s *Store) ResetDelivery(ctx context.Context, id string) error {
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf(`UPDATE hub_webhook_deliveries
		 SET attempt_count = 0, next_retry_at = NULL, claimed_by = NULL, claimed_until = NULL
		 WHERE id = %s AND delivered_at IS NULL`, s.Dialect.Placeholder(1)), id)
	if err != nil {
		return fmt.Errorf("reset delivery: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListDueDeliveries returns undelivered, unexhausted, unleased deliveries
// whose retry time has passed, oldest first.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]metadata.WebhookDelivery, error) {
	pb := s.Dialect.NewParamBuilder()
	nowParam := s.Dialect.TimeParam(now)
	sqlStr := fmt.Sprintf(`SELECT d.id, d.webhook_id, d.event_type, d.payload, d.attempt_count, d.response_status,
		        d.response_body, d.delivered_at, d.next_retry_at, d.claimed_by, d.claimed_until, d.created_at
		 FROM hub_webhook_deliveries d
		 JOIN hub_webhooks w ON w.id = d.webhook_id
		 WHERE d.delivered_at IS NULL
		   AND (d.next_retry_at IS NULL OR d.next_retry_at <= %s)
		   AND (d.claimed_until IS NULL OR d.claimed_until < %s)
		   AND d.attempt_count < %s
		 ORDER BY d.created_at ASC, d.id ASC
		 LIMIT %s`,
		pb.Add(nowParam), pb.Add(nowParam), maxAttemptsExpr, pb.Add(limit))
	rows, err := QueryRows(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	return parseDeliveryRows(rows), nil
}

// ListDeliveries returns the newest deliveries of a webhook first.
func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]metadata.WebhookDelivery, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_webhook_deliveries WHERE webhook_id = %s ORDER BY created_at DESC, id DESC LIMIT %s",
			deliveryColumns, pb.Add(webhookID), pb.Add(limit)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return parseDeliveryRows(rows), nil
}

// DeleteFinishedDeliveriesBefore removes delivered or exhausted deliveries
// created before cutoff and returns how many were removed.
func (s *Store) DeleteFinishedDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf(`DELETE FROM hub_webhook_deliveries
		 WHERE created_at < %s
		   AND (delivered_at IS NOT NULL
		        OR attempt_count >= (SELECT %s FROM hub_webhooks w WHERE w.id = hub_webhook_deliveries.webhook_id))`,
			pb.Add(s.Dialect.TimeParam(cutoff)), maxAttemptsExpr),
		pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	return n, nil
}

func parseDeliveryRows(rows []map[string]any) []metadata.WebhookDelivery {
	out := make([]metadata.WebhookDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, *parseDeliveryRow(row))
	}
	return out
}

func parseDeliveryRow(row map[string]any) *metadata.WebhookDelivery {
	d := &metadata.WebhookDelivery{
		ID:             ToString(row["id"]),
		WebhookID:      ToString(row["webhook_id"]),
		EventType:      ToString(row["event_type"]),
		Payload:        ParseRawJSON(row["payload"]),
		AttemptCount:   ToInt(row["attempt_count"]),
		ResponseStatus: ToIntPtr(row["response_status"]),
		ResponseBody:   ToStringPtr(row["response_body"]),
		DeliveredAt:    ParseTimePtr(row["delivered_at"]),
		NextRetryAt:    ParseTimePtr(row["next_retry_at"]),
		ClaimedBy:      ToStringPtr(row["claimed_by"]),
		ClaimedUntil:   ParseTimePtr(row["claimed_until"]),
	}
	d.CreatedAt, _ = ParseTime(row["created_at"])
	return d
}
