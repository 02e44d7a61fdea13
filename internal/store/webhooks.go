package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"integration-hub/internal/metadata"
)

const webhookColumns = "id, integration_id, name, url, http_method, headers, events, secret, condition, status, retry_attempts, timeout, created_at, updated_at"

// WebhookFilter narrows ListWebhooks. Empty fields match everything.
type WebhookFilter struct {
	IntegrationID string
	Status        string
}

func (s *Store) InsertWebhook(ctx context.Context, wh *metadata.Webhook) error {
	if wh.ID == "" {
		wh.ID = GenerateUUID()
	}
	headersJSON, eventsJSON, err := webhookJSON(wh)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	_, err = Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO hub_webhooks (%s)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			webhookColumns,
			pb.Add(wh.ID), pb.Add(wh.IntegrationID), pb.Add(wh.Name), pb.Add(wh.URL), pb.Add(wh.Method),
			pb.Add(headersJSON), pb.Add(eventsJSON), pb.Add(wh.Secret), pb.Add(wh.Condition), pb.Add(wh.Status),
			pb.Add(wh.RetryAttempts), pb.Add(wh.Timeout),
			pb.Add(s.Dialect.TimeParam(wh.CreatedAt)), pb.Add(s.Dialect.TimeParam(wh.UpdatedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", MapError(s.Dialect, err))
	}
	return nil
}

func (s *Store) UpdateWebhook(ctx context.Context, wh *metadata.Webhook) error {
	headersJSON, eventsJSON, err := webhookJSON(wh)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf(`UPDATE hub_webhooks
		 SET integration_id = %s, name = %s, url = %s, http_method = %s, headers = %s, events = %s,
		     secret = %s, condition = %s, status = %s, retry_attempts = %s, timeout = %s, updated_at = %s
		 WHERE id = %s`,
			pb.Add(wh.IntegrationID), pb.Add(wh.Name), pb.Add(wh.URL), pb.Add(wh.Method),
			pb.Add(headersJSON), pb.Add(eventsJSON), pb.Add(wh.Secret), pb.Add(wh.Condition), pb.Add(wh.Status),
			pb.Add(wh.RetryAttempts), pb.Add(wh.Timeout), pb.Add(s.Dialect.TimeParam(wh.UpdatedAt)), pb.Add(wh.ID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", MapError(s.Dialect, err))
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebhook removes a webhook and its delivery history.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		ph := s.Dialect.Placeholder(1)
		if _, err := Exec(ctx, tx, "DELETE FROM hub_webhook_deliveries WHERE webhook_id = "+ph, id); err != nil {
			return fmt.Errorf("delete deliveries: %w", err)
		}
		n, err := Exec(ctx, tx, "DELETE FROM hub_webhooks WHERE id = "+ph, id)
		if err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*metadata.Webhook, error) {
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_webhooks WHERE id = %s", webhookColumns, s.Dialect.Placeholder(1)), id)
	if err != nil {
		return nil, err
	}
	return parseWebhookRow(row), nil
}

// ListWebhooks returns webhooks matching filter, ordered by name.
func (s *Store) ListWebhooks(ctx context.Context, filter WebhookFilter) ([]metadata.Webhook, error) {
	pb := s.Dialect.NewParamBuilder()
	var where []string
	if filter.IntegrationID != "" {
		where = append(where, "integration_id = "+pb.Add(filter.IntegrationID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+pb.Add(filter.Status))
	}

	sqlStr := "SELECT " + webhookColumns + " FROM hub_webhooks"
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	sqlStr += " ORDER BY name, id"

	rows, err := QueryRows(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	out := make([]metadata.Webhook, 0, len(rows))
	for _, row := range rows {
		out = append(out, *parseWebhookRow(row))
	}
	return out, nil
}

func webhookJSON(wh *metadata.Webhook) (string, string, error) {
	headers := wh.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := jsonParam(headers)
	if err != nil {
		return "", "", fmt.Errorf("marshal webhook headers: %w", err)
	}
	events := wh.Events
	if events == nil {
		events = []string{}
	}
	eventsJSON, err := jsonParam(events)
	if err != nil {
		return "", "", fmt.Errorf("marshal webhook events: %w", err)
	}
	return headersJSON, eventsJSON, nil
}

func parseWebhookRow(row map[string]any) *metadata.Webhook {
	wh := &metadata.Webhook{
		ID:            ToString(row["id"]),
		IntegrationID: ToStringPtr(row["integration_id"]),
		Name:          ToString(row["name"]),
		URL:           ToString(row["url"]),
		Method:        ToString(row["http_method"]),
		Headers:       ParseStringMap(row["headers"]),
		Events:        ParseStringSlice(row["events"]),
		Secret:        ToString(row["secret"]),
		Condition:     ToString(row["condition"]),
		Status:        ToString(row["status"]),
		RetryAttempts: ToInt(row["retry_attempts"]),
		Timeout:       ToInt(row["timeout"]),
	}
	wh.CreatedAt, _ = ParseTime(row["created_at"])
	wh.UpdatedAt, _ = ParseTime(row["updated_at"])
	return wh
}
