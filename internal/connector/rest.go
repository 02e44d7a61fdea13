package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	defaultHealthPath = "/health"
	defaultSyncPath   = "/sync"
	maxErrorBody      = 512
)

// RESTConnector drives a generic JSON-over-HTTP back office.
//
// Recognised config keys:
//
//	base_url     required, e.g. https://erp.example.com/api
//	health_path  GET target of TestConnection (default /health)
//	sync_path    POST target of ExecuteSync (default /sync)
//	auth_token   sent as a bearer token
//	headers      extra request headers
//
// The sync endpoint receives {"job_type": ..., "options": {...}} and must
// answer 2xx with {"total_records": n, ...}.
type RESTConnector struct {
	client *resty.Client
}

func NewRESTConnector(log *zap.Logger) *RESTConnector {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetLogger(log.Named("connector.rest").Sugar())
	return &RESTConnector{client: client}
}

func (c *RESTConnector) request(ctx context.Context, config map[string]any) (*resty.Request, string, error) {
	baseURL := strings.TrimRight(stringOpt(config, "base_url", ""), "/")
	if baseURL == "" {
		return nil, "", errors.New("config.base_url is required")
	}
	req := c.client.R().SetContext(ctx)
	if token := stringOpt(config, "auth_token", ""); token != "" {
		req.SetAuthToken(token)
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.SetHeader(k, fmt.Sprint(v))
		}
	}
	return req, baseURL, nil
}

func (c *RESTConnector) TestConnection(ctx context.Context, config map[string]any) (TestResult, error) {
	req, baseURL, err := c.request(ctx, config)
	if err != nil {
		return TestResult{}, err
	}

	start := time.Now()
	resp, err := req.Get(baseURL + stringOpt(config, "health_path", defaultHealthPath))
	if err != nil {
		return TestResult{}, fmt.Errorf("health check: %w", err)
	}
	info := map[string]any{
		"status_code": resp.StatusCode(),
		"latency_ms":  time.Since(start).Milliseconds(),
	}
	if !resp.IsSuccess() {
		return TestResult{Success: false, Error: fmt.Sprintf("HTTP %d", resp.StatusCode()), Info: info}, nil
	}
	return TestResult{Success: true, Info: info}, nil
}

func (c *RESTConnector) ExecuteSync(ctx context.Context, jobType string, config, options map[string]any) (SyncResult, error) {
	req, baseURL, err := c.request(ctx, config)
	if err != nil {
		return SyncResult{}, err
	}
	if options == nil {
		options = map[string]any{}
	}

	resp, err := req.
		SetBody(map[string]any{"job_type": jobType, "options": options}).
		Post(baseURL + stringOpt(config, "sync_path", defaultSyncPath))
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync request: %w", err)
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return SyncResult{}, fmt.Errorf("sync request failed: HTTP %d: %s", resp.StatusCode(), body)
	}

	var details map[string]any
	if err := json.Unmarshal(resp.Body(), &details); err != nil {
		return SyncResult{}, fmt.Errorf("decode sync response: %w", err)
	}
	total, ok := details["total_records"].(float64)
	if !ok {
		return SyncResult{}, errors.New("sync response has no numeric total_records")
	}
	delete(details, "total_records")
	return SyncResult{TotalRecords: int(total), Details: details}, nil
}

// WebhookConnector backs integrations of type webhook. They are push-only:
// events flow out through webhooks, so there is nothing to pull.
type WebhookConnector struct{}

func (WebhookConnector) TestConnection(context.Context, map[string]any) (TestResult, error) {
	return TestResult{Success: true, Info: map[string]any{"mode": "push"}}, nil
}

func (WebhookConnector) ExecuteSync(_ context.Context, jobType string, _, _ map[string]any) (SyncResult, error) {
	return SyncResult{}, fmt.Errorf("webhook integrations do not support sync job %q", jobType)
}

func stringOpt(config map[string]any, key, def string) string {
	if s, ok := config[key].(string); ok && s != "" {
		return s
	}
	return def
}
