package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"integration-hub/internal/auth"
	"integration-hub/internal/config"
	"integration-hub/internal/connector"
	"integration-hub/internal/engine"
	"integration-hub/internal/instrument"
	"integration-hub/internal/store"
)

const testSecret = "admin-test-secret"

type stubConnector struct {
	err error
}

func (s stubConnector) TestConnection(context.Context, map[string]any) (connector.TestResult, error) {
	return connector.TestResult{Success: true}, nil
}

func (s stubConnector) ExecuteSync(context.Context, string, map[string]any, map[string]any) (connector.SyncResult, error) {
	if s.err != nil {
		return connector.SyncResult{}, s.err
	}
	return connector.SyncResult{TotalRecords: 5}, nil
}

type recordingQueue struct {
	reqs []engine.SyncRequest
}

func (q *recordingQueue) EnqueueSync(req engine.SyncRequest) bool {
	q.reqs = append(q.reqs, req)
	return true
}

type apiFixture struct {
	app   *fiber.App
	queue *recordingQueue
	logs  *observer.ObservedLogs
	admin string
	guest string
}

func newFixture(t *testing.T, conn connector.Connector) *apiFixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "api_test"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx, "admin@localhost", "changeme", zap.NewNop()))

	cfg := config.Default()
	registry := connector.NewRegistry()
	registry.Register("sync", conn)
	registry.Register("webhook", connector.WebhookConnector{})

	im := engine.NewIntegrationManager(s, registry, nil, nil, cfg.Sync, zap.NewNop())
	wm := engine.NewWebhookManager(s, nil, cfg.Webhook, zap.NewNop())
	queue := &recordingQueue{}

	core, logs := observer.New(zap.InfoLevel)
	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler(zap.NewNop())})
	app.Use(instrument.Middleware(zap.New(core)))
	h := NewHandler(im, wm, registry, queue, Retention{DeliveryDays: 30, JobDays: 14})
	RegisterAdminRoutes(app, h, auth.RequireOperator(testSecret), auth.RequireManager())

	admin, err := auth.GenerateAccessToken("u-1", "admin@localhost", []string{"admin"}, testSecret, time.Hour)
	require.NoError(t, err)
	guest, err := auth.GenerateAccessToken("u-2", "viewer@localhost", []string{"viewer"}, testSecret, time.Hour)
	require.NoError(t, err)

	return &apiFixture{app: app, queue: queue, logs: logs, admin: admin, guest: guest}
}

func (f *apiFixture) do(t *testing.T, token, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func dataOf(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	data, ok := out["data"].(map[string]any)
	require.True(t, ok, "missing data in %v", out)
	return data
}

func errorCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestIntegrationLifecycle(t *testing.T) {
	f := newFixture(t, stubConnector{})

	status, out := f.do(t, f.admin, http.MethodPost, "/api/hub/integrations",
		`{"name":"ERP","type":"sync","status":"active","config":{"base_url":"http://erp.local"}}`)
	require.Equal(t, http.StatusCreated, status, out)
	id := dataOf(t, out)["id"].(string)

	status, out = f.do(t, f.guest, http.MethodGet, "/api/hub/integrations", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["data"], 1)

	status, out = f.do(t, f.admin, http.MethodPost, "/api/hub/integrations/"+id+"/sync", `{"job_type":"sync_orders"}`)
	require.Equal(t, http.StatusOK, status, out)
	job := dataOf(t, out)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, float64(5), job["total_records"])

	status, out = f.do(t, f.guest, http.MethodGet, "/api/hub/jobs/"+job["id"].(string), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sync_orders", dataOf(t, out)["job_type"])

	status, out = f.do(t, f.guest, http.MethodGet, "/api/hub/integrations/"+id+"/jobs", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["data"], 1)

	status, out = f.do(t, f.admin, http.MethodPost, "/api/hub/integrations/"+id+"/test", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, dataOf(t, out)["success"])

	status, _ = f.do(t, f.admin, http.MethodDelete, "/api/hub/integrations/"+id, "")
	require.Equal(t, http.StatusOK, status)
	status, out = f.do(t, f.guest, http.MethodGet, "/api/hub/integrations/"+id, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(out))
}

func TestCreateIntegration_Validation(t *testing.T) {
	f := newFixture(t, stubConnector{})

	status, out := f.do(t, f.admin, http.MethodPost, "/api/hub/integrations", `{"type":"ftp"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(out))

	status, out = f.do(t, f.admin, http.MethodPost, "/api/hub/integrations", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_PAYLOAD", errorCode(out))
}

func TestRunSync_ConnectorError(t *testing.T) {
	f := newFixture(t, stubConnector{err: errors.New("ERP offline")})

	_, out := f.do(t, f.admin, http.MethodPost, "/api/hub/integrations",
		`{"name":"ERP","type":"sync","status":"active"}`)
	id := dataOf(t, out)["id"].(string)

	status, out := f.do(t, f.admin, http.MethodPost, "/api/hub/integrations/"+id+"/sync", `{"job_type":"sync_orders"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "CONNECTOR_ERROR", errorCode(out))
	assert.NotEmpty(t, dataOf(t, out)["job_id"])
}

func TestRunSync_Async(t *testing.T) {
	f := newFixture(t, stubConnector{})

	status, out := f.do(t, f.admin, http.MethodPost, "/api/hub/integrations/i-1/sync?async=true",
		`{"job_type":"sync_orders","options":{"full":true}}`)
	require.Equal(t, http.StatusAccepted, status, out)
	require.Len(t, f.queue.reqs, 1)
	assert.Equal(t, engine.SyncRequest{IntegrationID: "i-1", JobType: "sync_orders", Options: map[string]any{"full": true}}, f.queue.reqs[0])
}

func TestMappingAndTransform(t *testing.T) {
	f := newFixture(t, stubConnector{})
	_, out := f.do(t, f.admin, http.MethodPost, "/api/hub/integrations", `{"name":"ERP","type":"sync"}`)
	id := dataOf(t, out)["id"].(string)

	status, out := f.do(t, f.admin, http.MethodPut, "/api/hub/integrations/"+id+"/mappings",
		`{"source_field":"status","target_field":"state","transformation_rule":{"type":"lookup","lookup_table":{"1":"open","2":"closed"}}}`)
	require.Equal(t, http.StatusOK, status, out)

	status, out = f.do(t, f.guest, http.MethodPost, "/api/hub/integrations/"+id+"/transform", `{"status":"2","sku":"A"}`)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, map[string]any{"state": "closed", "sku": "A"}, dataOf(t, out))

	status, _ = f.do(t, f.admin, http.MethodDelete, "/api/hub/integrations/"+id+"/mappings/status", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, f.admin, http.MethodDelete, "/api/hub/integrations/"+id+"/mappings/status", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebhooksAndEvents(t *testing.T) {
	f := newFixture(t, stubConnector{})

	status, out := f.do(t, f.admin, http.MethodPost, "/api/hub/webhooks",
		`{"name":"orders","url":"https://shop.example/hook","events":["order.created"]}`)
	require.Equal(t, http.StatusCreated, status, out)
	wh := dataOf(t, out)
	assert.Equal(t, "POST", wh["http_method"])
	id := wh["id"].(string)

	status, out = f.do(t, f.admin, http.MethodPost, "/api/hub/events", `{"event":"order.created","data":{"id":1}}`)
	require.Equal(t, http.StatusAccepted, status, out)
	assert.Len(t, dataOf(t, out)["delivery_ids"], 1)

	status, out = f.do(t, f.guest, http.MethodGet, "/api/hub/webhooks/"+id+"/deliveries", "")
	require.Equal(t, http.StatusOK, status)
	deliveries := out["data"].([]any)
	require.Len(t, deliveries, 1)
	deliveryID := deliveries[0].(map[string]any)["id"].(string)

	status, _ = f.do(t, f.admin, http.MethodPost, "/api/hub/deliveries/"+deliveryID+"/retry", "")
	assert.Equal(t, http.StatusAccepted, status)

	status, out = f.do(t, f.admin, http.MethodPost, "/api/hub/cleanup", "")
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, float64(0), dataOf(t, out)["deliveries"])
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, stubConnector{})

	status, _ := f.do(t, "", http.MethodGet, "/api/hub/integrations", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := f.do(t, f.guest, http.MethodPost, "/api/hub/integrations", `{"name":"x","type":"sync"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(out))

	status, out = f.do(t, f.guest, http.MethodGet, "/api/hub/connectors", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"sync", "webhook"}, out["data"])
}

func TestCleanup_LogsWithTraceID(t *testing.T) {
	f := newFixture(t, stubConnector{})

	req := httptest.NewRequest(http.MethodPost, "/api/hub/cleanup", nil)
	req.Header.Set("Authorization", "Bearer "+f.admin)
	req.Header.Set(instrument.TraceHeader, "trace-cleanup")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := f.logs.FilterMessage("manual cleanup").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "http.admin", entries[0].LoggerName)
	assert.Equal(t, "trace-cleanup", entries[0].ContextMap()["trace_id"])
}
