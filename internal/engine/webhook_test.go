package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"integration-hub/internal/config"
	"integration-hub/internal/metadata"
	"integration-hub/internal/store"
)

type receivedRequest struct {
	Method  string
	Header  http.Header
	Body    []byte
	Request int
}

// receiver is an httptest endpoint that answers with statuses in order,
// repeating the last one.
type receiver struct {
	mu       sync.Mutex
	statuses []int
	requests []receivedRequest
	srv      *httptest.Server
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	r := &receiver{statuses: statuses}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		n := len(r.requests)
		r.requests = append(r.requests, receivedRequest{Method: req.Method, Header: req.Header.Clone(), Body: body, Request: n})
		status := http.StatusOK
		if len(r.statuses) > 0 {
			status = r.statuses[min(n, len(r.statuses)-1)]
		}
		r.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *receiver) last() receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func intPtr(n int) *int { return &n }

func createWebhook(t *testing.T, h *testHub, in WebhookInput) *metadata.Webhook {
	t.Helper()
	if in.Name == "" {
		in.Name = "orders"
	}
	if len(in.Events) == 0 {
		in.Events = []string{"order.created"}
	}
	wh, err := h.webhooks.Create(context.Background(), in)
	require.NoError(t, err)
	return wh
}

func TestWebhook_CreateDefaults(t *testing.T) {
	h := newTestHub(t)
	wh := createWebhook(t, h, WebhookInput{URL: "https://shop.example/hook"})

	assert.Equal(t, "POST", wh.Method)
	assert.Equal(t, metadata.WebhookActive, wh.Status)
	assert.Equal(t, 3, wh.RetryAttempts)
	assert.Equal(t, 30, wh.Timeout)
	assert.Len(t, wh.Secret, 64)
	assert.Nil(t, wh.IntegrationID)

	other := createWebhook(t, h, WebhookInput{URL: "https://shop.example/hook"})
	assert.NotEqual(t, wh.Secret, other.Secret)
}

func TestWebhook_CreateValidation(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	_, err := h.webhooks.Create(ctx, WebhookInput{
		Name: "bad", URL: "ftp://shop.example", Method: "TRACE",
		Condition: "data.total >", RetryAttempts: intPtr(-1),
	})
	appErr := requireAppError(t, err, "VALIDATION_FAILED")
	assert.ElementsMatch(t, []string{"url", "http_method", "events", "condition", "retry_attempts"}, detailFields(appErr))

	missing := "nope"
	_, err = h.webhooks.Create(ctx, WebhookInput{
		Name: "scoped", URL: "https://shop.example", Events: []string{"x"}, IntegrationID: &missing,
	})
	requireAppError(t, err, "NOT_FOUND")
}

func TestWebhook_UpdateKeepsSecret(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	wh := createWebhook(t, h, WebhookInput{URL: "https://shop.example/hook", Secret: "s3cret"})

	updated, err := h.webhooks.Update(ctx, wh.ID, WebhookInput{
		Name: "orders-v2", URL: "https://shop.example/v2", Events: []string{"order.*", "*"}, Status: "inactive",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", updated.Secret)
	assert.Equal(t, metadata.WebhookInactive, updated.Status)

	got, err := h.webhooks.Get(ctx, wh.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/v2", got.URL)

	_, err = h.webhooks.Update(ctx, "missing", WebhookInput{Name: "x", URL: "https://a.b", Events: []string{"e"}})
	requireAppError(t, err, "NOT_FOUND")
}

func TestTriggerEvent_FanOut(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	url := "https://shop.example/hook"

	subscribed := createWebhook(t, h, WebhookInput{Name: "a", URL: url, Events: []string{"order.created"}})
	wildcard := createWebhook(t, h, WebhookInput{Name: "b", URL: url, Events: []string{"*"}})
	createWebhook(t, h, WebhookInput{Name: "c", URL: url, Events: []string{"order.created"}, Status: "inactive"})
	createWebhook(t, h, WebhookInput{Name: "d", URL: url, Events: []string{"customer.created"}})
	createWebhook(t, h, WebhookInput{Name: "e", URL: url, Events: []string{"order.created"}, Condition: "data.total > 100"})

	ids, err := h.webhooks.TriggerEvent(ctx, "order.created", map[string]any{"id": 7, "total": 50}, nil)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	var hooks []string
	for _, id := range ids {
		d, err := h.store.GetDelivery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "order.created", d.EventType)
		assert.Equal(t, 0, d.AttemptCount)
		assert.Equal(t, metadata.DeliveryScheduled, d.State(3))
		hooks = append(hooks, d.WebhookID)

		var env metadata.EventEnvelope
		require.NoError(t, json.Unmarshal(d.Payload, &env))
		assert.Equal(t, "order.created", env.Event)
		assert.Equal(t, "2026-03-01T12:00:00Z", env.Timestamp)
		assert.Equal(t, map[string]any{"id": float64(7), "total": float64(50)}, env.Data)
	}
	assert.ElementsMatch(t, []string{subscribed.ID, wildcard.ID}, hooks)

	// the condition passes for large orders
	ids, err = h.webhooks.TriggerEvent(ctx, "order.created", map[string]any{"total": 250}, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	ids, err = h.webhooks.TriggerEvent(ctx, "invoice.paid", nil, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	_, err = h.webhooks.TriggerEvent(ctx, "", nil, nil)
	requireAppError(t, err, "VALIDATION_FAILED")
}

func TestTriggerEvent_ScopedToIntegration(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	in := createActive(t, h, "erp")

	scoped := createWebhook(t, h, WebhookInput{Name: "scoped", URL: "https://a.example", IntegrationID: &in.ID})
	createWebhook(t, h, WebhookInput{Name: "global", URL: "https://b.example"})

	ids, err := h.webhooks.TriggerEvent(ctx, "order.created", nil, &in.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	d, err := h.store.GetDelivery(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, scoped.ID, d.WebhookID)
}

func TestProcessDelivery_Delivered(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := createWebhook(t, h, WebhookInput{
		URL: rcv.srv.URL, Secret: "s3cret", Headers: map[string]string{"X-Shop": "main"},
	})

	id, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", map[string]any{"id": 1})
	require.NoError(t, err)

	ok, err := h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	req := rcv.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "O9Cart-Webhook/1.0", req.Header.Get("User-Agent"))
	assert.Equal(t, "main", req.Header.Get("X-Shop"))
	assert.True(t, VerifySignature("s3cret", req.Body, req.Header.Get("X-O9Cart-Signature")))

	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, string(d.Payload), string(req.Body))
	assert.Equal(t, 1, d.AttemptCount)
	require.NotNil(t, d.ResponseStatus)
	assert.Equal(t, 200, *d.ResponseStatus)
	assert.NotNil(t, d.DeliveredAt)
	assert.Nil(t, d.NextRetryAt)

	// processing a delivered row again does nothing
	ok, err = h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, rcv.count())
}

func TestProcessDelivery_RetriesWithBackoff(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	wh := createWebhook(t, h, WebhookInput{URL: rcv.srv.URL, RetryAttempts: intPtr(3)})

	id, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", nil)
	require.NoError(t, err)

	ok, err := h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Equal(t, 500, *d.ResponseStatus)
	require.NotNil(t, d.NextRetryAt)
	assert.True(t, d.NextRetryAt.Equal(baseTime.Add(2*time.Minute)), "got %v", d.NextRetryAt)
	assert.Equal(t, metadata.DeliveryRetryPending, d.State(wh.MaxAttempts()))

	// not due yet: no HTTP call, no attempt consumed
	h.at(baseTime.Add(time.Minute))
	ok, err = h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, rcv.count())

	h.at(baseTime.Add(2 * time.Minute))
	ok, err = h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	d, err = h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, d.AttemptCount)
	assert.True(t, d.NextRetryAt.Equal(baseTime.Add(6*time.Minute)), "got %v", d.NextRetryAt)

	h.at(baseTime.Add(6 * time.Minute))
	ok, err = h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	d, err = h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, d.AttemptCount)
	assert.Equal(t, metadata.DeliveryDelivered, d.State(wh.MaxAttempts()))
	assert.Equal(t, 3, rcv.count())
}

func TestProcessDelivery_NoRetries(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusServiceUnavailable)
	wh := createWebhook(t, h, WebhookInput{URL: rcv.srv.URL, RetryAttempts: intPtr(0)})

	id, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", nil)
	require.NoError(t, err)

	ok, err := h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Nil(t, d.NextRetryAt)
	assert.Equal(t, metadata.DeliveryExhausted, d.State(wh.MaxAttempts()))

	h.at(baseTime.Add(time.Hour))
	ok, err = h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, rcv.count())

	due, err := h.store.ListDueDeliveries(ctx, baseTime.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestProcessDelivery_TransportError(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t)
	url := rcv.srv.URL
	rcv.srv.Close()

	wh := createWebhook(t, h, WebhookInput{URL: url, RetryAttempts: intPtr(2)})
	id, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", nil)
	require.NoError(t, err)

	ok, err := h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, d.ResponseStatus)
	require.NotNil(t, d.ResponseBody)
	assert.Contains(t, *d.ResponseBody, "http call")
	assert.NotNil(t, d.NextRetryAt)
}

func TestProcessDelivery_GetSendsNoBody(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusNoContent)
	wh := createWebhook(t, h, WebhookInput{URL: rcv.srv.URL, Method: "get", Secret: "k"})

	id, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", map[string]any{"id": 1})
	require.NoError(t, err)
	ok, err := h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	req := rcv.last()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Empty(t, req.Body)

	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Sign("k", d.Payload), req.Header.Get("X-O9Cart-Signature"))
}

func TestProcessDelivery_Unknown(t *testing.T) {
	h := newTestHub(t)
	_, err := h.webhooks.ProcessDelivery(context.Background(), "missing")
	requireAppError(t, err, "NOT_FOUND")
}

func TestProcessDueQueue(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := createWebhook(t, h, WebhookInput{URL: rcv.srv.URL})

	for i := 0; i < 3; i++ {
		_, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", map[string]any{"n": i})
		require.NoError(t, err)
	}

	delivered, err := h.webhooks.ProcessDueQueue(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	delivered, err = h.webhooks.ProcessDueQueue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 3, rcv.count())

	history, err := h.webhooks.DeliveryHistory(ctx, wh.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = h.webhooks.DeliveryHistory(ctx, "missing", 0)
	requireAppError(t, err, "NOT_FOUND")
}

func TestRetryDelivery(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusInternalServerError, http.StatusOK)
	wh := createWebhook(t, h, WebhookInput{URL: rcv.srv.URL, RetryAttempts: intPtr(0)})

	id, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", nil)
	require.NoError(t, err)
	ok, err := h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, h.webhooks.RetryDelivery(ctx, id))
	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, d.AttemptCount)

	ok, err = h.webhooks.ProcessDelivery(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	requireAppError(t, h.webhooks.RetryDelivery(ctx, id), "INVALID_STATE")
	requireAppError(t, h.webhooks.RetryDelivery(ctx, "missing"), "NOT_FOUND")
}

func TestCleanupOldDeliveries(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := createWebhook(t, h, WebhookInput{URL: rcv.srv.URL})

	done, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", nil)
	require.NoError(t, err)
	_, err = h.webhooks.ProcessDelivery(ctx, done)
	require.NoError(t, err)
	pending, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", nil)
	require.NoError(t, err)

	h.at(baseTime.AddDate(0, 0, 31))
	n, err := h.webhooks.CleanupOldDeliveries(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.store.GetDelivery(ctx, done)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.store.GetDelivery(ctx, pending)
	assert.NoError(t, err)
}

func TestDeleteWebhook_RemovesDeliveries(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	wh := createWebhook(t, h, WebhookInput{URL: "https://shop.example/hook"})
	id, err := h.webhooks.ScheduleDelivery(ctx, wh.ID, "order.created", nil)
	require.NoError(t, err)

	require.NoError(t, h.webhooks.Delete(ctx, wh.ID))
	_, err = h.store.GetDelivery(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	requireAppError(t, h.webhooks.Delete(ctx, wh.ID), "NOT_FOUND")
}

func TestSignature(t *testing.T) {
	body := []byte(`{"event":"order.created"}`)
	sig := Sign("s3cret", body)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", append(body, ' '), sig))
}

func TestDispatch_SendsCustomHeadersVerbatim(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "signing-key")
	t.Setenv("HUB_LOOP", "{{env.HUB_LOOP}}")
	rcv := newReceiver(t, http.StatusOK)

	d := NewDispatcher(config.Default().Webhook, zap.NewNop())
	wh := &metadata.Webhook{
		URL:     rcv.srv.URL,
		Method:  "POST",
		Secret:  "s3cret",
		Timeout: 5,
		Headers: map[string]string{
			"X-Token":      "{{env.AUTH_JWT_SECRET}}",
			"X-Loop":       "{{env.HUB_LOOP}}",
			"Content-Type": "text/plain",
		},
	}

	done := make(chan *DispatchResult, 1)
	go func() { done <- d.Dispatch(context.Background(), wh, []byte(`{}`)) }()

	var res *DispatchResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return")
	}
	require.True(t, res.Succeeded(), res.Error)

	got := rcv.last().Header
	assert.Equal(t, "{{env.AUTH_JWT_SECRET}}", got.Get("X-Token"))
	assert.Equal(t, "{{env.HUB_LOOP}}", got.Get("X-Loop"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Minute, backoff(1))
	assert.Equal(t, 4*time.Minute, backoff(2))
	assert.Equal(t, 8*time.Minute, backoff(3))
	assert.Equal(t, backoff(maxBackoffShift), backoff(maxBackoffShift+5))
}
