package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	rest := NewRESTConnector(zap.NewNop())
	r.Register("sync", rest)
	r.Register("webhook", WebhookConnector{})

	c, err := r.Resolve("sync")
	require.NoError(t, err)
	assert.Same(t, rest, c)

	_, err = r.Resolve("ftp")
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	assert.True(t, r.Has("webhook"))
	assert.Equal(t, []string{"sync", "webhook"}, r.Types())
}

func TestRESTConnector_TestConnection(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ping", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewRESTConnector(nil)
	cfg := map[string]any{"base_url": srv.URL + "/api/", "health_path": "/ping", "auth_token": "secret"}

	res, err := c.TestConnection(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Info["status_code"])

	healthy = false
	res, err = c.TestConnection(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "HTTP 503", res.Error)
}

func TestRESTConnector_MissingBaseURL(t *testing.T) {
	_, err := NewRESTConnector(nil).TestConnection(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "base_url")
}

func TestRESTConnector_ExecuteSync(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, "acme", r.Header.Get("X-Tenant"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_records": 7, "batch": "b-1"}`))
	}))
	defer srv.Close()

	res, err := NewRESTConnector(nil).ExecuteSync(context.Background(), "sync_customers",
		map[string]any{"base_url": srv.URL, "headers": map[string]any{"X-Tenant": "acme"}},
		map[string]any{"since": "2026-01-01"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.TotalRecords)
	assert.Equal(t, "b-1", res.Details["batch"])
	assert.Equal(t, "sync_customers", got["job_type"])
	assert.Equal(t, map[string]any{"since": "2026-01-01"}, got["options"])
}

func TestRESTConnector_ExecuteSyncFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream ERP unavailable"))
	}))
	defer srv.Close()

	_, err := NewRESTConnector(nil).ExecuteSync(context.Background(), "sync_orders", map[string]any{"base_url": srv.URL}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Contains(t, err.Error(), "upstream ERP unavailable")
}

func TestRESTConnector_ExecuteSyncRequiresTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	_, err := NewRESTConnector(nil).ExecuteSync(context.Background(), "sync_orders", map[string]any{"base_url": srv.URL}, nil)
	assert.ErrorContains(t, err, "total_records")
}

func TestWebhookConnector(t *testing.T) {
	res, err := WebhookConnector{}.TestConnection(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = WebhookConnector{}.ExecuteSync(context.Background(), "sync_orders", nil, nil)
	assert.Error(t, err)
}
