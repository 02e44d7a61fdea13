package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"integration-hub/internal/cache"
	"integration-hub/internal/config"
	"integration-hub/internal/connector"
	"integration-hub/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeConnector records calls and returns canned results.
type fakeConnector struct {
	mu      sync.Mutex
	total   int
	err     error
	panics  bool
	syncs   []string
	options []map[string]any
}

func (f *fakeConnector) TestConnection(_ context.Context, cfg map[string]any) (connector.TestResult, error) {
	if f.panics {
		panic("connector exploded")
	}
	if f.err != nil {
		return connector.TestResult{}, f.err
	}
	return connector.TestResult{Success: true, Info: map[string]any{"endpoint": cfg["base_url"]}}, nil
}

func (f *fakeConnector) ExecuteSync(_ context.Context, jobType string, _ map[string]any, options map[string]any) (connector.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, jobType)
	f.options = append(f.options, options)
	if f.panics {
		panic("connector exploded")
	}
	if f.err != nil {
		return connector.SyncResult{}, f.err
	}
	return connector.SyncResult{TotalRecords: f.total}, nil
}

func (f *fakeConnector) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncs)
}

type testHub struct {
	store        *store.Store
	conn         *fakeConnector
	locks        *cache.MemoryLocker
	lists        *cache.MemoryListCache
	integrations *IntegrationManager
	webhooks     *WebhookManager
	cfg          *config.Config
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "hub_test"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx, "admin@localhost", "changeme", zap.NewNop()))

	cfg := config.Default()
	conn := &fakeConnector{total: 42}
	registry := connector.NewRegistry()
	registry.Register("sync", conn)
	registry.Register("import", conn)
	registry.Register("webhook", connector.WebhookConnector{})

	locks := cache.NewMemoryLocker()
	lists := cache.NewMemoryListCache(time.Hour)
	im := NewIntegrationManager(s, registry, lists, locks, cfg.Sync, zap.NewNop())
	wm := NewWebhookManager(s, nil, cfg.Webhook, zap.NewNop())
	clock := func() time.Time { return baseTime }
	im.now = clock
	wm.now = clock

	return &testHub{store: s, conn: conn, locks: locks, lists: lists, integrations: im, webhooks: wm, cfg: cfg}
}

// at moves both managers' clocks.
func (h *testHub) at(t time.Time) {
	h.integrations.now = func() time.Time { return t }
	h.webhooks.now = func() time.Time { return t }
}

func requireAppError(t *testing.T, err error, code string) *AppError {
	t.Helper()
	require.Error(t, err)
	appErr, ok := AsAppError(err)
	require.True(t, ok, "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
	return appErr
}

func detailFields(appErr *AppError) []string {
	fields := make([]string, 0, len(appErr.Details))
	for _, d := range appErr.Details {
		fields = append(fields, d.Field)
	}
	return fields
}

func TestAppError_Unwrap(t *testing.T) {
	err := InvalidStateError("busy")
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 409, err.Status)

	cause := errors.New("ERP timed out")
	cerr := ConnectorError(cause)
	assert.Equal(t, "ERP timed out", cerr.Message)
	assert.ErrorIs(t, cerr, cause)

	_, ok := AsAppError(errors.New("plain"))
	assert.False(t, ok)
}
