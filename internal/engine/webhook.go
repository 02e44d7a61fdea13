package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"integration-hub/internal/config"
	"integration-hub/internal/metadata"
	"integration-hub/internal/metrics"
	"integration-hub/internal/store"
)

const (
	defaultHistoryLimit = 50
	defaultQueueLimit   = 100
	maxBackoffShift     = 20
)

// WebhookInput is the writable part of a Webhook. Nil pointers fall back to
// configured defaults on create and keep the stored value on update.
type WebhookInput struct {
	IntegrationID *string           `json:"integration_id"`
	Name          string            `json:"name" validate:"required,max=255"`
	URL           string            `json:"url" validate:"required,webhook_url"`
	Method        string            `json:"http_method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers       map[string]string `json:"headers"`
	Events        []string          `json:"events" validate:"required,min=1,dive,required"`
	Secret        string            `json:"secret"`
	Condition     string            `json:"condition" validate:"omitempty,expr"`
	Status        string            `json:"status" validate:"omitempty,oneof=active inactive"`
	RetryAttempts *int              `json:"retry_attempts" validate:"omitempty,gte=0,lte=10"`
	Timeout       *int              `json:"timeout" validate:"omitempty,gt=0,lte=300"`
}

func (in *WebhookInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.URL = strings.TrimSpace(in.URL)
	in.Method = strings.ToUpper(strings.TrimSpace(in.Method))
	in.Status = strings.ToLower(strings.TrimSpace(in.Status))
	in.Condition = strings.TrimSpace(in.Condition)
	if in.IntegrationID != nil && strings.TrimSpace(*in.IntegrationID) == "" {
		in.IntegrationID = nil
	}

	seen := make(map[string]bool, len(in.Events))
	events := in.Events[:0]
	for _, e := range in.Events {
		e = strings.TrimSpace(e)
		if seen[e] {
			continue
		}
		seen[e] = true
		events = append(events, e)
	}
	in.Events = events
}

// DeliveryQueue receives deliveries that should be attempted right away.
// Enqueue reports false when the delivery was not accepted; the poll loop
// picks it up later.
type DeliveryQueue interface {
	EnqueueDelivery(id string) bool
}

// WebhookManager owns webhooks and the delivery lifecycle of the events
// fanned out to them.
type WebhookManager struct {
	store      *store.Store
	dispatcher *Dispatcher
	cfg        config.WebhookConfig
	log        *zap.Logger
	workerID   string

	mu    sync.RWMutex
	queue DeliveryQueue

	conditions sync.Map // condition source -> *vm.Program
	now        func() time.Time
}

func NewWebhookManager(s *store.Store, dispatcher *Dispatcher, cfg config.WebhookConfig, log *zap.Logger) *WebhookManager {
	if log == nil {
		log = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(cfg, log)
	}
	return &WebhookManager{
		store:      s,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.Named("webhooks"),
		workerID:   workerIdentity(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hub"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), store.GenerateUUID()[:8])
}

// SetQueue attaches the in-process queue that new and retried deliveries are
// pushed to. A nil queue leaves them to the poll loop.
func (m *WebhookManager) SetQueue(q DeliveryQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

func (m *WebhookManager) enqueue(id string) {
	m.mu.RLock()
	q := m.queue
	m.mu.RUnlock()
	if q != nil && !q.EnqueueDelivery(id) {
		m.log.Debug("delivery queue full, leaving to poller", zap.String("delivery_id", id))
	}
}

func (m *WebhookManager) validateInput(ctx context.Context, in *WebhookInput) error {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return err
	}
	if in.IntegrationID != nil {
		if _, err := m.store.GetIntegration(ctx, *in.IntegrationID); err != nil {
			return notFoundOr(err, "Integration", *in.IntegrationID)
		}
	}
	return nil
}

// Create validates and stores a webhook. Method defaults to POST, status to
// active, and a random secret is generated when none is given.
func (m *WebhookManager) Create(ctx context.Context, in WebhookInput) (*metadata.Webhook, error) {
	if err := m.validateInput(ctx, &in); err != nil {
		return nil, err
	}

	now := m.now()
	wh := &metadata.Webhook{
		IntegrationID: in.IntegrationID,
		Name:          in.Name,
		URL:           in.URL,
		Method:        in.Method,
		Headers:       in.Headers,
		Events:        in.Events,
		Secret:        in.Secret,
		Condition:     in.Condition,
		Status:        in.Status,
		RetryAttempts: m.cfg.MaxRetries,
		Timeout:       m.cfg.TimeoutSeconds,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if wh.Method == "" {
		wh.Method = "POST"
	}
	if wh.Status == "" {
		wh.Status = metadata.WebhookActive
	}
	if in.RetryAttempts != nil {
		wh.RetryAttempts = *in.RetryAttempts
	}
	if in.Timeout != nil {
		wh.Timeout = *in.Timeout
	}
	if wh.Timeout <= 0 {
		wh.Timeout = int(defaultHTTPTimeout / time.Second)
	}
	if wh.Headers == nil {
		wh.Headers = map[string]string{}
	}
	if wh.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		wh.Secret = secret
	}

	if err := m.store.InsertWebhook(ctx, wh); err != nil {
		return nil, err
	}
	m.log.Info("webhook created", zap.String("webhook_id", wh.ID), zap.Strings("events", wh.Events))
	return wh, nil
}

// Update replaces the webhook's definition. An empty secret keeps the stored
// one.
func (m *WebhookManager) Update(ctx context.Context, id string, in WebhookInput) (*metadata.Webhook, error) {
	if err := m.validateInput(ctx, &in); err != nil {
		return nil, err
	}
	wh, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	wh.IntegrationID = in.IntegrationID
	wh.Name = in.Name
	wh.URL = in.URL
	wh.Events = in.Events
	wh.Condition = in.Condition
	if in.Method != "" {
		wh.Method = in.Method
	}
	if in.Status != "" {
		wh.Status = in.Status
	}
	if in.Headers != nil {
		wh.Headers = in.Headers
	}
	if in.Secret != "" {
		wh.Secret = in.Secret
	}
	if in.RetryAttempts != nil {
		wh.RetryAttempts = *in.RetryAttempts
	}
	if in.Timeout != nil {
		wh.Timeout = *in.Timeout
	}
	wh.UpdatedAt = m.now()

	if err := m.store.UpdateWebhook(ctx, wh); err != nil {
		return nil, notFoundOr(err, "Webhook", id)
	}
	return wh, nil
}

// Delete removes the webhook together with its deliveries.
func (m *WebhookManager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteWebhook(ctx, id); err != nil {
		return notFoundOr(err, "Webhook", id)
	}
	m.log.Info("webhook deleted", zap.String("webhook_id", id))
	return nil
}

func (m *WebhookManager) Get(ctx context.Context, id string) (*metadata.Webhook, error) {
	wh, err := m.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "Webhook", id)
	}
	return wh, nil
}

func (m *WebhookManager) List(ctx context.Context, filter store.WebhookFilter) ([]metadata.Webhook, error) {
	return m.store.ListWebhooks(ctx, filter)
}

// TriggerEvent schedules one delivery for every active webhook subscribed to
// eventType whose condition holds. When integrationID is set only that
// integration's webhooks are considered. It returns the new delivery ids.
func (m *WebhookManager) TriggerEvent(ctx context.Context, eventType string, payload any, integrationID *string) ([]string, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ValidationError([]ErrorDetail{{Field: "event", Rule: "required", Message: "This field is required"}})
	}

	filter := store.WebhookFilter{Status: metadata.WebhookActive}
	if integrationID != nil {
		filter.IntegrationID = *integrationID
	}
	hooks, err := m.store.ListWebhooks(ctx, filter)
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for i := range hooks {
		wh := &hooks[i]
		if !wh.IsActive() || !wh.Subscribes(eventType) {
			continue
		}
		ok, err := m.conditionHolds(wh, eventType, payload)
		if err != nil {
			m.log.Warn("webhook condition failed, skipping",
				zap.String("webhook_id", wh.ID), zap.String("condition", wh.Condition), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		id, err := m.schedule(ctx, wh, eventType, payload)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	m.log.Info("event triggered", zap.String("event", eventType), zap.Int("deliveries", len(ids)))
	return ids, nil
}

// conditionHolds evaluates the webhook's expression against
// {event, data}. An empty condition always holds.
func (m *WebhookManager) conditionHolds(wh *metadata.Webhook, eventType string, payload any) (bool, error) {
	if wh.Condition == "" {
		return true, nil
	}
	if wh.CompiledCondition == nil {
		prog, err := m.compileCondition(wh.Condition)
		if err != nil {
			return false, err
		}
		wh.CompiledCondition = prog
	}

	env := map[string]any{"event": eventType, "data": normalizePayload(payload)}
	out, err := expr.Run(wh.CompiledCondition, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, not bool", out)
	}
	return b, nil
}

func (m *WebhookManager) compileCondition(src string) (*vm.Program, error) {
	if p, ok := m.conditions.Load(src); ok {
		return p.(*vm.Program), nil
	}
	prog, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	m.conditions.Store(src, prog)
	return prog, nil
}

// normalizePayload turns structs into generic maps so conditions can address
// fields by their JSON names.
func normalizePayload(payload any) any {
	switch payload.(type) {
	case nil, map[string]any, []any, string, bool, float64, int, int64:
		return payload
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return payload
	}
	return out
}

// ScheduleDelivery stores one delivery of eventType for the webhook and
// queues it for immediate processing.
func (m *WebhookManager) ScheduleDelivery(ctx context.Context, webhookID, eventType string, payload any) (string, error) {
	wh, err := m.Get(ctx, webhookID)
	if err != nil {
		return "", err
	}
	return m.schedule(ctx, wh, eventType, payload)
}

func (m *WebhookManager) schedule(ctx context.Context, wh *metadata.Webhook, eventType string, payload any) (string, error) {
	now := m.now()
	body, err := json.Marshal(metadata.EventEnvelope{
		Event:     eventType,
		Timestamp: now.Format(time.RFC3339),
		Data:      payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode event payload: %w", err)
	}

	d := &metadata.WebhookDelivery{
		WebhookID: wh.ID,
		EventType: eventType,
		Payload:   body,
		CreatedAt: now,
	}
	if err := m.store.InsertDelivery(ctx, d); err != nil {
		return "", err
	}
	metrics.DeliveriesScheduled.Inc()
	m.enqueue(d.ID)
	return d.ID, nil
}

// ProcessDelivery makes one HTTP attempt for the delivery if it is due. It
// reports whether the delivery is delivered afterwards. HTTP failures are
// recorded on the delivery, not returned; the error is reserved for storage
// problems and unknown ids.
func (m *WebhookManager) ProcessDelivery(ctx context.Context, id string) (bool, error) {
	d, err := m.store.GetDelivery(ctx, id)
	if err != nil {
		return false, notFoundOr(err, "Delivery", id)
	}
	if d.IsDelivered() {
		return true, nil
	}
	wh, err := m.Get(ctx, d.WebhookID)
	if err != nil {
		return false, err
	}

	maxAttempts := wh.MaxAttempts()
	now := m.now()
	if d.AttemptCount >= maxAttempts {
		return false, nil
	}
	if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
		return false, nil
	}

	lease := now.Add(wh.TimeoutDuration() + time.Minute)
	claimed, err := m.store.ClaimDelivery(ctx, id, m.workerID, now, lease, maxAttempts)
	if err != nil {
		return false, err
	}
	if !claimed {
		// someone else holds it or finished it
		cur, err := m.store.GetDelivery(ctx, id)
		if err != nil {
			return false, notFoundOr(err, "Delivery", id)
		}
		return cur.IsDelivered(), nil
	}
	attempt := d.AttemptCount + 1

	start := time.Now()
	res := m.dispatcher.Dispatch(ctx, wh, d.Payload)
	elapsed := time.Since(start).Seconds()

	// the outcome must be written even if the caller has gone away
	writeCtx := context.WithoutCancel(ctx)
	log := m.log.With(zap.String("delivery_id", id), zap.String("webhook_id", wh.ID), zap.Int("attempt", attempt))

	if res.Succeeded() {
		err := m.store.RecordDeliverySuccess(writeCtx, id, res.StatusCode, res.ResponseBody, m.now())
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return false, err
		}
		metrics.DeliveryAttempts.WithLabelValues(metadata.DeliveryDelivered).Inc()
		metrics.DeliveryDuration.WithLabelValues(metadata.DeliveryDelivered).Observe(elapsed)
		log.Info("webhook delivered", zap.Int("status", res.StatusCode))
		return true, nil
	}

	var status *int
	if res.StatusCode != 0 {
		code := res.StatusCode
		status = &code
	}
	body := res.ResponseBody
	if res.Error != "" {
		body = res.Error
	}

	outcome := metadata.DeliveryExhausted
	var next *time.Time
	if attempt < wh.RetryAttempts {
		t := m.now().Add(backoff(attempt))
		next = &t
		outcome = metadata.DeliveryRetryPending
	}
	if err := m.store.RecordDeliveryFailure(writeCtx, id, status, body, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return true, nil
		}
		return false, err
	}

	metrics.DeliveryAttempts.WithLabelValues(outcome).Inc()
	metrics.DeliveryDuration.WithLabelValues(outcome).Observe(elapsed)
	if next != nil {
		log.Warn("webhook delivery failed, retry scheduled",
			zap.Int("status", res.StatusCode), zap.String("error", res.Error), zap.Time("next_retry_at", *next))
	} else {
		log.Error("webhook delivery exhausted",
			zap.Int("status", res.StatusCode), zap.String("error", res.Error))
	}
	return false, nil
}

// backoff is 2^attempt minutes.
func backoff(attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return time.Duration(1<<uint(attempt)) * time.Minute
}

// ProcessDueQueue attempts every due delivery, oldest first, up to limit. It
// returns how many were delivered.
func (m *WebhookManager) ProcessDueQueue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	due, err := m.store.ListDueDeliveries(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := m.ProcessDelivery(ctx, d.ID)
		if err != nil {
			m.log.Error("process delivery", zap.String("delivery_id", d.ID), zap.Error(err))
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

// DeliveryHistory returns the newest deliveries of a webhook.
func (m *WebhookManager) DeliveryHistory(ctx context.Context, webhookID string, limit int) ([]metadata.WebhookDelivery, error) {
	if _, err := m.Get(ctx, webhookID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return m.store.ListDeliveries(ctx, webhookID, limit)
}

// RetryDelivery gives an undelivered delivery a fresh attempt budget and
// queues it.
func (m *WebhookManager) RetryDelivery(ctx context.Context, id string) error {
	err := m.store.ResetDelivery(ctx, id)
	if errors.Is(err, store.ErrConflict) {
		if _, gerr := m.store.GetDelivery(ctx, id); gerr != nil {
			return notFoundOr(gerr, "Delivery", id)
		}
		return InvalidStateError("Delivery has already been delivered")
	}
	if err != nil {
		return err
	}
	m.enqueue(id)
	return nil
}

// CleanupOldDeliveries removes delivered and exhausted deliveries older than
// days.
func (m *WebhookManager) CleanupOldDeliveries(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, ValidationError([]ErrorDetail{{Field: "days", Rule: "gt", Message: "Must be greater than 0"}})
	}
	n, err := m.store.DeleteFinishedDeliveriesBefore(ctx, m.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	metrics.CleanupDeleted.WithLabelValues("webhook_deliveries").Add(float64(n))
	return n, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
