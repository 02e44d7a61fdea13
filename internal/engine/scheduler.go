package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"integration-hub/internal/config"
	"integration-hub/internal/metrics"
)

// WorkerConfig controls the background delivery and sync worker.
type WorkerConfig struct {
	BatchSize             int
	PollInterval          time.Duration
	QueueSize             int
	CleanupInterval       time.Duration
	DeliveryRetentionDays int
	JobRetentionDays      int
}

func WorkerConfigFrom(cfg *config.Config) WorkerConfig {
	return WorkerConfig{
		BatchSize:             cfg.Webhook.BatchSize,
		PollInterval:          cfg.Webhook.PollInterval(),
		QueueSize:             cfg.Webhook.QueueSize,
		CleanupInterval:       time.Hour,
		DeliveryRetentionDays: cfg.Webhook.RetentionDays,
		JobRetentionDays:      cfg.Sync.RetentionDays,
	}
}

// SyncRequest asks the worker to run a sync job in the background.
type SyncRequest struct {
	IntegrationID string
	JobType       string
	Options       map[string]any
}

// Worker drains due webhook deliveries on an interval, runs queued
// deliveries and sync jobs as soon as they arrive, and prunes finished rows.
type Worker struct {
	webhooks     *WebhookManager
	integrations *IntegrationManager
	cfg          WorkerConfig
	log          *zap.Logger

	deliveries chan string
	syncs      chan SyncRequest

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(webhooks *WebhookManager, integrations *IntegrationManager, cfg WorkerConfig, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Worker{
		webhooks:     webhooks,
		integrations: integrations,
		cfg:          cfg,
		log:          log.Named("worker"),
		deliveries:   make(chan string, cfg.QueueSize),
		syncs:        make(chan SyncRequest, cfg.QueueSize),
	}
}

// EnqueueDelivery queues a delivery for immediate processing without
// blocking. It reports false when the queue is full.
func (w *Worker) EnqueueDelivery(id string) bool {
	select {
	case w.deliveries <- id:
		metrics.QueueDepth.Inc()
		return true
	default:
		return false
	}
}

// EnqueueSync queues a sync job without blocking. It reports false when the
// queue is full.
func (w *Worker) EnqueueSync(req SyncRequest) bool {
	select {
	case w.syncs <- req:
		metrics.QueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Start launches the worker loops and attaches the worker as the webhook
// manager's delivery queue.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.webhooks.SetQueue(w)

	w.wg.Add(2)
	go w.pollLoop(ctx)
	go w.queueLoop(ctx)
	if w.cfg.CleanupInterval > 0 {
		w.wg.Add(1)
		go w.cleanupLoop(ctx)
	}

	w.log.Info("worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("queue_size", w.cfg.QueueSize))
	return nil
}

// Stop cancels the loops and waits for in-flight work, or for ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	w.webhooks.SetQueue(nil)
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of due deliveries.
func (w *Worker) RunOnce(ctx context.Context) int {
	delivered, err := w.webhooks.ProcessDueQueue(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Error("process due deliveries", zap.Error(err))
		return 0
	}
	if delivered > 0 {
		w.log.Debug("due deliveries processed", zap.Int("delivered", delivered))
	}
	return delivered
}

func (w *Worker) queueLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.deliveries:
			metrics.QueueDepth.Dec()
			if _, err := w.webhooks.ProcessDelivery(ctx, id); err != nil {
				w.log.Error("process queued delivery", zap.String("delivery_id", id), zap.Error(err))
			}
		case req := <-w.syncs:
			metrics.QueueDepth.Dec()
			w.runSync(ctx, req)
		}
	}
}

func (w *Worker) runSync(ctx context.Context, req SyncRequest) {
	if w.integrations == nil {
		w.log.Warn("sync request dropped, no integration manager", zap.String("integration_id", req.IntegrationID))
		return
	}
	jobID, err := w.integrations.RunSyncJob(ctx, req.IntegrationID, req.JobType, req.Options)
	if err != nil {
		w.log.Warn("queued sync job failed",
			zap.String("integration_id", req.IntegrationID),
			zap.String("job_type", req.JobType),
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

func (w *Worker) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Cleanup(ctx)
		}
	}
}

// Cleanup removes finished deliveries and sync jobs past their retention.
// A retention of zero days disables that half.
func (w *Worker) Cleanup(ctx context.Context) (deliveries, jobs int64) {
	if w.cfg.DeliveryRetentionDays > 0 {
		n, err := w.webhooks.CleanupOldDeliveries(ctx, w.cfg.DeliveryRetentionDays)
		if err != nil {
			w.log.Error("cleanup deliveries", zap.Error(err))
		}
		deliveries = n
	}
	if w.cfg.JobRetentionDays > 0 && w.integrations != nil {
		n, err := w.integrations.CleanupOldJobs(ctx, w.cfg.JobRetentionDays)
		if err != nil {
			w.log.Error("cleanup sync jobs", zap.Error(err))
		}
		jobs = n
	}
	if deliveries > 0 || jobs > 0 {
		w.log.Info("retention cleanup", zap.Int64("deliveries", deliveries), zap.Int64("sync_jobs", jobs))
	}
	return deliveries, jobs
}
