package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"integration-hub/internal/cache"
	"integration-hub/internal/config"
	"integration-hub/internal/connector"
	"integration-hub/internal/metadata"
	"integration-hub/internal/metrics"
	"integration-hub/internal/store"
	"integration-hub/internal/transform"
)

const defaultJobsLimit = 50

// IntegrationInput is the writable part of an Integration.
type IntegrationInput struct {
	Name   string         `json:"name" validate:"required,max=255"`
	Type   string         `json:"type" validate:"required,oneof=import export sync webhook"`
	Status string         `json:"status" validate:"omitempty,oneof=active inactive error"`
	Config map[string]any `json:"config"`
}

// MappingRuleInput defines or replaces the rule for one source field.
type MappingRuleInput struct {
	SourceField string          `json:"source_field" validate:"required,max=255"`
	TargetField string          `json:"target_field" validate:"required,max=255"`
	Rule        json.RawMessage `json:"transformation_rule"`
}

// IntegrationManager owns integrations, their mapping rules and the sync
// jobs run against them.
type IntegrationManager struct {
	store       *store.Store
	connectors  *connector.Registry
	transformer *transform.Engine
	lists       cache.ListCache
	locks       cache.Locker
	log         *zap.Logger

	// listGen counts invalidations; a List whose read raced one skips the
	// cache write.
	listMu  sync.Mutex
	listGen uint64

	syncTimeout time.Duration
	lockTTL     time.Duration
	now         func() time.Time
}

func NewIntegrationManager(s *store.Store, connectors *connector.Registry, lists cache.ListCache, locks cache.Locker,
	cfg config.SyncConfig, log *zap.Logger) *IntegrationManager {
	if log == nil {
		log = zap.NewNop()
	}
	if lists == nil {
		lists = cache.NewMemoryListCache(time.Hour)
	}
	if locks == nil {
		locks = cache.NewMemoryLocker()
	}
	m := &IntegrationManager{
		store:       s,
		connectors:  connectors,
		transformer: transform.NewEngine(s, log),
		lists:       lists,
		locks:       locks,
		log:         log.Named("integrations"),
		syncTimeout: cfg.Timeout(),
		lockTTL:     cfg.LockTTL(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if m.syncTimeout <= 0 {
		m.syncTimeout = 5 * time.Minute
	}
	if m.lockTTL < m.syncTimeout {
		m.lockTTL = m.syncTimeout + time.Minute
	}
	return m
}

func (in *IntegrationInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	in.Status = strings.ToLower(strings.TrimSpace(in.Status))
}

func (m *IntegrationManager) validateInput(in *IntegrationInput) error {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return err
	}
	if !m.connectors.Has(in.Type) {
		return ConnectorNotFoundError(in.Type, connector.ErrConnectorNotFound)
	}
	return nil
}

// Create validates and stores a new integration. Status defaults to inactive.
func (m *IntegrationManager) Create(ctx context.Context, in IntegrationInput) (*metadata.Integration, error) {
	if err := m.validateInput(&in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = metadata.IntegrationInactive
	}
	now := m.now()
	integration := &metadata.Integration{
		Name:      in.Name,
		Type:      in.Type,
		Status:    in.Status,
		Config:    in.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if integration.Config == nil {
		integration.Config = map[string]any{}
	}
	if err := m.store.InsertIntegration(ctx, integration); err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	m.log.Info("integration created",
		zap.String("integration_id", integration.ID),
		zap.String("type", integration.Type),
		zap.String("status", integration.Status))
	return integration, nil
}

// Update replaces name, type, status and config. An omitted status or config
// keeps the stored value.
func (m *IntegrationManager) Update(ctx context.Context, id string, in IntegrationInput) (*metadata.Integration, error) {
	if err := m.validateInput(&in); err != nil {
		return nil, err
	}
	integration, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	integration.Name = in.Name
	integration.Type = in.Type
	if in.Status != "" {
		integration.Status = in.Status
	}
	if in.Config != nil {
		integration.Config = in.Config
	}
	integration.UpdatedAt = m.now()

	if err := m.store.UpdateIntegration(ctx, integration); err != nil {
		return nil, notFoundOr(err, "Integration", id)
	}
	m.invalidate(ctx)
	return integration, nil
}

// Delete removes the integration with its sync jobs and mapping rules.
func (m *IntegrationManager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteIntegration(ctx, id); err != nil {
		return notFoundOr(err, "Integration", id)
	}
	m.invalidate(ctx)
	m.log.Info("integration deleted", zap.String("integration_id", id))
	return nil
}

func (m *IntegrationManager) Get(ctx context.Context, id string) (*metadata.Integration, error) {
	integration, err := m.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "Integration", id)
	}
	return integration, nil
}

// List returns integrations ordered by name, served from the list cache
// when possible.
func (m *IntegrationManager) List(ctx context.Context, filter metadata.IntegrationFilter) ([]metadata.Integration, error) {
	key := filter.CacheKey()
	gen := m.listGeneration()
	if raw, ok, err := m.lists.Get(ctx, key); err != nil {
		m.log.Warn("integration list cache read failed", zap.Error(err))
	} else if ok {
		var cached []metadata.Integration
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	list, err := m.store.ListIntegrations(ctx, filter)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(list); err == nil {
		m.listMu.Lock()
		if m.listGen == gen {
			if err := m.lists.Set(ctx, key, raw); err != nil {
				m.log.Warn("integration list cache write failed", zap.Error(err))
			}
		}
		m.listMu.Unlock()
	}
	return list, nil
}

func (m *IntegrationManager) listGeneration() uint64 {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	return m.listGen
}

func (m *IntegrationManager) invalidate(ctx context.Context) {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	m.listGen++
	if err := m.lists.Invalidate(ctx); err != nil {
		m.log.Warn("integration list cache invalidation failed", zap.Error(err))
	}
}

// Test asks the integration's connector to check connectivity. It never
// changes state and never fails: every problem is reported in the result.
func (m *IntegrationManager) Test(ctx context.Context, id string) connector.TestResult {
	integration, err := m.store.GetIntegration(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return connector.TestResult{Success: false, Error: "integration not found"}
	}
	if err != nil {
		return connector.TestResult{Success: false, Error: err.Error()}
	}
	conn, err := m.connectors.Resolve(integration.Type)
	if err != nil {
		return connector.TestResult{Success: false, Error: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()

	res, err := safeTestConnection(runCtx, conn, integration.Config)
	if err != nil {
		m.log.Warn("connection test failed", zap.String("integration_id", id), zap.Error(err))
		return connector.TestResult{Success: false, Error: err.Error()}
	}
	return res
}

// RunSyncJob records and executes one sync of jobType. The job row is
// written before the connector is called so an interrupted run stays
// visible as running. Connector failures mark the job failed and are
// returned as CONNECTOR_ERROR together with the job id.
func (m *IntegrationManager) RunSyncJob(ctx context.Context, integrationID, jobType string, options map[string]any) (string, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return "", ValidationError([]ErrorDetail{{Field: "job_type", Rule: "required", Message: "This field is required"}})
	}

	integration, err := m.store.GetIntegration(ctx, integrationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", InvalidStateError(fmt.Sprintf("Integration %s does not exist", integrationID))
	}
	if err != nil {
		return "", err
	}
	if !integration.IsActive() {
		return "", InvalidStateError(fmt.Sprintf("Integration %s is %s, sync requires active", integrationID, integration.Status))
	}
	conn, err := m.connectors.Resolve(integration.Type)
	if err != nil {
		return "", ConnectorNotFoundError(integration.Type, err)
	}

	release, ok, err := m.locks.TryLock(ctx, syncLockKey(integrationID, jobType), m.lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return "", InvalidStateError(fmt.Sprintf("Sync job %s is already running for integration %s", jobType, integrationID))
	}
	defer release()

	job := &metadata.SyncJob{
		IntegrationID: integrationID,
		JobType:       jobType,
		Options:       options,
		StartedAt:     m.now(),
	}
	if err := m.store.InsertSyncJob(ctx, job); err != nil {
		return "", err
	}
	log := m.log.With(
		zap.String("integration_id", integrationID),
		zap.String("job_id", job.ID),
		zap.String("job_type", jobType))

	// the terminal write must land even if the caller went away
	writeCtx := context.WithoutCancel(ctx)
	if err := m.store.MarkSyncJobRunning(ctx, job.ID); err != nil {
		if ferr := m.store.FailSyncJob(writeCtx, job.ID, "start sync job: "+err.Error(), m.now()); ferr != nil {
			log.Error("failed to record sync failure", zap.Error(ferr))
		}
		metrics.SyncJobs.WithLabelValues(integration.Type, metadata.SyncFailed).Inc()
		return job.ID, fmt.Errorf("start sync job: %w", err)
	}
	log.Info("sync job started")

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	result, runErr := safeExecuteSync(runCtx, conn, jobType, integration.Config, options)
	cancel()
	elapsed := time.Since(start).Seconds()

	if runErr != nil {
		if err := m.store.FailSyncJob(writeCtx, job.ID, runErr.Error(), m.now()); err != nil {
			log.Error("failed to record sync failure", zap.Error(err))
		}
		metrics.SyncJobs.WithLabelValues(integration.Type, metadata.SyncFailed).Inc()
		metrics.SyncJobDuration.WithLabelValues(integration.Type, metadata.SyncFailed).Observe(elapsed)
		log.Warn("sync job failed", zap.Error(runErr))
		return job.ID, ConnectorError(runErr)
	}

	if err := m.store.CompleteSyncJob(writeCtx, job.ID, result.TotalRecords, m.now()); err != nil {
		return job.ID, fmt.Errorf("complete sync job: %w", err)
	}
	metrics.SyncJobs.WithLabelValues(integration.Type, metadata.SyncCompleted).Inc()
	metrics.SyncJobDuration.WithLabelValues(integration.Type, metadata.SyncCompleted).Observe(elapsed)
	log.Info("sync job completed", zap.Int("total_records", result.TotalRecords))
	return job.ID, nil
}

func syncLockKey(integrationID, jobType string) string {
	return "sync:" + integrationID + ":" + jobType
}

func safeTestConnection(ctx context.Context, c connector.Connector, cfg map[string]any) (res connector.TestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panic: %v", r)
		}
	}()
	return c.TestConnection(ctx, cfg)
}

func safeExecuteSync(ctx context.Context, c connector.Connector, jobType string, cfg, options map[string]any) (res connector.SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panic: %v", r)
		}
	}()
	return c.ExecuteSync(ctx, jobType, cfg, options)
}

func (m *IntegrationManager) JobStatus(ctx context.Context, jobID string) (*metadata.SyncJob, error) {
	job, err := m.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return nil, notFoundOr(err, "Sync job", jobID)
	}
	return job, nil
}

// JobsFor lists the newest jobs of an integration first.
func (m *IntegrationManager) JobsFor(ctx context.Context, integrationID string, limit int) ([]metadata.SyncJob, error) {
	if limit <= 0 {
		limit = defaultJobsLimit
	}
	return m.store.ListSyncJobs(ctx, integrationID, limit)
}

// CleanupOldJobs deletes completed and failed jobs older than days.
func (m *IntegrationManager) CleanupOldJobs(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, ValidationError([]ErrorDetail{{Field: "days", Rule: "gt", Message: "Must be greater than 0"}})
	}
	n, err := m.store.DeleteFinishedSyncJobsBefore(ctx, m.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	metrics.CleanupDeleted.WithLabelValues("sync_jobs").Add(float64(n))
	return n, nil
}

// SaveMappingRule creates or replaces the rule for in.SourceField.
func (m *IntegrationManager) SaveMappingRule(ctx context.Context, integrationID string, in MappingRuleInput) (*metadata.MappingRule, error) {
	in.SourceField = strings.TrimSpace(in.SourceField)
	in.TargetField = strings.TrimSpace(in.TargetField)
	if err := validateStruct(&in); err != nil {
		return nil, err
	}
	parsed, err := transform.ParseRule(in.Rule)
	if err != nil {
		return nil, ValidationError([]ErrorDetail{{Field: "transformation_rule", Rule: "rule", Message: err.Error()}})
	}
	// stored in canonical form, unknown keys dropped
	encoded, err := transform.MarshalRule(parsed)
	if err != nil {
		return nil, fmt.Errorf("encode mapping rule: %w", err)
	}
	if _, err := m.Get(ctx, integrationID); err != nil {
		return nil, err
	}

	now := m.now()
	rule := &metadata.MappingRule{
		IntegrationID: integrationID,
		SourceField:   in.SourceField,
		TargetField:   in.TargetField,
		Rule:          encoded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.SaveMappingRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (m *IntegrationManager) MappingRules(ctx context.Context, integrationID string) ([]metadata.MappingRule, error) {
	if _, err := m.Get(ctx, integrationID); err != nil {
		return nil, err
	}
	return m.store.ListMappingRules(ctx, integrationID)
}

func (m *IntegrationManager) DeleteMappingRule(ctx context.Context, integrationID, sourceField string) error {
	if err := m.store.DeleteMappingRule(ctx, integrationID, sourceField); err != nil {
		return notFoundOr(err, "Mapping rule", integrationID+"/"+sourceField)
	}
	return nil
}

// TransformRecord reshapes record with the integration's mapping rules.
func (m *IntegrationManager) TransformRecord(ctx context.Context, integrationID string, record map[string]any) (map[string]any, error) {
	if _, err := m.Get(ctx, integrationID); err != nil {
		return nil, err
	}
	return m.transformer.TransformRecord(ctx, integrationID, record)
}

func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return NotFoundError(entity, id)
	}
	return err
}
