package admin

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"integration-hub/internal/connector"
	"integration-hub/internal/engine"
	"integration-hub/internal/logger"
	"integration-hub/internal/metadata"
	"integration-hub/internal/store"
)

// SyncQueue accepts sync jobs to run in the background.
type SyncQueue interface {
	EnqueueSync(req engine.SyncRequest) bool
}

// Retention holds the default cleanup windows in days.
type Retention struct {
	DeliveryDays int
	JobDays      int
}

type Handler struct {
	integrations *engine.IntegrationManager
	webhooks     *engine.WebhookManager
	connectors   *connector.Registry
	syncs        SyncQueue
	retention    Retention
}

func NewHandler(integrations *engine.IntegrationManager, webhooks *engine.WebhookManager, connectors *connector.Registry,
	syncs SyncQueue, retention Retention) *Handler {
	return &Handler{
		integrations: integrations,
		webhooks:     webhooks,
		connectors:   connectors,
		syncs:        syncs,
		retention:    retention,
	}
}

// requestLog is the trace-scoped logger the request middleware installed.
func requestLog(c *fiber.Ctx) *zap.Logger {
	return logger.FromContext(c.UserContext()).Named("admin")
}

// RegisterAdminRoutes mounts the hub API. Every route needs operatorMW;
// routes that change or run something additionally need manageMW.
func RegisterAdminRoutes(app *fiber.App, h *Handler, operatorMW, manageMW fiber.Handler) {
	hub := app.Group("/api/hub", operatorMW)

	hub.Get("/connectors", h.ListConnectors)

	hub.Get("/integrations", h.ListIntegrations)
	hub.Get("/integrations/:id", h.GetIntegration)
	hub.Post("/integrations", manageMW, h.CreateIntegration)
	hub.Put("/integrations/:id", manageMW, h.UpdateIntegration)
	hub.Delete("/integrations/:id", manageMW, h.DeleteIntegration)
	hub.Post("/integrations/:id/test", manageMW, h.TestIntegration)
	hub.Post("/integrations/:id/sync", manageMW, h.RunSync)
	hub.Get("/integrations/:id/jobs", h.ListJobs)
	hub.Get("/jobs/:id", h.GetJob)

	hub.Get("/integrations/:id/mappings", h.ListMappings)
	hub.Put("/integrations/:id/mappings", manageMW, h.SaveMapping)
	hub.Delete("/integrations/:id/mappings/:source", manageMW, h.DeleteMapping)
	hub.Post("/integrations/:id/transform", h.Transform)

	hub.Get("/webhooks", h.ListWebhooks)
	hub.Get("/webhooks/:id", h.GetWebhook)
	hub.Post("/webhooks", manageMW, h.CreateWebhook)
	hub.Put("/webhooks/:id", manageMW, h.UpdateWebhook)
	hub.Delete("/webhooks/:id", manageMW, h.DeleteWebhook)
	hub.Get("/webhooks/:id/deliveries", h.ListDeliveries)
	hub.Post("/deliveries/:id/retry", manageMW, h.RetryDelivery)

	hub.Post("/events", manageMW, h.TriggerEvent)
	hub.Post("/cleanup", manageMW, h.Cleanup)
}

func invalidPayload() error {
	return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
}

func (h *Handler) ListConnectors(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.connectors.Types()})
}

// --- Integration Endpoints ---

func (h *Handler) ListIntegrations(c *fiber.Ctx) error {
	list, err := h.integrations.List(c.UserContext(), metadata.IntegrationFilter{
		Type:   c.Query("type"),
		Status: c.Query("status"),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": list})
}

func (h *Handler) GetIntegration(c *fiber.Ctx) error {
	in, err := h.integrations.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": in})
}

func (h *Handler) CreateIntegration(c *fiber.Ctx) error {
	var body engine.IntegrationInput
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	in, err := h.integrations.Create(c.UserContext(), body)
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": in})
}

func (h *Handler) UpdateIntegration(c *fiber.Ctx) error {
	var body engine.IntegrationInput
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	in, err := h.integrations.Update(c.UserContext(), c.Params("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": in})
}

func (h *Handler) DeleteIntegration(c *fiber.Ctx) error {
	if err := h.integrations.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": c.Params("id"), "deleted": true}})
}

func (h *Handler) TestIntegration(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.integrations.Test(c.UserContext(), c.Params("id"))})
}

// RunSync runs a sync job inline, or queues it with ?async=true.
func (h *Handler) RunSync(c *fiber.Ctx) error {
	var body struct {
		JobType string         `json:"job_type"`
		Options map[string]any `json:"options"`
	}
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	id := c.Params("id")

	if c.QueryBool("async") {
		if h.syncs == nil || !h.syncs.EnqueueSync(engine.SyncRequest{IntegrationID: id, JobType: body.JobType, Options: body.Options}) {
			return engine.NewAppError("QUEUE_UNAVAILABLE", 503, "Sync queue is not accepting jobs")
		}
		requestLog(c).Info("sync queued", zap.String("integration_id", id), zap.String("job_type", body.JobType))
		return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"queued": true, "integration_id": id, "job_type": body.JobType}})
	}

	jobID, err := h.integrations.RunSyncJob(c.UserContext(), id, body.JobType, body.Options)
	if err != nil {
		if appErr, ok := engine.AsAppError(err); ok && appErr.Code == "CONNECTOR_ERROR" && jobID != "" {
			return c.Status(appErr.Status).JSON(fiber.Map{"error": appErr, "data": fiber.Map{"job_id": jobID}})
		}
		return err
	}
	job, err := h.integrations.JobStatus(c.UserContext(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": job})
}

func (h *Handler) ListJobs(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.integrations.Get(c.UserContext(), id); err != nil {
		return err
	}
	jobs, err := h.integrations.JobsFor(c.UserContext(), id, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": jobs})
}

func (h *Handler) GetJob(c *fiber.Ctx) error {
	job, err := h.integrations.JobStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": job})
}

// --- Mapping Endpoints ---

func (h *Handler) ListMappings(c *fiber.Ctx) error {
	rules, err := h.integrations.MappingRules(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rules})
}

func (h *Handler) SaveMapping(c *fiber.Ctx) error {
	var body engine.MappingRuleInput
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	rule, err := h.integrations.SaveMappingRule(c.UserContext(), c.Params("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rule})
}

func (h *Handler) DeleteMapping(c *fiber.Ctx) error {
	if err := h.integrations.DeleteMappingRule(c.UserContext(), c.Params("id"), c.Params("source")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"source_field": c.Params("source"), "deleted": true}})
}

// Transform previews the integration's mapping rules against one record.
func (h *Handler) Transform(c *fiber.Ctx) error {
	var record map[string]any
	if err := c.BodyParser(&record); err != nil {
		return invalidPayload()
	}
	out, err := h.integrations.TransformRecord(c.UserContext(), c.Params("id"), record)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": out})
}

// --- Webhook Endpoints ---

func (h *Handler) ListWebhooks(c *fiber.Ctx) error {
	list, err := h.webhooks.List(c.UserContext(), store.WebhookFilter{
		IntegrationID: c.Query("integration_id"),
		Status:        c.Query("status"),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": list})
}

func (h *Handler) GetWebhook(c *fiber.Ctx) error {
	wh, err := h.webhooks.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": wh})
}

func (h *Handler) CreateWebhook(c *fiber.Ctx) error {
	var body engine.WebhookInput
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	wh, err := h.webhooks.Create(c.UserContext(), body)
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": wh})
}

func (h *Handler) UpdateWebhook(c *fiber.Ctx) error {
	var body engine.WebhookInput
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	wh, err := h.webhooks.Update(c.UserContext(), c.Params("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": wh})
}

func (h *Handler) DeleteWebhook(c *fiber.Ctx) error {
	if err := h.webhooks.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": c.Params("id"), "deleted": true}})
}

func (h *Handler) ListDeliveries(c *fiber.Ctx) error {
	list, err := h.webhooks.DeliveryHistory(c.UserContext(), c.Params("id"), c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": list})
}

func (h *Handler) RetryDelivery(c *fiber.Ctx) error {
	if err := h.webhooks.RetryDelivery(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	requestLog(c).Info("delivery requeued", zap.String("delivery_id", c.Params("id")))
	return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"id": c.Params("id"), "queued": true}})
}

// TriggerEvent fans an event out to subscribed webhooks.
func (h *Handler) TriggerEvent(c *fiber.Ctx) error {
	var body struct {
		Event         string  `json:"event"`
		Data          any     `json:"data"`
		IntegrationID *string `json:"integration_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload()
	}
	ids, err := h.webhooks.TriggerEvent(c.UserContext(), body.Event, body.Data, body.IntegrationID)
	if err != nil {
		return err
	}
	requestLog(c).Info("event triggered", zap.String("event", body.Event), zap.Int("deliveries", len(ids)))
	return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"event": body.Event, "delivery_ids": ids}})
}

// Cleanup prunes finished deliveries and sync jobs. Body fields override
// the configured retention.
func (h *Handler) Cleanup(c *fiber.Ctx) error {
	body := struct {
		DeliveryDays int `json:"delivery_days"`
		JobDays      int `json:"job_days"`
	}{DeliveryDays: h.retention.DeliveryDays, JobDays: h.retention.JobDays}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return invalidPayload()
		}
	}

	deliveries, err := h.webhooks.CleanupOldDeliveries(c.UserContext(), body.DeliveryDays)
	if err != nil {
		return err
	}
	jobs, err := h.integrations.CleanupOldJobs(c.UserContext(), body.JobDays)
	if err != nil {
		return err
	}
	requestLog(c).Info("manual cleanup", zap.Int64("deliveries", deliveries), zap.Int64("sync_jobs", jobs))
	return c.JSON(fiber.Map{"data": fiber.Map{"deliveries": deliveries, "sync_jobs": jobs}})
}
