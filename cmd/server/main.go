package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"integration-hub/internal/admin"
	"integration-hub/internal/auth"
	"integration-hub/internal/cache"
	"integration-hub/internal/config"
	"integration-hub/internal/connector"
	"integration-hub/internal/engine"
	"integration-hub/internal/instrument"
	"integration-hub/internal/logger"
	"integration-hub/internal/metadata"
	"integration-hub/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hub",
		Short: "Integration hub: connectors, sync jobs, mapping rules and webhooks",
	}
	root.AddCommand(serveCommand(), workerCommand(), cleanupCommand(), tokenCommand())
	return root
}

// hub holds the wired components shared by every command.
type hub struct {
	cfg          *config.Config
	log          *zap.Logger
	store        *store.Store
	cache        *cache.Backend
	connectors   *connector.Registry
	integrations *engine.IntegrationManager
	webhooks     *engine.WebhookManager
}

func openHub(ctx context.Context) (*hub, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)
	log.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.Name),
		zap.Bool("redis", cfg.Redis.Enabled))

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Bootstrap(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap tables: %w", err)
	}

	backend, err := cache.Open(ctx, cfg.Redis, cfg.Cache.TTL(), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := connector.NewRegistry()
	rest := connector.NewRESTConnector(log)
	for _, t := range []string{metadata.IntegrationImport, metadata.IntegrationExport, metadata.IntegrationSync} {
		registry.Register(t, rest)
	}
	registry.Register(metadata.IntegrationWebhook, connector.WebhookConnector{})

	return &hub{
		cfg:          cfg,
		log:          log,
		store:        db,
		cache:        backend,
		connectors:   registry,
		integrations: engine.NewIntegrationManager(db, registry, backend.Lists, backend.Locks, cfg.Sync, log),
		webhooks:     engine.NewWebhookManager(db, engine.NewDispatcher(cfg.Webhook, log), cfg.Webhook, log),
	}, nil
}

func (h *hub) Close() {
	if err := h.cache.Close(); err != nil {
		h.log.Warn("close cache", zap.Error(err))
	}
	h.store.Close()
	_ = h.log.Sync()
}

func (h *hub) newWorker() *engine.Worker {
	return engine.NewWorker(h.webhooks, h.integrations, engine.WorkerConfigFrom(h.cfg), h.log)
}

func stopWorker(w *engine.Worker, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		log.Warn("worker did not stop cleanly", zap.Error(err))
	}
}

func serveCommand() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API (and the background worker unless --no-worker)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			h, err := openHub(ctx)
			if err != nil {
				return err
			}
			defer h.Close()
			cmd.SilenceUsage = true

			var syncs admin.SyncQueue
			if !noWorker {
				w := h.newWorker()
				if err := w.Start(ctx); err != nil {
					return err
				}
				defer stopWorker(w, h.log)
				syncs = w
			}

			app := newApp(h, syncs)
			go func() {
				<-ctx.Done()
				_ = app.ShutdownWithTimeout(10 * time.Second)
			}()

			addr := fmt.Sprintf(":%d", h.cfg.Server.Port)
			h.log.Info("starting server", zap.String("addr", addr))
			return app.Listen(addr)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not process deliveries and sync jobs in this process")
	return cmd
}

func newApp(h *hub, syncs admin.SyncQueue) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler(h.log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(instrument.Middleware(h.log))

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := h.store.DB.PingContext(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// auth routes come before the middleware: no token required
	auth.RegisterAuthRoutes(app, auth.NewAuthHandler(h.store, h.cfg.Auth.JWTSecret, h.log))

	retention := admin.Retention{DeliveryDays: h.cfg.Webhook.RetentionDays, JobDays: h.cfg.Sync.RetentionDays}
	handler := admin.NewHandler(h.integrations, h.webhooks, h.connectors, syncs, retention)
	admin.RegisterAdminRoutes(app, handler, auth.RequireOperator(h.cfg.Auth.JWTSecret), auth.RequireManager())
	return app
}

func workerCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process webhook deliveries and retention cleanup without the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			h, err := openHub(ctx)
			if err != nil {
				return err
			}
			defer h.Close()
			cmd.SilenceUsage = true

			w := h.newWorker()
			if once {
				delivered := w.RunOnce(ctx)
				h.log.Info("processed due deliveries", zap.Int("delivered", delivered))
				return nil
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			stopWorker(w, h.log)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch of due deliveries and exit")
	return cmd
}

func cleanupCommand() *cobra.Command {
	var deliveryDays, jobDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished deliveries and sync jobs past retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			h, err := openHub(ctx)
			if err != nil {
				return err
			}
			defer h.Close()
			cmd.SilenceUsage = true

			if deliveryDays <= 0 {
				deliveryDays = h.cfg.Webhook.RetentionDays
			}
			if jobDays <= 0 {
				jobDays = h.cfg.Sync.RetentionDays
			}
			deliveries, err := h.webhooks.CleanupOldDeliveries(ctx, deliveryDays)
			if err != nil {
				return err
			}
			jobs, err := h.integrations.CleanupOldJobs(ctx, jobDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d deliveries, %d sync jobs\n", deliveries, jobs)
			return nil
		},
	}
	cmd.Flags().IntVar(&deliveryDays, "delivery-days", 0, "delivery retention in days (default webhook.retention_days)")
	cmd.Flags().IntVar(&jobDays, "job-days", 0, "sync job retention in days (default sync.retention_days)")
	return cmd
}

func tokenCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an access token for an operator account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			h, err := openHub(ctx)
			if err != nil {
				return err
			}
			defer h.Close()
			cmd.SilenceUsage = true

			if email == "" {
				email = h.cfg.Auth.AdminEmail
			}
			if password == "" {
				password = os.Getenv("HUB_PASSWORD")
			}
			tok, err := auth.NewAuthHandler(h.store, h.cfg.Auth.JWTSecret, h.log).Issue(ctx, email, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "operator email (default auth.admin_email)")
	cmd.Flags().StringVar(&password, "password", "", "operator password (default $HUB_PASSWORD)")
	return cmd
}
