package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	httpapi "github.com/i474232898/station-ingest/internal/api/http"
	"github.com/i474232898/station-ingest/internal/config"
	"github.com/i474232898/station-ingest/internal/ingest"
	"github.com/i474232898/station-ingest/internal/ingest/vendors"
	"github.com/i474232898/station-ingest/internal/lock"
	"github.com/i474232898/station-ingest/internal/logger"
	"github.com/i474232898/station-ingest/internal/mq"
	"github.com/i474232898/station-ingest/internal/scheduler"
	"github.com/i474232898/station-ingest/internal/store"
	"github.com/i474232898/station-ingest/internal/tsdb"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLogger := logger.NewLogger(cfg.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open store")
	}
	defer closeStore()

	guard, closeGuard, err := openGuard(ctx, cfg, dataStore)
	if err != nil {
		appLogger.Fatal().Err(err).Str("backend", cfg.LockBackend).Msg("failed to set up task guard")
	}
	defer closeGuard()

	opts := ingest.Options{
		Window:      cfg.IngestWindow,
		Location:    cfg.StationLocation,
		SoftTimeout: cfg.SoftTimeout,
		HardTimeout: cfg.HardTimeout,
		Workers:     cfg.Workers,
	}

	// Optional fan-out of health snapshots over MQTT.
	var publisher ingest.HealthPublisher
	if cfg.MQTT.Enabled() {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := mq.Connect(connectCtx, cfg.MQTT, logger.GetLogger("mqtt"))
		cancel()
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to connect to MQTT broker")
		}
		defer client.Disconnect(250)
		pub := mq.NewPublisher(client, cfg.MQTT.BaseTopic, logger.GetLogger("mqtt"))
		publisher = pub
		opts.Publisher = pub
	}

	// Optional time-series mirror of every new measurement.
	if cfg.Influx.Enabled() {
		influx, err := tsdb.NewConnection(ctx, cfg.Influx, logger.GetLogger("influx"))
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to connect to InfluxDB")
		}
		defer influx.Close()
		opts.Mirror = influx.Mirror()
	}

	// Shared HTTP client for outbound vendor calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	pipelines := buildPipelines(cfg, httpClient, dataStore)
	if len(pipelines) == 0 {
		appLogger.Warn().Msg("no vendors configured; ingestion cycles will be empty")
	}

	orchestrator := ingest.NewOrchestrator(dataStore, guard, pipelines, opts, logger.GetLogger("ingest"))
	checker := ingest.NewHealthChecker(dataStore, publisher, cfg.StationLocation, cfg.HealthCheckInterval, logger.GetLogger("health"))

	// Scheduler that periodically ingests and checks station health.
	sched := scheduler.New(orchestrator, cfg.IngestInterval, checker, cfg.HealthCheckInterval, logger.GetLogger("scheduler"))
	if err := sched.Start(ctx); err != nil {
		appLogger.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "station-ingest",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "station-ingest",
		})
	})

	handler := httpapi.RegisterRoutes(ctx, app, dataStore, orchestrator, logger.GetLogger("api"))

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			appLogger.Error().Err(err).Msg("fiber server stopped")
		}
	}()
	appLogger.Info().
		Str("port", cfg.Port).
		Int("vendors", len(pipelines)).
		Str("lock_backend", cfg.LockBackend).
		Msg("station-ingest started")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("error during shutdown")
	}
	if err := handler.Wait(shutdownCtx); err != nil {
		appLogger.Warn().Err(err).Msg("manual ingestion still running at shutdown")
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig) (ingest.Store, func(), error) {
	switch cfg.Database.Driver {
	case store.DriverMemory:
		return store.NewMemoryStore(cfg.StoreMaxHistory), func() {}, nil
	case store.DriverSQLite:
		return openGorm(ctx, store.DriverSQLite, cfg.Database.SQLitePath)
	default:
		return openGorm(ctx, store.DriverPostgres, cfg.Database.URL)
	}
}

func openGorm(ctx context.Context, driver, dsn string) (ingest.Store, func(), error) {
	s, err := store.Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func openGuard(ctx context.Context, cfg *config.AppConfig, tasks ingest.TaskStore) (ingest.TaskGuard, func(), error) {
	if cfg.LockBackend != "redis" {
		return ingest.NewStoreGuard(tasks, cfg.IngestInterval), func() {}, nil
	}

	client, err := lock.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisGuard(client, tasks, cfg.IngestInterval), func() { _ = client.Close() }, nil
}

func buildPipelines(cfg *config.AppConfig, client *http.Client, local ingest.LocalReadings) []ingest.Pipeline {
	var pipelines []ingest.Pipeline

	if cfg.PAWS.Enabled() {
		pipelines = append(pipelines, ingest.Pipeline{
			Client: vendors.NewPAWSClient(client, vendors.PAWSConfig{
				PortalURL: cfg.PAWS.PortalURL,
				Email:     cfg.PAWS.Email,
				APIKey:    cfg.PAWS.APIKey,
				Retry:     vendors.DefaultPAWSRetry,
			}, local, vendorLogger(ingest.VendorPAWS)),
			Match:          ingest.MatchExact,
			UnknownSensors: ingest.SensorDrop,
			Health:         ingest.PAWSHealth,
		})
	}

	if cfg.Zentra.Enabled() {
		pipelines = append(pipelines, ingest.Pipeline{
			Client: vendors.NewZentraClient(client, vendors.ZentraConfig{
				BaseURL: cfg.Zentra.BaseURL,
				Token:   cfg.Zentra.Token,
				PerPage: cfg.Zentra.PerPage,
				Retry:   vendors.DefaultZentraRetry,
			}, vendorLogger(ingest.VendorZentra)),
			Match:          ingest.MatchExact,
			UnknownSensors: ingest.SensorDrop,
			Health:         ingest.ZentraHealth,
		})
	}

	if cfg.Barani.Enabled() {
		pipelines = append(pipelines, ingest.Pipeline{
			Client: vendors.NewBaraniClient(client, vendors.BaraniConfig{
				BaseURL: cfg.Barani.BaseURL,
				Token:   cfg.Barani.Token,
			}, vendorLogger(ingest.VendorBarani)),
			Match:          ingest.MatchContains,
			UnknownSensors: ingest.SensorDrop,
			Health:         ingest.BaraniHealth,
		})
	}

	if cfg.OTT.Enabled() {
		pipelines = append(pipelines, ingest.Pipeline{
			Client: vendors.NewOTTClient(client, vendors.OTTConfig{
				BaseURL:  cfg.OTT.BaseURL,
				APIKey:   cfg.OTT.APIKey,
				ClientID: cfg.OTT.ClientID,
			}, vendorLogger(ingest.VendorOTT)),
			Match:          ingest.MatchExact,
			UnknownSensors: ingest.SensorAutoCreate,
			StationSerials: cfg.OTT.StationIDs,
			Health:         ingest.OTTHealth,
		})
	}

	return pipelines
}

func vendorLogger(v ingest.Vendor) zerolog.Logger {
	return logger.GetLogger("vendor").With().Str("vendor", string(v)).Logger()
}
