package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskhive/internal/broker"
	"github.com/phrazzld/taskhive/internal/config"
	"github.com/phrazzld/taskhive/internal/events"
	"github.com/phrazzld/taskhive/internal/failure"
	"github.com/phrazzld/taskhive/internal/health"
	"github.com/phrazzld/taskhive/internal/platform/logger"
	"github.com/phrazzld/taskhive/internal/platform/postgres"
	"github.com/phrazzld/taskhive/internal/queue"
	"github.com/phrazzld/taskhive/internal/worker"
)

// application holds the initialized dependency graph of the server.
type application struct {
	config   *config.Config
	logger   *slog.Logger
	broker   broker.Broker
	client   *queue.Client
	registry *worker.Registry
	emitter  *events.InMemoryAlertEmitter
	handler  *failure.Handler
	manager  *worker.Manager
	reporter *health.Reporter
}

// initializeApp loads configuration, sets up logging and builds the full
// dependency graph: broker, queue client, handler registry, error handler,
// worker manager and health reporter.
func initializeApp(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"broker_driver", cfg.Broker.Driver)

	b, err := openBroker(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := worker.NewRegistry()

	client := queue.NewClient(b, queue.ClientConfig{
		DefaultTimeoutSeconds: cfg.Queue.DefaultTimeoutSeconds,
		ResultTTL:             cfg.Queue.ResultTTL,
		Resolver:              registry,
	}, log)

	emitter := events.NewInMemoryAlertEmitter(log)
	emitter.RegisterHandler(events.NewLogAlertHandler(log))

	handler := failure.NewHandler(client, b, emitter, failure.HandlerConfig{
		DailyErrorThreshold: cfg.Alerts.DailyErrorThreshold,
	}, log)

	manager := worker.NewManager(client, registry, handler, b,
		worker.Config{
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			MaxJobs:           cfg.Worker.MaxJobs,
			DequeueWait:       cfg.Worker.DequeueWait,
		},
		worker.AutoscalePolicy{
			Interval:       cfg.Autoscale.Interval,
			ScaleUpDepth:   cfg.Autoscale.ScaleUpDepth,
			ScaleDownDepth: cfg.Autoscale.ScaleDownDepth,
			MinWorkers:     cfg.Autoscale.MinWorkers,
			MaxWorkers:     cfg.Autoscale.MaxWorkers,
		},
		log)

	reporter := health.NewReporter(client, manager, b, cfg.Worker.HeartbeatInterval, log)

	return &application{
		config:   cfg,
		logger:   log,
		broker:   b,
		client:   client,
		registry: registry,
		emitter:  emitter,
		handler:  handler,
		manager:  manager,
		reporter: reporter,
	}, nil
}

// openBroker builds the configured broker backend. The postgres driver runs
// migrations before handing the pool to the broker.
func openBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres broker: %w", err)
		}
		if err := runMigrations(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return postgres.NewBroker(db, postgres.WithPollInterval(cfg.Broker.PollInterval)), nil
	case "memory":
		return broker.NewMemory(broker.WithPollInterval(cfg.Broker.PollInterval)), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// start brings up the background components: the boot-time worker fleet, the
// autoscaler (when enabled) and the health reporter.
func (app *application) start() error {
	for i := 0; i < app.config.Worker.Count; i++ {
		if _, err := app.manager.StartWorker(worker.Config{}); err != nil {
			return fmt.Errorf("failed to start boot worker: %w", err)
		}
	}
	app.logger.Info("worker fleet started", "count", app.config.Worker.Count)

	if app.config.Autoscale.Enabled {
		app.manager.RunAutoscaler()
	}
	app.reporter.Start()
	return nil
}

// cleanup stops background components and releases the broker. Workers get a
// grace window to finish their current jobs.
func (app *application) cleanup() {
	app.reporter.Stop()

	if err := app.manager.ShutdownAll(true, 30*time.Second); err != nil {
		app.logger.Error("worker shutdown incomplete", "error", err)
	}

	if err := app.broker.Close(); err != nil {
		app.logger.Error("failed to close broker", "error", err)
	}
}
