package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/constellation/internal/config"
	"github.com/cuongbtq/constellation/internal/eventbus"
	"github.com/cuongbtq/constellation/internal/metrics"
	"github.com/cuongbtq/constellation/internal/worker"
	"github.com/cuongbtq/constellation/internal/worker/executor"
	"github.com/cuongbtq/constellation/internal/worker/gpu"
	"github.com/cuongbtq/constellation/internal/worker/storage"
	"github.com/cuongbtq/constellation/shared/logger"
	"github.com/cuongbtq/constellation/shared/postgresql"
	"github.com/cuongbtq/constellation/shared/rabbitmq"
	"github.com/cuongbtq/constellation/shared/tracing"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Output:         cfg.Tracing.Output,
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// The worker keeps processing jobs without a broker; events are only logged
	rabbitClient, bus := initEventBus(ctx, cfg, appLogger.Logger)

	pool := gpu.NewSimulatedPool(cfg.Worker.GPUCount, nil)

	recorder, err := metrics.NewGlobal(cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := recorder.ObserveGPUs(pool.Status); err != nil {
		return fmt.Errorf("failed to register GPU gauges: %w", err)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger: appLogger.Logger,
		Store:  storage.NewPostgresStore(dbClient.GetDB(), appLogger.Logger),
		Pool:   pool,
		Executor: executor.NewSimulated(executor.Config{
			MinDuration: cfg.Worker.Executor.MinDuration,
			MaxDuration: cfg.Worker.Executor.MaxDuration,
			FailureRate: cfg.Worker.Executor.FailureRate,
		}, appLogger.Logger),
		Publisher:      worker.NewPublisher(bus, appLogger.Logger, recorder),
		Metrics:        recorder,
		WorkerID:       cfg.Worker.ID,
		Concurrency:    cfg.Worker.Concurrency,
		PollInterval:   cfg.Worker.PollInterval,
		ReportSchedule: cfg.Worker.ReportSchedule,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")

		// In-flight jobs finish on a detached context; bound the wait
		select {
		case runErr = <-errChan:
			appLogger.Info("Worker stopped gracefully")
		case <-time.After(cfg.Worker.ShutdownTimeout):
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		}
	case runErr = <-errChan:
		if runErr != nil {
			appLogger.Error("Worker error", slog.Any("error", runErr))
		}
	}

	// Cleanup function to close all resources
	cleanup := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			appLogger.Warn("Failed to flush traces", slog.Any("error", err))
		}
		if bus != nil {
			bus.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		dbClient.Close()
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		URL:             cfg.URL,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		RetryAttempts:   cfg.RetryAttempts,
		RetryInterval:   cfg.RetryInterval,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initEventBus connects the configured bus driver and provisions the job stream.
// A nil bus means degraded mode.
func initEventBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rabbitmq.Client, eventbus.Bus) {
	var (
		client *rabbitmq.Client
		bus    eventbus.Bus
	)

	switch cfg.EventBus.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-process event bus, events are not shared with other services")
		bus = eventbus.NewMemoryBus(eventbus.WithAckWait(cfg.EventBus.AckWait))
	default:
		var err error
		client, err = initRabbitMQ(ctx, &cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, continuing without event publishing", slog.Any("error", err))
			return nil, nil
		}
		bus = eventbus.NewAMQPBus(client, cfg.RabbitMQ.Consumer.PrefetchCount, logger, eventbus.WithAckWait(cfg.EventBus.AckWait))
	}

	p, err := bus.EnsureStream(ctx, cfg.EventBus.Stream, cfg.EventBus.Subjects)
	if err != nil {
		logger.Warn("Failed to provision event stream, continuing without event publishing",
			slog.String("stream", cfg.EventBus.Stream),
			slog.Any("error", err),
		)
		bus.Close()
		if client != nil {
			client.Close()
		}
		return nil, nil
	}

	logger.Info("Event stream ready",
		slog.String("driver", cfg.EventBus.Driver),
		slog.String("stream", cfg.EventBus.Stream),
		slog.Bool("already_existed", p.AlreadyExists),
	)
	return client, bus
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(ctx, rabbitConfig, logger)
}
