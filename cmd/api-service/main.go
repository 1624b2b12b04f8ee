package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/constellation/internal/api/handler"
	"github.com/cuongbtq/constellation/internal/api/router"
	"github.com/cuongbtq/constellation/internal/api/storage"
	"github.com/cuongbtq/constellation/internal/config"
	"github.com/cuongbtq/constellation/internal/eventbus"
	"github.com/cuongbtq/constellation/internal/metrics"
	"github.com/cuongbtq/constellation/internal/relay"
	"github.com/cuongbtq/constellation/shared/logger"
	"github.com/cuongbtq/constellation/shared/postgresql"
	"github.com/cuongbtq/constellation/shared/rabbitmq"
	"github.com/cuongbtq/constellation/shared/tracing"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
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

	// Canceling ctx also ends every open event stream
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Without a broker the CRUD API keeps serving and /events answers 503
	rabbitClient, bus := initEventBus(ctx, cfg, appLogger.Logger)

	recorder, err := metrics.NewGlobal(cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:  appLogger.Logger,
		Jobs:    storage.NewStorage(dbClient),
		Metrics: recorder,
		Bus:     bus,
		Relay: relay.Config{
			Stream:         cfg.EventBus.Stream,
			ConsumerPrefix: cfg.Relay.ConsumerPrefix,
			FetchTimeout:   cfg.Relay.FetchTimeout,
		},
		MaxConnections: cfg.Relay.MaxConnections,
		ServiceName:    cfg.App.Name,
		Version:        cfg.App.Version,
		CORSOrigins:    cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case runErr = <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", runErr))
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		if err := shutdownTracing(shutdownCtx); err != nil {
			appLogger.Warn("Failed to flush traces", slog.Any("error", err))
		}
		cancel()
		if bus != nil {
			bus.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		dbClient.Close()
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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
		logger.Warn("Using in-process event bus, only events published by this process are relayed")
		bus = eventbus.NewMemoryBus(eventbus.WithAckWait(cfg.EventBus.AckWait))
	default:
		var err error
		client, err = initRabbitMQ(ctx, &cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, event streaming disabled", slog.Any("error", err))
			return nil, nil
		}
		bus = eventbus.NewAMQPBus(client, cfg.RabbitMQ.Consumer.PrefetchCount, logger, eventbus.WithAckWait(cfg.EventBus.AckWait))
	}

	p, err := bus.EnsureStream(ctx, cfg.EventBus.Stream, cfg.EventBus.Subjects)
	if err != nil {
		logger.Warn("Failed to provision event stream, event streaming disabled",
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps)
}
