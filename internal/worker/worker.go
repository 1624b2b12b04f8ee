package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/constellation/internal/metrics"
	"github.com/cuongbtq/constellation/internal/worker/executor"
	"github.com/cuongbtq/constellation/internal/worker/gpu"
	"github.com/cuongbtq/constellation/internal/worker/storage"
)

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     storage.JobStore
	Pool      gpu.Pool
	Executor  executor.Executor
	Publisher *Publisher
	Metrics   *metrics.Recorder

	WorkerID     string
	Concurrency  int
	PollInterval time.Duration

	// ReportSchedule is a cron spec for the status reporter; empty disables it
	ReportSchedule string
}

// Worker runs Concurrency dequeue loops over a shared GPU pool
type Worker struct {
	logger         *slog.Logger
	store          storage.JobStore
	pool           gpu.Pool
	executor       executor.Executor
	publisher      *Publisher
	metrics        *metrics.Recorder
	workerID       string
	concurrency    int
	pollInterval   time.Duration
	reportSchedule string
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NewNoop()
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = NewPublisher(nil, cfg.Logger, rec)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker"
	}

	return &Worker{
		logger:         cfg.Logger,
		store:          cfg.Store,
		pool:           cfg.Pool,
		executor:       cfg.Executor,
		publisher:      publisher,
		metrics:        rec,
		workerID:       workerID,
		concurrency:    concurrency,
		pollInterval:   pollInterval,
		reportSchedule: cfg.ReportSchedule,
	}
}

// Start runs the loops and the status reporter until ctx is canceled. In-flight jobs
// are finished before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("gpus", len(w.pool.Status())),
	)

	var reporter *Reporter
	if w.reportSchedule != "" {
		var err error
		reporter, err = NewReporter(w.reportSchedule, w.pool, w.store, w.logger)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	w.spawnLoops(ctx, g)

	if reporter != nil {
		g.Go(func() error {
			reporter.Run(ctx)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return err
}
