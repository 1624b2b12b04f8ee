package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/cuongbtq/constellation/internal/worker/gpu"
	"github.com/cuongbtq/constellation/internal/worker/storage"
)

const reportTimeout = 5 * time.Second

// Reporter periodically logs GPU status and job counts
type Reporter struct {
	cron   *cron.Cron
	pool   gpu.Pool
	store  storage.JobStore
	logger *slog.Logger
}

// NewReporter validates schedule, a standard five-field cron spec or a descriptor
// such as "@every 30s"
func NewReporter(schedule string, pool gpu.Pool, store storage.JobStore, logger *slog.Logger) (*Reporter, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	r := &Reporter{
		cron:   cron.New(cron.WithParser(parser)),
		pool:   pool,
		store:  store,
		logger: logger,
	}

	if _, err := r.cron.AddFunc(schedule, func() { r.Report(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Run starts the schedule and blocks until ctx is done and any running report finished
func (r *Reporter) Run(ctx context.Context) {
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
}

// Report logs one status snapshot
func (r *Reporter) Report(ctx context.Context) {
	for _, g := range r.pool.Status() {
		r.logger.Info("GPU status",
			slog.Int("gpu_id", g.ID),
			slog.String("name", g.Name),
			slog.Bool("available", g.Available),
			slog.Int("memory_used_mb", g.MemoryUsedMB),
			slog.Int("memory_total_mb", g.MemoryTotalMB),
			slog.Int("utilization_percent", g.UtilizationPercent),
			slog.Int("temperature_c", g.TemperatureC),
		)
	}

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	counts, err := r.store.CountByState(ctx)
	if err != nil {
		r.logger.Warn("Failed to count jobs", slog.Any("error", err))
		return
	}

	r.logger.Info("Job counts",
		slog.Int(domain.StateQueued.String(), counts[domain.StateQueued]),
		slog.Int(domain.StateRunning.String(), counts[domain.StateRunning]),
		slog.Int(domain.StateCompleted.String(), counts[domain.StateCompleted]),
		slog.Int(domain.StateFailed.String(), counts[domain.StateFailed]),
	)
}
