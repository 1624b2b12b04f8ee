package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Outcome is the result of running one job on one GPU
type Outcome struct {
	Success         bool    `json:"success"`
	DurationSeconds float64 `json:"duration_seconds"`
	GPUID           int     `json:"gpu_id"`
	Output          string  `json:"output"`
}

// Executor runs a job on an allocated GPU. A returned error means the run could not be
// carried out at all; a job that ran and failed is reported through Outcome.Success.
type Executor interface {
	Execute(ctx context.Context, jobID, jobName string, gpuID int) (Outcome, error)
}

// Config tunes the simulated workload
type Config struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	FailureRate float64
}

// DefaultConfig matches the simulated hardware profile
func DefaultConfig() Config {
	return Config{
		MinDuration: 5 * time.Second,
		MaxDuration: 15 * time.Second,
		FailureRate: 0.1,
	}
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Simulated sleeps for a random duration and fails at a fixed rate
type Simulated struct {
	config Config
	sleep  SleepFunc

	// rng is shared by every worker loop
	mu     sync.Mutex
	rng    *rand.Rand

	logger *slog.Logger
}

// Option configures a Simulated executor
type Option func(*Simulated)

// WithRand sets the random source used for duration and failure draws
func WithRand(rng *rand.Rand) Option {
	return func(s *Simulated) { s.rng = rng }
}

// WithSleep replaces the wall-clock sleep
func WithSleep(sleep SleepFunc) Option {
	return func(s *Simulated) { s.sleep = sleep }
}

// NewSimulated creates a simulated executor
func NewSimulated(config Config, logger *slog.Logger, opts ...Option) *Simulated {
	s := &Simulated{
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Execute simulates the workload
func (s *Simulated) Execute(ctx context.Context, jobID, jobName string, gpuID int) (Outcome, error) {
	s.logger.Info("Starting job",
		slog.Int("gpu_id", gpuID),
		slog.String("job_id", jobID),
		slog.String("job_name", jobName),
	)

	duration := s.drawDuration()
	if err := s.sleep(ctx, duration); err != nil {
		return Outcome{}, fmt.Errorf("failed to execute job %s: %w", jobID, err)
	}

	outcome := Outcome{
		Success:         s.drawSuccess(),
		DurationSeconds: duration.Seconds(),
		GPUID:           gpuID,
		Output:          fmt.Sprintf("Processed %s on GPU %d", jobName, gpuID),
	}

	s.logger.Info("Finished job",
		slog.Int("gpu_id", gpuID),
		slog.String("job_id", jobID),
		slog.Bool("success", outcome.Success),
		slog.Float64("duration_seconds", outcome.DurationSeconds),
	)

	return outcome, nil
}

func (s *Simulated) drawDuration() time.Duration {
	lo, hi := s.config.MinDuration, s.config.MaxDuration
	if hi <= lo {
		return lo
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

func (s *Simulated) drawSuccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() >= s.config.FailureRate
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Executor = (*Simulated)(nil)
