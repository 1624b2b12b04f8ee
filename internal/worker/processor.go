package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/cuongbtq/constellation/internal/worker/executor"
	"github.com/cuongbtq/constellation/shared/tracing"
)

// cycle runs one idle → dequeuing → ... → idle pass. It reports whether the
// loop should wait a poll interval before the next pass.
func (w *Worker) cycle(ctx context.Context, logger *slog.Logger) (wait bool) {
	var job *domain.Job

	defer func() {
		if r := recover(); r != nil {
			w.loopError(ctx, logger, job, fmt.Errorf("worker cycle panic: %v", r))
			wait = true
		}
	}()

	w.pool.RefreshMetrics()

	job, err := w.store.DequeueNext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		logger.Warn("Failed to dequeue job, skipping cycle",
			slog.Bool("retryable", domain.IsRetryable(err)),
			slog.Any("error", err),
		)
		w.metrics.PollCycle(ctx, false)
		return true
	}

	w.metrics.PollCycle(ctx, job != nil)
	if job == nil {
		return true
	}

	if err := w.processJob(ctx, logger, job); err != nil {
		w.loopError(ctx, logger, job, err)
		return true
	}
	return false
}

// processJob carries a running job to a terminal state, or back to queued when
// no GPU is free
func (w *Worker) processJob(ctx context.Context, logger *slog.Logger, job *domain.Job) error {
	logger = logger.With(slog.String("job_id", job.ID), slog.String("job_name", job.Name))

	ctx, span := tracing.StartSpan(ctx, "worker.process_job", tracing.KindInternal)
	span.WithAttributes(map[string]string{"job_id": job.ID, "job_name": job.Name})

	// the job is already claimed; shutdown must not strand it in running
	detached := context.WithoutCancel(ctx)

	logger.Info("Processing job", slog.Int("priority", job.Priority))

	w.publisher.Publish(detached, &domain.Event{JobID: job.ID, State: domain.StateRunning, Name: job.Name})

	gpuID, ok := w.acquireGPU()
	if !ok {
		logger.Info("No GPU available, requeueing job")

		if err := w.transition(detached, job, domain.StateQueued); err != nil {
			err = fmt.Errorf("failed to requeue job: %w", err)
			tracing.EndSpan(span, err)
			return err
		}
		w.metrics.JobRequeued(ctx)
		w.publisher.Publish(detached, &domain.Event{
			JobID:  job.ID,
			State:  domain.StateQueued,
			Reason: domain.ReasonNoResourceAvailable,
		})
		tracing.EndSpan(span, nil)
		return nil
	}
	span.SetInt("gpu_id", gpuID)

	w.metrics.JobStarted(ctx)
	outcome, execErr := w.execute(ctx, job, gpuID)
	w.metrics.JobFinished(ctx)

	if execErr != nil {
		logger.Error("Job execution failed",
			slog.Int("gpu_id", gpuID),
			slog.Any("error", execErr),
		)
		w.metrics.JobFailed(ctx, job.Name, execErr.Error())

		if err := w.transition(detached, job, domain.StateFailed); err != nil {
			err = fmt.Errorf("failed to update job state to failed: %w", err)
			tracing.EndSpan(span, err)
			return err
		}
		w.publisher.Publish(detached, &domain.Event{
			JobID: job.ID,
			State: domain.StateFailed,
			Error: execErr.Error(),
		})
		tracing.EndSpan(span, execErr)
		return nil
	}

	state := domain.StateFailed
	if outcome.Success {
		state = domain.StateCompleted
		w.metrics.JobProcessed(ctx, job.Name, outcome.DurationSeconds)
	} else {
		w.metrics.JobFailed(ctx, job.Name, "")
	}

	if err := w.transition(detached, job, state); err != nil {
		err = fmt.Errorf("failed to update job state to %s: %w", state, err)
		tracing.EndSpan(span, err)
		return err
	}

	execTime := outcome.DurationSeconds
	w.publisher.Publish(detached, &domain.Event{
		JobID:         job.ID,
		State:         state,
		Name:          job.Name,
		GPUID:         &gpuID,
		ExecutionTime: &execTime,
	})

	logger.Info("Job finished",
		slog.String("state", state.String()),
		slog.Int("gpu_id", gpuID),
		slog.Float64("execution_time", execTime),
	)
	tracing.EndSpan(span, nil)
	return nil
}

// transition records a move of job to state. Moves outside the state graph are refused.
func (w *Worker) transition(ctx context.Context, job *domain.Job, state domain.State) error {
	if !domain.IsValidTransition(job.State, state) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.State, state)
	}
	if err := w.store.MarkState(ctx, job.ID, state); err != nil {
		return err
	}
	job.State = state
	return nil
}

// acquireGPU finds and allocates a free GPU. Another loop may win the race
// between Available and Allocate; that counts as unavailable.
func (w *Worker) acquireGPU() (int, bool) {
	g, ok := w.pool.Available()
	if !ok {
		return 0, false
	}
	if err := w.pool.Allocate(g.ID); err != nil {
		return 0, false
	}
	return g.ID, true
}

// execute runs the job on gpuID. The GPU is released on every path, panics included,
// and the run is detached from ctx cancellation.
func (w *Worker) execute(ctx context.Context, job *domain.Job, gpuID int) (outcome executor.Outcome, err error) {
	defer w.pool.Release(gpuID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	return w.executor.Execute(context.WithoutCancel(ctx), job.ID, job.Name, gpuID)
}

// loopError logs a cycle failure and fails the in-flight job. The failed event is
// only published once the store has recorded it.
func (w *Worker) loopError(ctx context.Context, logger *slog.Logger, job *domain.Job, err error) {
	if job == nil {
		logger.Error("Worker cycle failed", slog.Any("error", err))
		return
	}

	logger.Error("Worker cycle failed",
		slog.String("job_id", job.ID),
		slog.Any("error", err),
	)

	ctx = context.WithoutCancel(ctx)
	if markErr := w.transition(ctx, job, domain.StateFailed); markErr != nil {
		logger.Error("Failed to mark job failed",
			slog.String("job_id", job.ID),
			slog.String("state", job.State.String()),
			slog.Any("error", markErr),
		)
		return
	}

	w.publisher.Publish(ctx, &domain.Event{
		JobID: job.ID,
		State: domain.StateFailed,
		Error: err.Error(),
	})
}
