package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// spawnLoops starts one dequeue loop per concurrency slot
func (w *Worker) spawnLoops(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker loops",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx, i)
			return nil
		})
	}
}

// loop is the main processing loop of one logical worker
func (w *Worker) loop(ctx context.Context, loopNum int) {
	loopName := fmt.Sprintf("%s-%d", w.workerID, loopNum)
	logger := w.logger.With(slog.String("loop", loopName))

	logger.Info("Worker loop started")

	for {
		if ctx.Err() != nil {
			logger.Info("Worker loop stopping - context canceled")
			return
		}

		if !w.cycle(ctx, logger) {
			continue
		}

		timer := time.NewTimer(w.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Worker loop stopping - context canceled")
			return
		case <-timer.C:
		}
	}
}
