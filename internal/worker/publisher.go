package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/constellation/internal/eventbus"
	"github.com/cuongbtq/constellation/internal/metrics"
	"github.com/cuongbtq/constellation/internal/worker/domain"
)

// Publisher broadcasts job events. With a nil bus events are only logged, which is
// how the worker runs when the broker is unreachable at startup.
type Publisher struct {
	bus     eventbus.Bus
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewPublisher creates a Publisher; bus may be nil
func NewPublisher(bus eventbus.Bus, logger *slog.Logger, rec *metrics.Recorder) *Publisher {
	if rec == nil {
		rec = metrics.NewNoop()
	}
	return &Publisher{
		bus:     bus,
		logger:  logger,
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Publish stamps and sends event. Failures are logged; the job store stays the
// source of truth for job state.
func (p *Publisher) Publish(ctx context.Context, event *domain.Event) {
	if event.Timestamp == "" {
		event.Timestamp = p.now().Format(time.RFC3339Nano)
	}
	subject := event.Subject()

	if p.bus == nil {
		p.logger.Debug("Event bus unavailable, event not published",
			slog.String("subject", subject),
		)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal job event",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
		return
	}

	seq, err := p.bus.Publish(ctx, subject, payload)
	if err != nil {
		p.logger.Warn("Failed to publish job event",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
		return
	}

	p.metrics.EventPublished(ctx, event.State.String())
	p.logger.Debug("Job event published",
		slog.String("subject", subject),
		slog.Uint64("seq", seq),
	)
}
