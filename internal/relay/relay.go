// Package relay streams job events from the event bus to one connected client as
// Server-Sent Events frames.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/constellation/internal/eventbus"
	"github.com/cuongbtq/constellation/internal/worker/domain"
)

// Frames written before and between events
var (
	ConnectedFrame = []byte("data: {\"type\":\"connected\"}\n\n")
	KeepaliveFrame = []byte(": keepalive\n\n")
)

// deleteTimeout bounds consumer cleanup after the client is gone
const deleteTimeout = 5 * time.Second

// Sink receives complete frames. Send must flush before returning.
type Sink interface {
	Send(frame []byte) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(frame []byte) error

func (f SinkFunc) Send(frame []byte) error { return f(frame) }

// Config holds relay settings
type Config struct {
	Stream         string
	Filter         string
	ConsumerPrefix string
	FetchTimeout   time.Duration
}

// Stats are invoked when a stream opens and closes
type Stats interface {
	SSEConnection(ctx context.Context, delta int64)
}

// Relay owns one ephemeral durable consumer per Run
type Relay struct {
	bus    eventbus.Bus
	config Config
	logger *slog.Logger
	stats  Stats
}

// New creates a Relay. Empty config fields fall back to the JOBS stream defaults.
func New(bus eventbus.Bus, config Config, logger *slog.Logger, stats Stats) *Relay {
	if config.Stream == "" {
		config.Stream = "JOBS"
	}
	if config.Filter == "" {
		config.Filter = domain.SubjectFilter
	}
	if config.ConsumerPrefix == "" {
		config.ConsumerPrefix = "sse"
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = time.Second
	}
	return &Relay{bus: bus, config: config, logger: logger, stats: stats}
}

// Run relays events to sink until ctx is done or a write fails. The consumer is
// deleted on every exit path.
func (r *Relay) Run(ctx context.Context, sink Sink) error {
	name := fmt.Sprintf("%s-%s", r.config.ConsumerPrefix, uuid.NewString())
	logger := r.logger.With(slog.String("consumer", name))

	if _, err := r.bus.CreateConsumer(ctx, r.config.Stream, name, r.config.Filter); err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer r.cleanup(ctx, name, logger)

	if r.stats != nil {
		r.stats.SSEConnection(ctx, 1)
		defer r.stats.SSEConnection(context.WithoutCancel(ctx), -1)
	}

	logger.Info("Event stream opened")

	if err := sink.Send(ConnectedFrame); err != nil {
		logger.Debug("Client went away before first frame", slog.Any("error", err))
		return nil
	}

	for {
		if ctx.Err() != nil {
			logger.Info("Event stream closed by client")
			return nil
		}

		msgs, err := r.bus.Fetch(ctx, r.config.Stream, name, 1, r.config.FetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Event stream closed by client")
				return nil
			}
			return fmt.Errorf("failed to fetch events: %w", err)
		}

		if len(msgs) == 0 {
			if err := sink.Send(KeepaliveFrame); err != nil {
				logger.Debug("Keepalive write failed", slog.Any("error", err))
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			if err := sink.Send(eventFrame(msg.Data())); err != nil {
				if nakErr := msg.Nak(); nakErr != nil {
					logger.Warn("Failed to nak event", slog.Any("error", nakErr))
				}
				logger.Debug("Event write failed", slog.Any("error", err))
				return nil
			}
			if err := msg.Ack(); err != nil {
				logger.Warn("Failed to ack event",
					slog.Uint64("seq", msg.Sequence()),
					slog.Any("error", err),
				)
			}
		}
	}
}

// cleanup removes the consumer on a context that outlives the request
func (r *Relay) cleanup(ctx context.Context, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()

	if err := r.bus.DeleteConsumer(ctx, r.config.Stream, name); err != nil {
		logger.Warn("Failed to delete consumer", slog.Any("error", err))
		return
	}
	logger.Debug("Consumer deleted")
}

func eventFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	return append(frame, '\n', '\n')
}
