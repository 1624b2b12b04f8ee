// Package eventbus is a durable publish/subscribe log with named streams and
// per-client durable consumers. Delivery is at-least-once: a message that is
// negatively acknowledged, or not acknowledged within the ack wait, is redelivered.
package eventbus

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrNoStreamForSubject = errors.New("no stream captures subject")
	ErrClosed             = errors.New("event bus closed")
)

// DefaultAckWait is how long a fetched message may stay unacknowledged before it
// is handed out again
const DefaultAckWait = 30 * time.Second

type options struct {
	ackWait time.Duration
}

// Option configures a Bus implementation
type Option func(*options)

// WithAckWait sets the redelivery deadline for fetched but unacknowledged messages
func WithAckWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackWait = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ackWait: DefaultAckWait}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Provision reports the outcome of an idempotent create
type Provision struct {
	AlreadyExists bool
}

// Message is one delivery from a consumer
type Message interface {
	Subject() string
	Data() []byte
	Sequence() uint64
	Ack() error
	// Nak asks for immediate redelivery
	Nak() error
}

// Bus is implemented by MemoryBus and AMQPBus
type Bus interface {
	// EnsureStream creates the stream unless it exists. Existence is checked first.
	EnsureStream(ctx context.Context, name string, subjects []string) (Provision, error)

	// Publish appends payload to the stream capturing subject and returns its sequence number
	Publish(ctx context.Context, subject string, payload []byte) (uint64, error)

	// CreateConsumer creates a durable consumer receiving messages matching filter
	// that are published after its creation. The consumer keeps them until acked.
	CreateConsumer(ctx context.Context, stream, name, filter string) (Provision, error)

	ConsumerExists(ctx context.Context, stream, name string) (bool, error)

	// Fetch waits up to timeout for at least one message and returns at most batch.
	// An empty slice means the timeout elapsed. Messages whose ack wait has passed
	// are delivered again ahead of new ones.
	Fetch(ctx context.Context, stream, consumer string, batch int, timeout time.Duration) ([]Message, error)

	// DeleteConsumer removes the consumer. Deleting a missing consumer is not an error.
	DeleteConsumer(ctx context.Context, stream, name string) error

	Close() error
}

// MatchSubject reports whether subject matches pattern. Tokens are dot-separated;
// "*" matches exactly one token and a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func matchesAny(patterns []string, subject string) bool {
	for _, p := range patterns {
		if MatchSubject(p, subject) {
			return true
		}
	}
	return false
}
