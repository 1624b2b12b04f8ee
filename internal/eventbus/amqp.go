package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/constellation/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SequenceHeader carries the publisher sequence number on every message
const SequenceHeader = "x-sequence"

// AMQPBus maps streams onto RabbitMQ. A stream is a durable topic exchange and a
// consumer is a durable queue bound to it with the consumer filter as routing pattern.
// Sequence numbers come from publisher confirms and are monotonic per AMQPBus.
// A delivery left unacked past the ack wait is returned to the queue by closing
// the consumer channel, which makes the broker requeue it.
type AMQPBus struct {
	client   *rabbitmq.Client
	logger   *slog.Logger
	prefetch int
	ackWait  time.Duration

	mu      sync.Mutex
	streams map[string][]string
	pullers map[string]*puller
	closed  bool

	// publishes are serialized so the confirm sequence read before a publish is
	// the one the broker assigns to it
	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	seqBase uint64
	lastSeq uint64
}

// puller holds the channel and delivery stream of one consumer
type puller struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery

	mu sync.Mutex
	// outstanding maps delivery tags handed out by Fetch to their ack deadline
	outstanding map[uint64]time.Time
}

func (p *puller) track(tag uint64, deadline time.Time) {
	p.mu.Lock()
	p.outstanding[tag] = deadline
	p.mu.Unlock()
}

func (p *puller) settle(tag uint64) {
	p.mu.Lock()
	delete(p.outstanding, tag)
	p.mu.Unlock()
}

// nextDeadline is the earliest ack deadline of the outstanding deliveries
func (p *puller) nextDeadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next time.Time
	for _, d := range p.outstanding {
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return next
}

// NewAMQPBus creates a bus on an established client. The client is not closed by Close.
func NewAMQPBus(client *rabbitmq.Client, prefetch int, logger *slog.Logger, opts ...Option) *AMQPBus {
	if prefetch <= 0 {
		prefetch = 1
	}
	o := buildOptions(opts)
	return &AMQPBus{
		client:   client,
		logger:   logger,
		prefetch: prefetch,
		ackWait:  o.ackWait,
		streams:  make(map[string][]string),
		pullers:  make(map[string]*puller),
	}
}

// RoutingPattern translates a subject pattern to an AMQP topic binding key
func RoutingPattern(subject string) string {
	tokens := strings.Split(subject, ".")
	if tokens[len(tokens)-1] == ">" {
		tokens[len(tokens)-1] = "#"
	}
	return strings.Join(tokens, ".")
}

// QueueName is the durable queue backing consumer name on stream
func QueueName(stream, name string) string {
	return stream + "." + name
}

func (b *AMQPBus) EnsureStream(ctx context.Context, name string, subjects []string) (Provision, error) {
	if err := b.check(ctx); err != nil {
		return Provision{}, err
	}

	exists, err := b.exchangeExists(name)
	if err != nil {
		return Provision{}, fmt.Errorf("failed to inspect stream %s: %w", name, err)
	}

	if !exists {
		err := b.withChannel(func(ch *amqp.Channel) error {
			return ch.ExchangeDeclare(
				name,    // name
				"topic", // type
				true,    // durable
				false,   // auto-deleted
				false,   // internal
				false,   // no-wait
				nil,     // arguments
			)
		})
		if err != nil {
			return Provision{}, fmt.Errorf("failed to create stream %s: %w", name, err)
		}
		b.logger.Info("Stream created",
			slog.String("stream", name),
			slog.Any("subjects", subjects),
		)
	}

	b.mu.Lock()
	b.streams[name] = mergeSubjects(b.streams[name], subjects)
	b.mu.Unlock()

	return Provision{AlreadyExists: exists}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, subject string, payload []byte) (uint64, error) {
	if err := b.check(ctx); err != nil {
		return 0, err
	}

	exchange, ok := b.exchangeFor(subject)
	if !ok {
		return 0, ErrNoStreamForSubject
	}

	var seq uint64
	err := b.client.WithPublishRetry(ctx, func() error {
		var err error
		seq, err = b.publishConfirmed(ctx, exchange, subject, payload)
		return err
	})
	if err != nil {
		return 0, err
	}

	b.logger.Debug("Message published",
		slog.String("subject", subject),
		slog.Uint64("seq", seq),
	)
	return seq, nil
}

func (b *AMQPBus) publishConfirmed(ctx context.Context, exchange, subject string, payload []byte) (uint64, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.pubCh == nil || b.pubCh.IsClosed() {
		ch, err := b.client.ConfirmChannel()
		if err != nil {
			return 0, err
		}
		// confirm sequence restarts at 1 on a new channel
		b.pubCh = ch
		b.seqBase = b.lastSeq
	}

	seq := b.seqBase + b.pubCh.GetNextPublishSeqNo()

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange, // exchange
		subject,  // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{SequenceHeader: int64(seq)},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to await publish confirm: %w", err)
	}
	if !acked {
		return 0, fmt.Errorf("broker rejected message %d", seq)
	}

	b.lastSeq = seq
	return seq, nil
}

func (b *AMQPBus) exchangeFor(subject string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if matchesAny(b.streams[name], subject) {
			return name, true
		}
	}
	return "", false
}

func (b *AMQPBus) CreateConsumer(ctx context.Context, stream, name, filter string) (Provision, error) {
	if err := b.check(ctx); err != nil {
		return Provision{}, err
	}

	streamExists, err := b.exchangeExists(stream)
	if err != nil {
		return Provision{}, fmt.Errorf("failed to inspect stream %s: %w", stream, err)
	}
	if !streamExists {
		return Provision{}, ErrStreamNotFound
	}

	queue := QueueName(stream, name)
	exists, err := b.queueExists(queue)
	if err != nil {
		return Provision{}, fmt.Errorf("failed to inspect consumer %s: %w", name, err)
	}
	if exists {
		return Provision{AlreadyExists: true}, nil
	}

	err = b.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(
			queue, // name
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("failed to declare queue: %w", err)
		}

		if err := ch.QueueBind(
			queue,                  // queue name
			RoutingPattern(filter), // routing key
			stream,                 // exchange
			false,                  // no-wait
			nil,                    // arguments
		); err != nil {
			return fmt.Errorf("failed to bind queue: %w", err)
		}
		return nil
	})
	if err != nil {
		return Provision{}, fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	b.logger.Debug("Consumer created",
		slog.String("stream", stream),
		slog.String("consumer", name),
		slog.String("filter", filter),
	)
	return Provision{}, nil
}

func (b *AMQPBus) ConsumerExists(ctx context.Context, stream, name string) (bool, error) {
	if err := b.check(ctx); err != nil {
		return false, err
	}
	return b.queueExists(QueueName(stream, name))
}

func (b *AMQPBus) Fetch(ctx context.Context, stream, consumer string, batch int, timeout time.Duration) ([]Message, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = 1
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		p   *puller
		msg Message
	)
	for msg == nil {
		var err error
		p, err = b.pullerFor(stream, consumer)
		if err != nil {
			return nil, err
		}

		expiry, stopExpiry := afterDeadline(p.nextDeadline(), time.Now())

		select {
		case <-ctx.Done():
			stopExpiry()
			return nil, ctx.Err()
		case <-timer.C:
			stopExpiry()
			return []Message{}, nil
		case <-expiry:
			b.logger.Debug("Ack wait elapsed, reopening consumer",
				slog.String("stream", stream),
				slog.String("consumer", consumer),
			)
			b.dropPuller(stream, consumer, p)
		case d, ok := <-p.deliveries:
			stopExpiry()
			if !ok {
				b.dropPuller(stream, consumer, p)
				return nil, fmt.Errorf("consumer %s delivery stream closed", consumer)
			}
			msg = b.handOut(p, d)
		}
	}

	msgs := []Message{msg}
	for len(msgs) < batch {
		select {
		case d, ok := <-p.deliveries:
			if !ok {
				return msgs, nil
			}
			msgs = append(msgs, b.handOut(p, d))
		default:
			return msgs, nil
		}
	}
	return msgs, nil
}

func (b *AMQPBus) handOut(p *puller, d amqp.Delivery) Message {
	p.track(d.DeliveryTag, time.Now().Add(b.ackWait))
	return &amqpMessage{d: d, p: p}
}

// pullerFor lazily starts a basic.consume on the consumer queue
func (b *AMQPBus) pullerFor(stream, consumer string) (*puller, error) {
	key := QueueName(stream, consumer)

	b.mu.Lock()
	if p, ok := b.pullers[key]; ok && !p.ch.IsClosed() {
		b.mu.Unlock()
		return p, nil
	}
	b.mu.Unlock()

	exists, err := b.queueExists(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrConsumerNotFound
	}

	ch, err := b.client.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		key,      // queue
		consumer, // consumer tag
		false,    // auto-ack
		false,    // exclusive
		false,    // no-local
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", key, err)
	}

	p := &puller{ch: ch, deliveries: deliveries, outstanding: make(map[uint64]time.Time)}

	b.mu.Lock()
	b.pullers[key] = p
	b.mu.Unlock()

	return p, nil
}

func (b *AMQPBus) dropPuller(stream, consumer string, p *puller) {
	key := QueueName(stream, consumer)

	b.mu.Lock()
	if b.pullers[key] == p {
		delete(b.pullers, key)
	}
	b.mu.Unlock()

	if !p.ch.IsClosed() {
		p.ch.Close()
	}
}

func (b *AMQPBus) DeleteConsumer(ctx context.Context, stream, name string) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	key := QueueName(stream, name)

	b.mu.Lock()
	p, ok := b.pullers[key]
	b.mu.Unlock()
	if ok {
		b.dropPuller(stream, name, p)
	}

	exists, err := b.queueExists(key)
	if err != nil {
		return fmt.Errorf("failed to inspect consumer %s: %w", name, err)
	}
	if !exists {
		return nil
	}

	err = b.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(key, false, false, false)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete consumer %s: %w", name, err)
	}

	b.logger.Debug("Consumer deleted",
		slog.String("stream", stream),
		slog.String("consumer", name),
	)
	return nil
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pullers := b.pullers
	b.pullers = make(map[string]*puller)
	b.mu.Unlock()

	for _, p := range pullers {
		if !p.ch.IsClosed() {
			p.ch.Close()
		}
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh.Close()
	}
	return nil
}

func (b *AMQPBus) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *AMQPBus) exchangeExists(name string) (bool, error) {
	return b.passiveCheck(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclarePassive(name, "topic", true, false, false, false, nil)
	})
}

func (b *AMQPBus) queueExists(name string) (bool, error) {
	return b.passiveCheck(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
}

// passiveCheck runs a passive declare on a throwaway channel. The broker closes the
// channel with 404 when the entity is missing.
func (b *AMQPBus) passiveCheck(declare func(ch *amqp.Channel) error) (bool, error) {
	err := b.withChannel(declare)
	if err == nil {
		return true, nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
		return false, nil
	}
	return false, err
}

func (b *AMQPBus) withChannel(fn func(ch *amqp.Channel) error) error {
	ch, err := b.client.Channel()
	if err != nil {
		return err
	}
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
	}()
	return fn(ch)
}

type amqpMessage struct {
	d amqp.Delivery
	p *puller
}

func (m *amqpMessage) Subject() string { return m.d.RoutingKey }
func (m *amqpMessage) Data() []byte    { return m.d.Body }

func (m *amqpMessage) Sequence() uint64 {
	switch v := m.d.Headers[SequenceHeader].(type) {
	case int64:
		return uint64(v)
	case int32:
		return uint64(v)
	case uint64:
		return v
	}
	return m.d.DeliveryTag
}

func (m *amqpMessage) Ack() error {
	m.p.settle(m.d.DeliveryTag)
	return m.d.Ack(false)
}

func (m *amqpMessage) Nak() error {
	m.p.settle(m.d.DeliveryTag)
	return m.d.Nack(false, true)
}

var _ Bus = (*AMQPBus)(nil)
