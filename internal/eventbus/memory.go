package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus. Sequence numbers are global to the bus.
type MemoryBus struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string]*memoryStream
	closed  bool
	ackWait time.Duration
	now     func() time.Time
}

type memoryStream struct {
	subjects  []string
	consumers map[string]*memoryConsumer
}

type memoryConsumer struct {
	filter  string
	pending []*memoryMessage
	// inflight holds fetched messages awaiting ack, oldest deadline first
	inflight []*memoryMessage
	// signal is poked whenever pending grows
	signal  chan struct{}
	deleted bool
}

// NewMemoryBus creates an empty MemoryBus
func NewMemoryBus(opts ...Option) *MemoryBus {
	o := buildOptions(opts)
	return &MemoryBus{
		streams: make(map[string]*memoryStream),
		ackWait: o.ackWait,
		now:     time.Now,
	}
}

func (b *MemoryBus) EnsureStream(ctx context.Context, name string, subjects []string) (Provision, error) {
	if err := ctx.Err(); err != nil {
		return Provision{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Provision{}, ErrClosed
	}

	if s, ok := b.streams[name]; ok {
		s.subjects = mergeSubjects(s.subjects, subjects)
		return Provision{AlreadyExists: true}, nil
	}

	b.streams[name] = &memoryStream{
		subjects:  append([]string(nil), subjects...),
		consumers: make(map[string]*memoryConsumer),
	}
	return Provision{}, nil
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	stream := b.streamFor(subject)
	if stream == nil {
		return 0, ErrNoStreamForSubject
	}

	b.seq++
	for _, c := range stream.consumers {
		if !MatchSubject(c.filter, subject) {
			continue
		}
		c.pending = append(c.pending, &memoryMessage{
			bus:      b,
			consumer: c,
			subject:  subject,
			data:     append([]byte(nil), payload...),
			seq:      b.seq,
		})
		c.poke()
	}

	return b.seq, nil
}

// streamFor picks the first stream, by name, capturing subject
func (b *MemoryBus) streamFor(subject string) *memoryStream {
	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if s := b.streams[name]; matchesAny(s.subjects, subject) {
			return s
		}
	}
	return nil
}

func (b *MemoryBus) CreateConsumer(ctx context.Context, stream, name, filter string) (Provision, error) {
	if err := ctx.Err(); err != nil {
		return Provision{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Provision{}, ErrClosed
	}

	s, ok := b.streams[stream]
	if !ok {
		return Provision{}, ErrStreamNotFound
	}

	if _, ok := s.consumers[name]; ok {
		return Provision{AlreadyExists: true}, nil
	}

	s.consumers[name] = &memoryConsumer{
		filter: filter,
		signal: make(chan struct{}, 1),
	}
	return Provision{}, nil
}

func (b *MemoryBus) ConsumerExists(ctx context.Context, stream, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}

	s, ok := b.streams[stream]
	if !ok {
		return false, ErrStreamNotFound
	}
	_, ok = s.consumers[name]
	return ok, nil
}

func (b *MemoryBus) Fetch(ctx context.Context, stream, consumer string, batch int, timeout time.Duration) ([]Message, error) {
	if batch <= 0 {
		batch = 1
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		msgs, signal, redeliverAt, err := b.take(stream, consumer, batch)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		expiry, stopExpiry := afterDeadline(redeliverAt, b.now())

		select {
		case <-ctx.Done():
			stopExpiry()
			return nil, ctx.Err()
		case <-timer.C:
			stopExpiry()
			return []Message{}, nil
		case <-signal:
		case <-expiry:
		}
		stopExpiry()
	}
}

// afterDeadline fires at deadline. The zero deadline never fires.
func afterDeadline(deadline, now time.Time) (<-chan time.Time, func()) {
	if deadline.IsZero() {
		return nil, func() {}
	}
	t := time.NewTimer(deadline.Sub(now))
	return t.C, func() { t.Stop() }
}

// take hands out up to batch pending messages and moves them in flight. With
// nothing to hand out it returns the channel to wait on and, when messages are
// in flight, the earliest time one of them falls due for redelivery.
func (b *MemoryBus) take(stream, consumer string, batch int) ([]Message, <-chan struct{}, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, time.Time{}, ErrClosed
	}

	s, ok := b.streams[stream]
	if !ok {
		return nil, nil, time.Time{}, ErrStreamNotFound
	}
	c, ok := s.consumers[consumer]
	if !ok {
		return nil, nil, time.Time{}, ErrConsumerNotFound
	}

	now := b.now()
	c.redeliverExpired(now)

	n := min(batch, len(c.pending))
	if n == 0 {
		var next time.Time
		if len(c.inflight) > 0 {
			next = c.inflight[0].deadline
		}
		return nil, c.signal, next, nil
	}

	msgs := make([]Message, n)
	for i := range n {
		m := c.pending[i]
		m.deadline = now.Add(b.ackWait)
		c.inflight = append(c.inflight, m)
		msgs[i] = m
	}
	c.pending = c.pending[n:]
	return msgs, nil, time.Time{}, nil
}

func (b *MemoryBus) DeleteConsumer(ctx context.Context, stream, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	if c, ok := s.consumers[name]; ok {
		c.deleted = true
		c.pending = nil
		c.inflight = nil
		delete(s.consumers, name)
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.streams {
		for _, c := range s.consumers {
			c.poke()
		}
	}
	return nil
}

// redeliverExpired puts in-flight messages whose ack wait has passed back at the
// head of pending, keeping their original order
func (c *memoryConsumer) redeliverExpired(now time.Time) {
	i := 0
	for i < len(c.inflight) && !now.Before(c.inflight[i].deadline) {
		i++
	}
	if i == 0 {
		return
	}
	expired := c.inflight[:i:i]
	c.inflight = append([]*memoryMessage(nil), c.inflight[i:]...)
	c.pending = append(expired, c.pending...)
}

func (c *memoryConsumer) poke() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

type memoryMessage struct {
	bus      *MemoryBus
	consumer *memoryConsumer
	subject  string
	data     []byte
	seq      uint64
	deadline time.Time
	acked    bool
}

func (m *memoryMessage) Subject() string  { return m.subject }
func (m *memoryMessage) Data() []byte     { return m.data }
func (m *memoryMessage) Sequence() uint64 { return m.seq }

// Ack settles the message. A late ack for a message already handed out again
// still settles it.
func (m *memoryMessage) Ack() error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()

	if m.acked {
		return nil
	}
	m.acked = true
	m.consumer.inflight = without(m.consumer.inflight, m)
	m.consumer.pending = without(m.consumer.pending, m)
	return nil
}

// Nak puts an in-flight message back at the head of the consumer's queue
func (m *memoryMessage) Nak() error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()

	if m.acked || m.consumer.deleted {
		return nil
	}

	before := len(m.consumer.inflight)
	m.consumer.inflight = without(m.consumer.inflight, m)
	if len(m.consumer.inflight) == before {
		return nil
	}
	m.consumer.pending = append([]*memoryMessage{m}, m.consumer.pending...)
	m.consumer.poke()
	return nil
}

func without(msgs []*memoryMessage, m *memoryMessage) []*memoryMessage {
	for i, candidate := range msgs {
		if candidate == m {
			return append(msgs[:i:i], msgs[i+1:]...)
		}
	}
	return msgs
}

func mergeSubjects(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			have = append(have, s)
			seen[s] = true
		}
	}
	return have
}

var _ Bus = (*MemoryBus)(nil)
