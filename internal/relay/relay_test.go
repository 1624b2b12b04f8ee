package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/constellation/internal/eventbus"
)

const testFetchTimeout = 50 * time.Millisecond

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	failOn func(frame string) bool
	sent   chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: make(chan string, 256)}
}

func (s *recordingSink) Send(frame []byte) error {
	f := string(frame)
	if s.failOn != nil && s.failOn(f) {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.sent <- f
	return nil
}

// next returns the next non-keepalive frame
func (s *recordingSink) next(t *testing.T) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.sent:
			if f == string(KeepaliveFrame) {
				continue
			}
			return f
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return ""
		}
	}
}

type fakeStats struct {
	mu   sync.Mutex
	open int64
}

func (f *fakeStats) SSEConnection(_ context.Context, delta int64) {
	f.mu.Lock()
	f.open += delta
	f.mu.Unlock()
}

func (f *fakeStats) value() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// trackingBus records which consumers are alive on the wrapped bus
type trackingBus struct {
	eventbus.Bus
	mu   sync.Mutex
	live map[string]bool
}

func (b *trackingBus) CreateConsumer(ctx context.Context, stream, name, filter string) (eventbus.Provision, error) {
	p, err := b.Bus.CreateConsumer(ctx, stream, name, filter)
	if err == nil {
		b.mu.Lock()
		b.live[name] = true
		b.mu.Unlock()
	}
	return p, err
}

func (b *trackingBus) DeleteConsumer(ctx context.Context, stream, name string) error {
	err := b.Bus.DeleteConsumer(ctx, stream, name)
	if err == nil {
		b.mu.Lock()
		delete(b.live, name)
		b.mu.Unlock()
	}
	return err
}

func (b *trackingBus) consumers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.live))
	for name := range b.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newTestBus(t *testing.T) *trackingBus {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	_, err := bus.EnsureStream(context.Background(), "JOBS", []string{"jobs.>"})
	require.NoError(t, err)
	return &trackingBus{Bus: bus, live: make(map[string]bool)}
}

func startRelay(t *testing.T, r *Relay, sink Sink) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sink) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitConsumer(t *testing.T, bus *trackingBus) string {
	t.Helper()
	var name string
	require.Eventually(t, func() bool {
		names := bus.consumers()
		if len(names) != 1 {
			return false
		}
		name = names[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return name
}

func TestRelay_StreamsEventsInOrder(t *testing.T) {
	bus := newTestBus(t)
	stats := &fakeStats{}
	r := New(bus, Config{FetchTimeout: testFetchTimeout}, discardLogger(), stats)
	sink := newRecordingSink()

	cancel, done := startRelay(t, r, sink)

	assert.Equal(t, string(ConnectedFrame), sink.next(t))
	name := waitConsumer(t, bus)
	assert.True(t, strings.HasPrefix(name, "sse-"))
	assert.Len(t, name, len("sse-")+36)

	payloads := []string{
		`{"job_id":"b","state":"running"}`,
		`{"job_id":"a","state":"running"}`,
		`{"job_id":"b","state":"completed"}`,
	}
	subjects := []string{"jobs.b.running", "jobs.a.running", "jobs.b.completed"}
	for i, p := range payloads {
		_, err := bus.Publish(context.Background(), subjects[i], []byte(p))
		require.NoError(t, err)
	}

	for _, p := range payloads {
		assert.Equal(t, "data: "+p+"\n\n", sink.next(t))
	}

	assert.Equal(t, int64(1), stats.value())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}

	assert.Empty(t, bus.consumers())
	assert.Equal(t, int64(0), stats.value())
}

func TestRelay_KeepaliveWhenIdle(t *testing.T) {
	bus := newTestBus(t)
	r := New(bus, Config{FetchTimeout: 10 * time.Millisecond}, discardLogger(), nil)
	sink := newRecordingSink()

	startRelay(t, r, sink)

	require.Equal(t, string(ConnectedFrame), <-sink.sent)
	select {
	case f := <-sink.sent:
		assert.Equal(t, ": keepalive\n\n", f)
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive")
	}
}

func TestRelay_DisconnectDeletesConsumerWithinFetchTimeout(t *testing.T) {
	bus := newTestBus(t)
	fetchTimeout := 200 * time.Millisecond
	r := New(bus, Config{FetchTimeout: fetchTimeout}, discardLogger(), nil)
	sink := newRecordingSink()

	cancel, done := startRelay(t, r, sink)
	sink.next(t)
	waitConsumer(t, bus)

	start := time.Now()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.LessOrEqual(t, time.Since(start), fetchTimeout+100*time.Millisecond)
	assert.Empty(t, bus.consumers())
}

func TestRelay_WriteFailureStopsAndCleansUp(t *testing.T) {
	bus := newTestBus(t)
	r := New(bus, Config{FetchTimeout: testFetchTimeout}, discardLogger(), nil)
	sink := newRecordingSink()
	sink.failOn = func(frame string) bool { return strings.Contains(frame, "job_id") }

	_, done := startRelay(t, r, sink)
	sink.next(t)
	waitConsumer(t, bus)

	_, err := bus.Publish(context.Background(), "jobs.x.running", []byte(`{"job_id":"x"}`))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after write failure")
	}
	assert.Empty(t, bus.consumers())
}

func TestRelay_ConnectedWriteFailure(t *testing.T) {
	bus := newTestBus(t)
	r := New(bus, Config{FetchTimeout: testFetchTimeout}, discardLogger(), nil)

	err := r.Run(context.Background(), SinkFunc(func([]byte) error { return errors.New("closed") }))
	assert.NoError(t, err)
	assert.Empty(t, bus.consumers())
}

func TestRelay_MissingStream(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	r := New(bus, Config{}, discardLogger(), nil)

	err := r.Run(context.Background(), newRecordingSink())
	require.Error(t, err)
	assert.ErrorIs(t, err, eventbus.ErrStreamNotFound)
}

type failingDeleteBus struct {
	eventbus.Bus
	deletes int
}

func (b *failingDeleteBus) DeleteConsumer(context.Context, string, string) error {
	b.deletes++
	return errors.New("broker unreachable")
}

func TestRelay_DeleteFailureIsNotReturned(t *testing.T) {
	bus := &failingDeleteBus{Bus: newTestBus(t)}
	r := New(bus, Config{FetchTimeout: testFetchTimeout}, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := r.Run(ctx, SinkFunc(func([]byte) error {
		cancel()
		return nil
	}))

	assert.NoError(t, err)
	assert.Equal(t, 1, bus.deletes)
}

func TestNew_Defaults(t *testing.T) {
	r := New(eventbus.NewMemoryBus(), Config{}, discardLogger(), nil)
	assert.Equal(t, Config{
		Stream:         "JOBS",
		Filter:         "jobs.>",
		ConsumerPrefix: "sse",
		FetchTimeout:   time.Second,
	}, r.config)
}
