package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/constellation/internal/eventbus"
	"github.com/cuongbtq/constellation/internal/relay"
	"github.com/cuongbtq/constellation/internal/worker/domain"
)

func newEventServer(t *testing.T, bus eventbus.Bus, maxConns int64) *httptest.Server {
	t.Helper()

	h := NewEventHandler(&Dependencies{
		Logger:         discardLogger(),
		Bus:            bus,
		Relay:          relay.Config{Stream: "JOBS", FetchTimeout: 50 * time.Millisecond},
		MaxConnections: maxConns,
	})
	r := gin.New()
	r.GET("/events", h.StreamEvents)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// countingBus counts the consumers alive on the wrapped bus
type countingBus struct {
	eventbus.Bus
	live atomic.Int64
}

func (b *countingBus) CreateConsumer(ctx context.Context, stream, name, filter string) (eventbus.Provision, error) {
	p, err := b.Bus.CreateConsumer(ctx, stream, name, filter)
	if err == nil {
		b.live.Add(1)
	}
	return p, err
}

func (b *countingBus) DeleteConsumer(ctx context.Context, stream, name string) error {
	err := b.Bus.DeleteConsumer(ctx, stream, name)
	if err == nil {
		b.live.Add(-1)
	}
	return err
}

func newStreamBus(t *testing.T) *countingBus {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	_, err := bus.EnsureStream(context.Background(), "JOBS", []string{domain.SubjectFilter})
	require.NoError(t, err)
	return &countingBus{Bus: bus}
}

type eventStream struct {
	resp   *http.Response
	lines  chan string
	cancel context.CancelFunc
}

func openStream(t *testing.T, srv *httptest.Server) *eventStream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	s := &eventStream{resp: resp, lines: make(chan string, 64), cancel: cancel}
	go func() {
		defer close(s.lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
	}()

	t.Cleanup(s.close)
	return s
}

func (s *eventStream) close() {
	s.cancel()
	s.resp.Body.Close()
}

// nextData returns the next data line, skipping keepalives and frame separators
func (s *eventStream) nextData(t *testing.T) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-s.lines:
			require.True(t, ok, "stream closed")
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return ""
		}
	}
}

func TestEventHandler_StreamEvents(t *testing.T) {
	bus := newStreamBus(t)
	srv := newEventServer(t, bus, 10)

	stream := openStream(t, srv)
	require.Equal(t, http.StatusOK, stream.resp.StatusCode)
	assert.Equal(t, "text/event-stream", stream.resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", stream.resp.Header.Get("Cache-Control"))

	assert.JSONEq(t, `{"type":"connected"}`, stream.nextData(t))
	assert.Equal(t, int64(1), bus.live.Load())

	ctx := context.Background()
	_, err := bus.Publish(ctx, "jobs.j1.running", []byte(`{"job_id":"j1","state":"running"}`))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "jobs.j1.completed", []byte(`{"job_id":"j1","state":"completed"}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"job_id":"j1","state":"running"}`, stream.nextData(t))
	assert.JSONEq(t, `{"job_id":"j1","state":"completed"}`, stream.nextData(t))

	stream.close()

	assert.Eventually(t, func() bool {
		return bus.live.Load() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEventHandler_ConnectionLimit(t *testing.T) {
	bus := newStreamBus(t)
	srv := newEventServer(t, bus, 1)

	first := openStream(t, srv)
	assert.JSONEq(t, `{"type":"connected"}`, first.nextData(t))

	resp, err := srv.Client().Get(srv.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	first.close()

	// the slot is released once the first relay has cleaned up
	assert.Eventually(t, func() bool {
		resp, err := srv.Client().Get(srv.URL + "/events")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEventHandler_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		bus  eventbus.Bus
	}{
		{name: "no event bus"},
		{name: "stream missing", bus: eventbus.NewMemoryBus()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newEventServer(t, tt.bus, 10)

			resp, err := srv.Client().Get(srv.URL + "/events")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
		})
	}
}
