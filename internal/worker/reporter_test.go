package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/cuongbtq/constellation/internal/worker/gpu"
	"github.com/cuongbtq/constellation/internal/worker/storage"
)

// syncBuffer is a goroutine-safe log sink
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewReporter_Schedules(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{schedule: "@every 30s"},
		{schedule: "*/5 * * * *"},
		{schedule: "@hourly"},
		{schedule: "every thirty seconds", wantErr: true},
		{schedule: "* * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			_, err := NewReporter(tt.schedule, gpu.NewSimulatedPool(1, nil), storage.NewMemoryStore(), discardLogger())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid report schedule")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestReporter_Report(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))

	store := storage.NewMemoryStore()
	ctx := context.Background()
	for range 2 {
		_, err := store.Enqueue(ctx, &domain.Job{Name: "q"})
		require.NoError(t, err)
	}

	pool := gpu.NewSimulatedPool(2, nil)
	require.NoError(t, pool.Allocate(1))

	r, err := NewReporter("@every 30s", pool, store, logger)
	require.NoError(t, err)

	r.Report(ctx)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"gpu_id":0`)
	assert.Contains(t, lines[1], `"available":false`)
	assert.Contains(t, lines[2], `"msg":"Job counts"`)
	assert.Contains(t, lines[2], `"queued":2`)
	assert.Contains(t, lines[2], `"completed":0`)
}

type failingCountStore struct {
	storage.JobStore
}

func (failingCountStore) CountByState(context.Context) (map[domain.State]int, error) {
	return nil, errors.New("db offline")
}

func TestReporter_ReportCountFailure(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))

	r, err := NewReporter("@every 30s", gpu.NewSimulatedPool(1, nil), failingCountStore{storage.NewMemoryStore()}, logger)
	require.NoError(t, err)

	r.Report(context.Background())
	assert.Contains(t, out.String(), "Failed to count jobs")
	assert.Contains(t, out.String(), "db offline")
}

func TestReporter_Run(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))

	r, err := NewReporter("@every 1s", gpu.NewSimulatedPool(1, nil), storage.NewMemoryStore(), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	r.Run(ctx)
	assert.Contains(t, out.String(), "GPU status")
}
