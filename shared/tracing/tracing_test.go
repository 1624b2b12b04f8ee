package tracing

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(Config{Enabled: false})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "noop", KindInternal)
	EndSpan(span, nil)

	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_Writer(t *testing.T) {
	out := &bytes.Buffer{}
	shutdown, err := Init(Config{Enabled: true, ServiceName: "constellation-worker", ServiceVersion: "test", writer: out})
	require.NoError(t, err)

	ctx, parent := StartSpan(context.Background(), "worker.cycle", KindInternal)
	_, child := StartSpan(ctx, "jobs.dequeue", KindClient)
	child.WithAttributes(map[string]string{"job_id": "j1"}).SetInt("gpu_id", 1)
	EndSpan(child, errors.New("store unavailable"))
	EndSpan(parent, nil)

	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, out.String(), "worker.cycle")
	assert.Contains(t, out.String(), "jobs.dequeue")
	assert.Contains(t, out.String(), "store unavailable")
	assert.Contains(t, out.String(), "constellation-worker")
}

func TestInit_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")

	shutdown, err := Init(Config{Enabled: true, Output: path, ServiceName: "constellation-api"})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "http.request", KindServer)
	EndSpan(span, nil)
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "http.request")
}

func TestInit_FileError(t *testing.T) {
	_, err := Init(Config{Enabled: true, Output: filepath.Join(t.TempDir(), "missing", "spans.json")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open trace file")
}

func TestSpan_NilSafe(t *testing.T) {
	var span *Span
	assert.Nil(t, span.WithAttributes(map[string]string{"k": "v"}))
	assert.Nil(t, span.SetInt("k", 1))
	span.SetStatus(nil)
	EndSpan(nil, errors.New("ignored"))
}
