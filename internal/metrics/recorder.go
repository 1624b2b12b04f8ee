// Package metrics records job and GPU measurements through the OpenTelemetry metric API.
// The meter comes from the caller; exporter wiring belongs to the process.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/cuongbtq/constellation/internal/worker/gpu"
)

const namespace = "constellation"

// maxErrorAttrLen bounds the error_type attribute cardinality
const maxErrorAttrLen = 50

// Recorder holds the instruments used by the worker and API
type Recorder struct {
	meter metric.Meter

	jobsCreated     metric.Int64Counter
	jobsProcessed   metric.Int64Counter
	jobsFailed      metric.Int64Counter
	jobsRequeued    metric.Int64Counter
	executionTime   metric.Float64Histogram
	jobsInProgress  metric.Int64UpDownCounter
	pollCycles      metric.Int64Counter
	eventsPublished metric.Int64Counter
	sseConnections  metric.Int64UpDownCounter
}

// New creates the instruments on meter
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{meter: meter}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.jobsCreated, "jobs.created", "Total number of jobs submitted"},
		{&r.jobsProcessed, "worker.jobs.processed", "Total number of jobs processed successfully"},
		{&r.jobsFailed, "worker.jobs.failed", "Total number of jobs that failed"},
		{&r.jobsRequeued, "worker.jobs.requeued", "Total number of jobs requeued for lack of a GPU"},
		{&r.pollCycles, "worker.poll_cycles", "Total number of poll cycles executed"},
		{&r.eventsPublished, "worker.events.published", "Total number of job events published"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(namespace+"."+c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}

	r.executionTime, err = meter.Float64Histogram(namespace+".worker.job.execution_time",
		metric.WithDescription("Job execution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution time histogram: %w", err)
	}

	r.jobsInProgress, err = meter.Int64UpDownCounter(namespace+".worker.jobs.in_progress",
		metric.WithDescription("Number of jobs currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-progress counter: %w", err)
	}

	r.sseConnections, err = meter.Int64UpDownCounter(namespace+".api.sse.connections",
		metric.WithDescription("Number of open event stream connections"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sse connection counter: %w", err)
	}

	return r, nil
}

// NewGlobal creates a Recorder on the global meter provider
func NewGlobal(name string) (*Recorder, error) {
	return New(otel.Meter(name))
}

// NewNoop returns a Recorder that discards everything
func NewNoop() *Recorder {
	r, err := New(noop.NewMeterProvider().Meter(namespace))
	if err != nil {
		// noop instruments never fail
		panic(err)
	}
	return r
}

func (r *Recorder) JobCreated(ctx context.Context) {
	r.jobsCreated.Add(ctx, 1)
}

func (r *Recorder) JobStarted(ctx context.Context) {
	r.jobsInProgress.Add(ctx, 1)
}

func (r *Recorder) JobFinished(ctx context.Context) {
	r.jobsInProgress.Add(ctx, -1)
}

// JobProcessed records a successful run and its duration
func (r *Recorder) JobProcessed(ctx context.Context, jobName string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("job_name", jobName))
	r.jobsProcessed.Add(ctx, 1, attrs)
	r.executionTime.Record(ctx, seconds, attrs)
}

// JobFailed records a failed run. errMsg may be empty when the executor reported failure.
func (r *Recorder) JobFailed(ctx context.Context, jobName, errMsg string) {
	attrs := []attribute.KeyValue{attribute.String("job_name", jobName)}
	if errMsg != "" {
		if len(errMsg) > maxErrorAttrLen {
			errMsg = errMsg[:maxErrorAttrLen]
		}
		attrs = append(attrs, attribute.String("error_type", errMsg))
	}
	r.jobsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (r *Recorder) JobRequeued(ctx context.Context) {
	r.jobsRequeued.Add(ctx, 1)
}

func (r *Recorder) PollCycle(ctx context.Context, jobFound bool) {
	r.pollCycles.Add(ctx, 1, metric.WithAttributes(attribute.Bool("jobs_found", jobFound)))
}

func (r *Recorder) EventPublished(ctx context.Context, state string) {
	r.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", state)))
}

// SSEConnection adjusts the open connection count by delta
func (r *Recorder) SSEConnection(ctx context.Context, delta int64) {
	r.sseConnections.Add(ctx, delta)
}

// ObserveGPUs registers gauges sampled from status on every collection
func (r *Recorder) ObserveGPUs(status func() []gpu.GPU) error {
	utilization, err := r.meter.Int64ObservableGauge(namespace+".worker.gpu.utilization",
		metric.WithDescription("GPU utilization percentage (0-100)"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create gpu utilization gauge: %w", err)
	}

	memoryUsed, err := r.meter.Int64ObservableGauge(namespace+".worker.gpu.memory_used",
		metric.WithDescription("GPU memory used in megabytes"),
		metric.WithUnit("MBy"),
	)
	if err != nil {
		return fmt.Errorf("failed to create gpu memory gauge: %w", err)
	}

	temperature, err := r.meter.Int64ObservableGauge(namespace+".worker.gpu.temperature",
		metric.WithDescription("GPU temperature in Celsius"),
		metric.WithUnit("Cel"),
	)
	if err != nil {
		return fmt.Errorf("failed to create gpu temperature gauge: %w", err)
	}

	_, err = r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, g := range status() {
			attrs := metric.WithAttributes(attribute.Int("gpu_id", g.ID))
			o.ObserveInt64(utilization, int64(g.UtilizationPercent), attrs)
			o.ObserveInt64(memoryUsed, int64(g.MemoryUsedMB), attrs)
			o.ObserveInt64(temperature, int64(g.TemperatureC), attrs)
		}
		return nil
	}, utilization, memoryUsed, temperature)
	if err != nil {
		return fmt.Errorf("failed to register gpu callback: %w", err)
	}
	return nil
}
