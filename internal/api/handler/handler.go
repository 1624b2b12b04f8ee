package handler

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/cuongbtq/constellation/internal/api/domain"
	"github.com/cuongbtq/constellation/internal/api/model"
	"github.com/cuongbtq/constellation/internal/api/storage"
	"github.com/cuongbtq/constellation/internal/eventbus"
	"github.com/cuongbtq/constellation/internal/metrics"
	"github.com/cuongbtq/constellation/internal/relay"
)

// JobRepository is the job CRUD surface; storage.Storage and storage.MemoryStorage implement it
type JobRepository interface {
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (*model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Jobs    JobRepository
	Metrics *metrics.Recorder

	// Bus is nil when the broker was unreachable at startup
	Bus            eventbus.Bus
	Relay          relay.Config
	MaxConnections int64

	ServiceName string
	Version     string
	CORSOrigins []string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	jobs    JobRepository
	metrics *metrics.Recorder
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NewNoop()
	}
	return &JobHandler{
		logger:  deps.Logger,
		jobs:    deps.Jobs,
		metrics: rec,
	}
}

// EventHandler streams job events over SSE, one relay per connection
type EventHandler struct {
	logger *slog.Logger
	relay  *relay.Relay
	slots  *semaphore.Weighted
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NewNoop()
	}

	maxConns := deps.MaxConnections
	if maxConns <= 0 {
		maxConns = 100
	}

	h := &EventHandler{
		logger: deps.Logger,
		slots:  semaphore.NewWeighted(maxConns),
	}
	if deps.Bus != nil {
		h.relay = relay.New(deps.Bus, deps.Relay, deps.Logger, rec)
	}
	return h
}
