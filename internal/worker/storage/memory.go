package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/google/uuid"
)

// MemoryStore is an in-process JobStore with the same ordering contract as PostgresStore:
// priority descending, then creation time ascending. The mutex makes each dequeue atomic.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	now   func() time.Time
	order []string // insertion order, used only to stabilise equal timestamps
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue inserts a queued copy of job
func (s *MemoryStore) Enqueue(_ context.Context, job *domain.Job) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if len(stored.Params) == 0 {
		stored.Params = json.RawMessage(`{}`)
	}
	stored.State = domain.StateQueued

	if _, exists := s.jobs[stored.ID]; !exists {
		s.order = append(s.order, stored.ID)
	}
	s.jobs[stored.ID] = &stored

	result := stored
	return &result, nil
}

// DequeueNext claims the best queued job
func (s *MemoryStore) DequeueNext(ctx context.Context) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Job
	for _, id := range s.order {
		if job := s.jobs[id]; job.State == domain.StateQueued {
			candidates = append(candidates, job)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	next := candidates[0]
	next.State = domain.StateRunning

	result := *next
	return &result, nil
}

// MarkState sets the job state
func (s *MemoryStore) MarkState(_ context.Context, jobID string, state domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.State = state
	return nil
}

// CountByState groups jobs by state
func (s *MemoryStore) CountByState(_ context.Context) (map[domain.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := zeroCounts()
	for _, job := range s.jobs {
		result[job.State]++
	}
	return result, nil
}

// Get returns a copy of the job
func (s *MemoryStore) Get(jobID string) (*domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	result := *job
	return &result, true
}

var (
	_ JobStore = (*MemoryStore)(nil)
	_ JobStore = (*PostgresStore)(nil)
)
