package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/constellation/internal/api/domain"
	"github.com/cuongbtq/constellation/internal/api/model"
	jobdomain "github.com/cuongbtq/constellation/internal/worker/domain"
)

// MemoryStorage keeps jobs in a map, ordered the same way as Storage
type MemoryStorage struct {
	mu   sync.RWMutex
	jobs map[string]model.Job
	now  func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs: make(map[string]model.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStorage) CreateJob(_ context.Context, job *model.Job) (*model.Job, error) {
	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if len(stored.Params) == 0 {
		stored.Params = []byte(`{}`)
	}
	if stored.State == "" {
		stored.State = jobdomain.StateQueued.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.jobs[stored.ID] = stored

	return &stored, nil
}

func (s *MemoryStorage) GetJobByID(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (s *MemoryStorage) ListJobs(_ context.Context, filter JobFilter) ([]model.Job, error) {
	s.mu.RLock()
	jobs := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Cursor != nil && !before(job, filter.Cursor) {
			continue
		}
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

// before reports whether job sorts after cursor in created_at DESC, id DESC order
func before(job model.Job, cursor *JobCursor) bool {
	if !job.CreatedAt.Equal(cursor.CreatedAt) {
		return job.CreatedAt.Before(cursor.CreatedAt)
	}
	return job.ID < cursor.JobID
}

func (s *MemoryStorage) UpdateJob(_ context.Context, jobID string, update domain.JobUpdate) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	if update.Name != nil {
		job.Name = *update.Name
	}
	if update.Params != nil {
		job.Params = update.Params
	}
	if update.Priority != nil {
		job.Priority = *update.Priority
	}
	if update.State != nil {
		job.State = update.State.String()
	}
	if update.SubmittedBy != nil {
		submittedBy := *update.SubmittedBy
		job.SubmittedBy = &submittedBy
	}

	s.jobs[jobID] = job
	return &job, nil
}

func (s *MemoryStorage) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}
