package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// JobStore is the persistent job queue used by the worker loop
type JobStore interface {
	// Enqueue inserts a job in the queued state
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error)

	// DequeueNext atomically claims the highest-priority, oldest queued job and marks it
	// running. It returns (nil, nil) when no job is eligible. Rows claimed by a concurrent
	// caller are skipped, never waited on.
	DequeueNext(ctx context.Context) (*domain.Job, error)

	// MarkState unconditionally sets the job state
	MarkState(ctx context.Context, jobID string, state domain.State) error

	// CountByState returns the number of jobs per state, zero-filled
	CountByState(ctx context.Context) (map[domain.State]int, error)
}

// PostgresStore handles all database operations for the worker
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `id, name, params, priority, state, created_at, submitted_by`

// Enqueue inserts a queued job and returns the stored row
func (s *PostgresStore) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO jobs (id, name, params, priority, state, created_at, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + jobColumns

	var stored domain.Job
	err := s.db.GetContext(ctx, &stored, query,
		id,
		job.Name,
		string(params),
		job.Priority,
		domain.StateQueued,
		createdAt,
		job.SubmittedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return &stored, nil
}

// DequeueNext claims one queued job with FOR UPDATE SKIP LOCKED. The select and the
// update run as a single statement, so no transaction stays open across calls.
func (s *PostgresStore) DequeueNext(ctx context.Context) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = $2
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.StateRunning, domain.StateQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to dequeue job: %w", err))
	}

	s.logger.Debug("Job dequeued",
		slog.String("job_id", job.ID),
		slog.Int("priority", job.Priority),
	)

	return &job, nil
}

// MarkState updates the job state
func (s *PostgresStore) MarkState(ctx context.Context, jobID string, state domain.State) error {
	result, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = $1 WHERE id = $2`, state, jobID)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to update job state: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Debug("Job state updated",
		slog.String("job_id", jobID),
		slog.String("state", state.String()),
	)

	return nil
}

// CountByState groups jobs by state
func (s *PostgresStore) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	result := zeroCounts()
	for rows.Next() {
		var state domain.State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		result[state] = count
	}

	return result, rows.Err()
}

func zeroCounts() map[domain.State]int {
	result := make(map[domain.State]int, len(domain.AllStates))
	for _, state := range domain.AllStates {
		result[state] = 0
	}
	return result
}
