package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/constellation/internal/api/domain"
	"github.com/cuongbtq/constellation/internal/api/model"
	jobdomain "github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/cuongbtq/constellation/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

type JobFilter struct {
	State    string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor marks the last row of a page in created_at DESC, id DESC order
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

const jobColumns = `id, name, params, priority, state, created_at, submitted_by`

// CreateJob inserts job and returns the stored row. Empty id and created_at are
// filled by the database.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	params := job.Params
	if len(params) == 0 {
		params = []byte(`{}`)
	}

	query := `
		INSERT INTO jobs (id, name, params, priority, state, created_at, submitted_by)
		VALUES (
			COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()),
			$2, $3, $4, $5,
			COALESCE($6, now()),
			$7
		)
		RETURNING ` + jobColumns

	state := job.State
	if state == "" {
		state = jobdomain.StateQueued.String()
	}

	var createdAt *time.Time
	if !job.CreatedAt.IsZero() {
		createdAt = &job.CreatedAt
	}

	var stored model.Job
	err := s.db.GetContext(ctx, &stored, query,
		job.ID,
		job.Name,
		string(params),
		job.Priority,
		state,
		createdAt,
		job.SubmittedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return &stored, nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ListJobs returns up to PageSize+1 rows so the caller can tell whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	jobs := []model.Job{}
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// UpdateJob applies the non-nil fields of update and returns the updated row
func (s *Storage) UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (*model.Job, error) {
	if update.IsEmpty() {
		return s.GetJobByID(ctx, jobID)
	}

	sets := []string{}
	args := []interface{}{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Name != nil {
		add("name", *update.Name)
	}
	if update.Params != nil {
		add("params", string(update.Params))
	}
	if update.Priority != nil {
		add("priority", *update.Priority)
	}
	if update.State != nil {
		add("state", update.State.String())
	}
	if update.SubmittedBy != nil {
		add("submitted_by", *update.SubmittedBy)
	}

	args = append(args, jobID)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), jobColumns)

	var job model.Job
	err := s.db.GetContext(ctx, &job, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	return &job, nil
}

func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}
