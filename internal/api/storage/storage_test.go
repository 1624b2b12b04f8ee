package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/constellation/internal/api/domain"
	"github.com/cuongbtq/constellation/internal/api/model"
	jobdomain "github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/cuongbtq/constellation/shared/postgresql"
)

type repository interface {
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (*model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

func TestMemoryStorage(t *testing.T) {
	runRepositorySuite(t, func(t *testing.T) repository {
		return NewMemoryStorage()
	})
}

// TEST_DATABASE_URL points at a disposable database; the jobs table is recreated.
func TestStorage(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	client, err := postgresql.NewClient(context.Background(), &postgresql.Config{URL: dsn, RetryAttempts: 1},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	schema, err := os.ReadFile("../../../db/migrations/0001_create_jobs_table.up.sql")
	require.NoError(t, err)

	runRepositorySuite(t, func(t *testing.T) repository {
		db := client.GetDB()
		_, err := db.Exec(`DROP TABLE IF EXISTS jobs`)
		require.NoError(t, err)
		_, err = db.Exec(string(schema))
		require.NoError(t, err)
		return NewStorage(client)
	})
}

func runRepositorySuite(t *testing.T, newRepo func(t *testing.T) repository) {
	ctx := context.Background()

	t.Run("create fills defaults", func(t *testing.T) {
		repo := newRepo(t)

		job, err := repo.CreateJob(ctx, &model.Job{Name: "a"})
		require.NoError(t, err)

		_, err = uuid.Parse(job.ID)
		assert.NoError(t, err)
		assert.JSONEq(t, `{}`, string(job.Params))
		assert.Equal(t, jobdomain.StateQueued.String(), job.State)
		assert.False(t, job.CreatedAt.IsZero())
		assert.Nil(t, job.SubmittedBy)

		got, err := repo.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.Name, got.Name)
	})

	t.Run("missing job", func(t *testing.T) {
		repo := newRepo(t)
		missing := uuid.NewString()

		_, err := repo.GetJobByID(ctx, missing)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)

		name := "x"
		_, err = repo.UpdateJob(ctx, missing, domain.JobUpdate{Name: &name})
		assert.ErrorIs(t, err, domain.ErrJobNotFound)

		assert.ErrorIs(t, repo.DeleteJob(ctx, missing), domain.ErrJobNotFound)
	})

	t.Run("partial update", func(t *testing.T) {
		repo := newRepo(t)
		submitter := "carol"
		job, err := repo.CreateJob(ctx, &model.Job{
			Name:        "a",
			Params:      []byte(`{"epochs":3}`),
			Priority:    2,
			SubmittedBy: &submitter,
		})
		require.NoError(t, err)

		priority := 8
		state := jobdomain.StateFailed
		updated, err := repo.UpdateJob(ctx, job.ID, domain.JobUpdate{Priority: &priority, State: &state})
		require.NoError(t, err)

		assert.Equal(t, 8, updated.Priority)
		assert.Equal(t, "failed", updated.State)
		assert.Equal(t, "a", updated.Name)
		assert.JSONEq(t, `{"epochs":3}`, string(updated.Params))
		require.NotNil(t, updated.SubmittedBy)
		assert.Equal(t, "carol", *updated.SubmittedBy)

		same, err := repo.UpdateJob(ctx, job.ID, domain.JobUpdate{})
		require.NoError(t, err)
		assert.Equal(t, 8, same.Priority)
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		job, err := repo.CreateJob(ctx, &model.Job{Name: "a"})
		require.NoError(t, err)

		require.NoError(t, repo.DeleteJob(ctx, job.ID))
		_, err = repo.GetJobByID(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		repo := newRepo(t)
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		// two rows share a timestamp so the id tiebreak is exercised
		created := []time.Time{base, base.Add(time.Second), base.Add(time.Second), base.Add(2 * time.Second)}
		for i, at := range created {
			_, err := repo.CreateJob(ctx, &model.Job{Name: fmt.Sprintf("job-%d", i), CreatedAt: at})
			require.NoError(t, err)
		}

		all, err := repo.ListJobs(ctx, JobFilter{PageSize: 10})
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
		}

		var paged []string
		var cursor *JobCursor
		for {
			page, err := repo.ListJobs(ctx, JobFilter{PageSize: 1, Cursor: cursor})
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			assert.LessOrEqual(t, len(page), 2)
			paged = append(paged, page[0].ID)
			cursor = &JobCursor{CreatedAt: page[0].CreatedAt, JobID: page[0].ID}
		}

		want := make([]string, len(all))
		for i, j := range all {
			want[i] = j.ID
		}
		assert.Equal(t, want, paged)
	})

	t.Run("list filters by state", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.CreateJob(ctx, &model.Job{Name: "q"})
		require.NoError(t, err)
		_, err = repo.CreateJob(ctx, &model.Job{Name: "done", State: "completed"})
		require.NoError(t, err)

		jobs, err := repo.ListJobs(ctx, JobFilter{State: "completed", PageSize: 10})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "done", jobs[0].Name)
	})
}
