package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/constellation/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns an empty store
type storeFactory func(t *testing.T) JobStore

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) JobStore {
		return NewMemoryStore()
	})
}

// TEST_DATABASE_URL points at a disposable database; the jobs table is recreated.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile("../../../db/migrations/0001_create_jobs_table.up.sql")
	require.NoError(t, err)

	runStoreSuite(t, func(t *testing.T) JobStore {
		_, err := db.Exec(`DROP TABLE IF EXISTS jobs`)
		require.NoError(t, err)
		_, err = db.Exec(string(schema))
		require.NoError(t, err)
		return NewPostgresStore(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("dequeue order is priority then age", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		for i, priority := range []int{5, 10, 1} {
			_, err := store.Enqueue(ctx, &domain.Job{
				Name:      fmt.Sprintf("p%d", priority),
				Priority:  priority,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		var names []string
		for range 3 {
			job, err := store.DequeueNext(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, domain.StateRunning, job.State)
			names = append(names, job.Name)
		}
		assert.Equal(t, []string{"p10", "p5", "p1"}, names)

		job, err := store.DequeueNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("equal priority dequeues oldest first", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		// inserted newest first
		for i := 2; i >= 0; i-- {
			_, err := store.Enqueue(ctx, &domain.Job{
				Name:      fmt.Sprintf("job-%d", i),
				Priority:  3,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
		}

		for i := range 3 {
			job, err := store.DequeueNext(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, fmt.Sprintf("job-%d", i), job.Name)
		}
	})

	t.Run("requeued job stays eligible", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		queued, err := store.Enqueue(ctx, &domain.Job{Name: "needs-gpu", Priority: 1})
		require.NoError(t, err)

		job, err := store.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, queued.ID, job.ID)

		require.NoError(t, store.MarkState(ctx, job.ID, domain.StateQueued))

		again, err := store.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, job.ID, again.ID)
	})

	t.Run("mark state of unknown job", func(t *testing.T) {
		store := newStore(t)
		err := store.MarkState(context.Background(), "00000000-0000-0000-0000-000000000000", domain.StateFailed)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("enqueue fills defaults", func(t *testing.T) {
		store := newStore(t)
		job, err := store.Enqueue(context.Background(), &domain.Job{Name: "defaults"})
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, domain.StateQueued, job.State)
		assert.False(t, job.CreatedAt.IsZero())
		assert.JSONEq(t, `{}`, string(job.Params))
		assert.Nil(t, job.SubmittedBy)
	})

	t.Run("count by state", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := range 3 {
			_, err := store.Enqueue(ctx, &domain.Job{Name: fmt.Sprintf("c%d", i)})
			require.NoError(t, err)
		}
		job, err := store.DequeueNext(ctx)
		require.NoError(t, err)
		require.NoError(t, store.MarkState(ctx, job.ID, domain.StateCompleted))

		counts, err := store.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[domain.State]int{
			domain.StateQueued:    2,
			domain.StateRunning:   0,
			domain.StateCompleted: 1,
			domain.StateFailed:    0,
		}, counts)
	})

	t.Run("concurrent dequeue returns each job once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const jobs = 50
		const callers = 8

		for i := range jobs {
			_, err := store.Enqueue(ctx, &domain.Job{Name: fmt.Sprintf("job-%d", i), Priority: i % 4})
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := store.DequeueNext(ctx)
					if !assert.NoError(t, err) || job == nil {
						return
					}
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, count := range seen {
			assert.Equal(t, 1, count, "job %s returned %d times", id, count)
		}
	})
}
