package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/wfsearch/internal/domain"
)

func newTestRun() *domain.Run {
	return domain.NewRun("test-run", domain.WalkforwardSettings{
		Start:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC),
		Iterations: 2,
		PercentIn:  decimal.NewFromInt(80),
		PercentOut: decimal.NewFromInt(20),
	})
}

func newTestJob(runID uuid.UUID, id int64) *domain.Job {
	window := domain.NewIteration(domain.InSample,
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC))
	job := domain.NewJob(runID, id, 0, window, domain.ParameterSet{"fast": "10"})
	job.Engine = domain.EngineSpec{Image: "engine:test"}
	job.CreatedAt = time.Now().Add(time.Duration(id) * time.Millisecond).UTC().Truncate(time.Microsecond)
	return job
}

// exerciseRepositories runs the same lifecycle against any implementation.
func exerciseRepositories(t *testing.T, repos *Repositories) {
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, repos.Run.Create(ctx, run))

	t.Run("RunLifecycle", func(t *testing.T) {
		got, err := repos.Run.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.Name, got.Name)
		assert.Equal(t, domain.RunStatusPending, got.Status)
		assert.True(t, run.Settings.PercentIn.Equal(got.Settings.PercentIn))
		assert.Equal(t, 2, got.Settings.Iterations)

		require.NoError(t, repos.Run.UpdateStatus(ctx, run.ID, domain.RunStatusRunning, ""))
		got, err = repos.Run.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusRunning, got.Status)
		assert.Nil(t, got.CompletedAt)

		runs, err := repos.Run.List(ctx, 10)
		require.NoError(t, err)
		assert.NotEmpty(t, runs)

		_, err = repos.Run.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("JobLifecycle", func(t *testing.T) {
		jobs := []*domain.Job{newTestJob(run.ID, 1), newTestJob(run.ID, 2), newTestJob(run.ID, 3)}
		require.NoError(t, repos.Job.CreateBatch(ctx, jobs))

		got, err := repos.Job.GetByID(ctx, jobs[0].Key())
		require.NoError(t, err)
		assert.Equal(t, domain.InSample, got.Kind)
		assert.Equal(t, "10", got.Params["fast"])
		assert.Equal(t, "2020-01-01 00:00:00", got.Params[domain.ParamStartDate])
		assert.Equal(t, "engine:test", got.Engine.Image)

		pending, err := repos.Job.GetPendingJobs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, int64(1), pending[0].ID)
		assert.Equal(t, int64(2), pending[1].ID)

		require.NoError(t, repos.Job.MarkRunning(ctx, jobs[0].Key()))
		assert.ErrorIs(t, repos.Job.MarkRunning(ctx, jobs[0].Key()), domain.ErrConflict)
		require.NoError(t, repos.Job.SetContainer(ctx, jobs[0].Key(), "c-1"))
		require.NoError(t, repos.Job.IncrementRetryCount(ctx, jobs[0].Key()))
		require.NoError(t, repos.Job.MarkCompleted(ctx, jobs[0].Key(), []byte(`{"profit": 3}`)))

		got, err = repos.Job.GetByID(ctx, jobs[0].Key())
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		assert.JSONEq(t, `{"profit": 3}`, string(got.Payload))
		require.NotNil(t, got.ContainerID)
		assert.Equal(t, "c-1", *got.ContainerID)
		assert.Equal(t, 1, got.RetryCount)
		assert.NotNil(t, got.CompletedAt)

		require.NoError(t, repos.Job.MarkFailed(ctx, jobs[1].Key(), "engine crashed"))
		assert.ErrorIs(t, repos.Job.MarkFailed(ctx, jobs[1].Key(), "again"), domain.ErrConflict)
		assert.ErrorIs(t, repos.Job.MarkCompleted(ctx, jobs[2].Key(), []byte(`{}`)), domain.ErrConflict)

		missing := domain.JobKey{RunID: run.ID, ID: 99}
		_, err = repos.Job.GetByID(ctx, missing)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, repos.Job.MarkRunning(ctx, missing), domain.ErrNotFound)

		stats, err := repos.Job.GetQueueStats(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.PendingJobs, 1)

		n, err := repos.Job.CancelRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		listed, err := repos.Job.ListByRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, domain.JobStatusCompleted, listed[0].Status)
		assert.Equal(t, domain.JobStatusFailed, listed[1].Status)
		assert.Equal(t, domain.JobStatusCancelled, listed[2].Status)
	})

	t.Run("TimedOutJobs", func(t *testing.T) {
		job := newTestJob(run.ID, 10)
		require.NoError(t, repos.Job.Create(ctx, job))
		require.NoError(t, repos.Job.MarkRunning(ctx, job.Key()))

		timedOut, err := repos.Job.GetTimedOutJobs(ctx, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, timedOut)

		time.Sleep(5 * time.Millisecond)
		timedOut, err = repos.Job.GetTimedOutJobs(ctx, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, timedOut, 1)
		assert.Equal(t, int64(10), timedOut[0].ID)
	})

	t.Run("CompleteRun", func(t *testing.T) {
		require.NoError(t, repos.Run.UpdateStatus(ctx, run.ID, domain.RunStatusCompleted, "all iterations validated"))
		got, err := repos.Run.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusCompleted, got.Status)
		assert.Equal(t, "all iterations validated", got.TerminationReason)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestMemoryRepositories(t *testing.T) {
	exerciseRepositories(t, NewMemoryRepositories())
}

func TestMemoryJobRepository_CopiesJobs(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobRepository()

	job := newTestJob(uuid.New(), 1)
	require.NoError(t, repo.Create(ctx, job))
	job.Params["fast"] = "mutated"

	got, err := repo.GetByID(ctx, job.Key())
	require.NoError(t, err)
	assert.Equal(t, "10", got.Params["fast"])

	assert.ErrorIs(t, repo.Create(ctx, job), domain.ErrConflict)
}

func TestPostgresRepositories(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := setupTestDB(t, "wf_jobs", "wf_runs")

	exerciseRepositories(t, NewRepositories(pool))
}
