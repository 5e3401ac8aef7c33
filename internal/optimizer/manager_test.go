package optimizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/wfsearch/internal/db/repository"
	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/objective"
	"github.com/saltfish/wfsearch/internal/search"
	"github.com/saltfish/wfsearch/internal/strategy"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*domain.Job
	cancelled []uuid.UUID
	err       error
}

func (q *fakeQueue) Dispatch(_ context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) CancelRun(_ context.Context, runID uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, runID)
	return 0, nil
}

func (q *fakeQueue) byKind(kind domain.IterationKind) []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*domain.Job
	for _, j := range q.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

type recordingPublisher struct {
	mu       sync.Mutex
	started  int
	finished []*domain.Run
}

func (p *recordingPublisher) PublishRunStarted(*domain.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	return nil
}

func (p *recordingPublisher) PublishRunFinished(run *domain.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, run)
	return nil
}

type recordingHook struct {
	started, finished []uuid.UUID
}

func (h *recordingHook) RunStarted(run *domain.Run)  { h.started = append(h.started, run.ID) }
func (h *recordingHook) RunFinished(run *domain.Run) { h.finished = append(h.finished, run.ID) }

func testSpec() *RunSpec {
	return &RunSpec{
		Name: "sma-cross",
		Settings: domain.WalkforwardSettings{
			Start:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			End:        time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC),
			Iterations: 2,
			PercentIn:  decimal.NewFromInt(80),
			PercentOut: decimal.NewFromInt(20),
		},
		Parameters: search.Space{
			{Name: "fast", Min: decimal.NewFromInt(5), Max: decimal.NewFromInt(10), Step: decimal.NewFromInt(5)},
		},
		Objective: objective.Objective{Target: "score", Direction: domain.Maximize},
		Search:    search.Settings{Mode: search.ModeGrid},
		Engine:    domain.EngineSpec{Image: "engine:latest"},
	}
}

type managerFixture struct {
	manager   *Manager
	repos     *repository.Repositories
	queue     *fakeQueue
	publisher *recordingPublisher
	hook      *recordingHook
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		repos:     repository.NewMemoryRepositories(),
		queue:     &fakeQueue{},
		publisher: &recordingPublisher{},
		hook:      &recordingHook{},
	}
	f.manager = NewManager(f.repos, f.queue, f.publisher, zaptest.NewLogger(t), WithRunHooks(f.hook))
	return f
}

func score(v string) []byte {
	return []byte(fmt.Sprintf(`{"score": %s}`, v))
}

func TestManager_StartDispatchesInSampleJobs(t *testing.T) {
	f := newManagerFixture(t)

	run, err := f.manager.Start(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)

	jobs := f.queue.byKind(domain.InSample)
	require.Len(t, jobs, 4)
	for _, job := range jobs {
		assert.Equal(t, run.ID, job.RunID)
		assert.Equal(t, "engine:latest", job.Engine.Image)
		assert.Contains(t, job.Params, domain.ParamStartDate)
	}
	assert.Empty(t, f.queue.byKind(domain.OutOfSample))

	stored, err := f.repos.Run.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, stored.Status)
	assert.Equal(t, 1, f.publisher.started)
	assert.Equal(t, []uuid.UUID{run.ID}, f.hook.started)
	assert.Equal(t, 1, f.manager.ActiveRuns())
}

func TestManager_RunCompletesAfterValidation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	run, err := f.manager.Start(ctx, testSpec())
	require.NoError(t, err)

	for _, job := range f.queue.byKind(domain.InSample) {
		require.NoError(t, f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: job.ID, Payload: score(job.Params["fast"])}))
	}

	oos := f.queue.byKind(domain.OutOfSample)
	require.Len(t, oos, 2)
	for _, job := range oos {
		assert.Equal(t, "10", job.Params["fast"])
		assert.Equal(t, "engine:latest", job.Engine.Image)
	}

	for _, job := range oos {
		require.NoError(t, f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: job.ID, Payload: score("7")}))
	}

	got, err := f.manager.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, f.publisher.finished, 1)
	assert.Equal(t, domain.RunStatusCompleted, f.publisher.finished[0].Status)
	assert.Equal(t, []uuid.UUID{run.ID}, f.hook.finished)
	assert.Equal(t, 0, f.manager.ActiveRuns())

	report, err := f.manager.Report(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, report.Iterations, 2)
	require.NotNil(t, report.Iterations[0].Efficiency)
	assert.Equal(t, "0.7", report.Iterations[0].Efficiency.String())
	assert.True(t, report.Stats.Completed)
}

func TestManager_StalledRunFails(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	run, err := f.manager.Start(ctx, testSpec())
	require.NoError(t, err)

	for i, job := range f.queue.byKind(domain.InSample) {
		var signal domain.Signal = domain.Completed{JobID: job.ID, Payload: score("1")}
		if i == 0 {
			signal = domain.Failed{JobID: job.ID, Reason: "engine crashed"}
		}
		require.NoError(t, f.manager.Deliver(ctx, run.ID, signal))
	}
	// Iteration 1 was promoted; finish its validation
	for _, job := range f.queue.byKind(domain.OutOfSample) {
		require.NoError(t, f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: job.ID, Payload: score("1")}))
	}

	got, err := f.manager.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Contains(t, got.TerminationReason, "stalled")

	err = f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: 1, Payload: score("1")})
	assert.ErrorIs(t, err, domain.ErrRunNotActive)
}

func TestManager_FailedValidationFailsRun(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	run, err := f.manager.Start(ctx, testSpec())
	require.NoError(t, err)

	for _, job := range f.queue.byKind(domain.InSample) {
		require.NoError(t, f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: job.ID, Payload: score(job.Params["fast"])}))
	}
	oos := f.queue.byKind(domain.OutOfSample)
	require.Len(t, oos, 2)
	require.NoError(t, f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: oos[0].ID, Payload: score("7")}))
	require.NoError(t, f.manager.Deliver(ctx, run.ID, domain.Failed{JobID: oos[1].ID, Reason: "engine crashed"}))

	got, err := f.manager.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, fmt.Sprintf("out-of-sample validation failed for iterations [%d]", oos[1].Iteration), got.TerminationReason)
	assert.NotContains(t, got.TerminationReason, "stalled")
}

func TestSettleReason(t *testing.T) {
	stats := strategy.Stats{Iterations: []strategy.IterationStats{
		{Index: 0, InSample: strategy.Counters{Dispatched: 2, Completed: 1, Failed: 1}},
		{Index: 1, InSample: strategy.Counters{Dispatched: 2, Completed: 2}, Promoted: true,
			OutOfSample: strategy.Counters{Dispatched: 1, Failed: 1}},
	}}
	assert.Equal(t,
		"iterations [0] stalled after failed in-sample jobs; out-of-sample validation failed for iterations [1]",
		settleReason(stats))

	assert.Equal(t, "all jobs reported but the run was not completed", settleReason(strategy.Stats{}))
}

func TestManager_Stop(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	run, err := f.manager.Start(ctx, testSpec())
	require.NoError(t, err)

	require.NoError(t, f.manager.Stop(ctx, run.ID))
	assert.Equal(t, []uuid.UUID{run.ID}, f.queue.cancelled)

	got, err := f.manager.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStopped, got.Status)

	job := f.queue.byKind(domain.InSample)[0]
	err = f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: job.ID, Payload: score("1")})
	assert.ErrorIs(t, err, domain.ErrRunNotActive)

	assert.ErrorIs(t, f.manager.Stop(ctx, run.ID), domain.ErrRunNotActive)
	assert.ErrorIs(t, f.manager.Stop(ctx, uuid.New()), domain.ErrNotFound)
}

func TestManager_DeliverErrors(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.Deliver(ctx, uuid.New(), domain.Failed{JobID: 1}), domain.ErrRunNotActive)

	run, err := f.manager.Start(ctx, testSpec())
	require.NoError(t, err)

	assert.ErrorIs(t, f.manager.Deliver(ctx, run.ID, domain.Seed{}), domain.ErrAlreadySeeded)
	assert.ErrorIs(t, f.manager.Deliver(ctx, run.ID, domain.Completed{JobID: 999, Payload: score("1")}), domain.ErrNotFound)
}

func TestManager_StartRejectsInvalidSpec(t *testing.T) {
	f := newManagerFixture(t)

	spec := testSpec()
	spec.Settings.PercentOut = decimal.NewFromInt(30)
	spec.Objective.Target = ""

	_, err := f.manager.Start(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "percent_in/percent_out")
	assert.Contains(t, err.Error(), "objective.target")

	runs, err := f.manager.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestManager_ZeroIterationsCompletesImmediately(t *testing.T) {
	f := newManagerFixture(t)

	spec := testSpec()
	spec.Settings.Iterations = 0

	run, err := f.manager.Start(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Empty(t, f.queue.byKind(domain.InSample))
}

func TestManager_DispatchFailuresStallTheRun(t *testing.T) {
	f := newManagerFixture(t)
	f.queue.err = fmt.Errorf("queue unavailable")

	run, err := f.manager.Start(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestLoadRunSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightly.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
settings:
  start: 2021-01-01T00:00:00Z
  end: 2022-01-01T00:00:00Z
  iterations: 4
  percent_in: 75
  percent_out: 25
parameters:
  - name: rsi_period
    min: 10
    max: 20
    step: 2
  - name: stop_loss
    min: 0.01
    max: 0.05
    step: 0.01
objective:
  target: summary.sharpe
search:
  mode: random
  samples: 8
  seed: 42
engine:
  image: engine:1.2
  command: ["backtest", "--json"]
`), 0o644))

	spec, err := LoadRunSpec(path)
	require.NoError(t, err)
	require.NoError(t, spec.Validate())

	assert.Equal(t, "nightly", spec.Name)
	assert.Equal(t, 4, spec.Settings.Iterations)
	assert.True(t, spec.Settings.PercentIn.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, []string{"rsi_period", "stop_loss"}, spec.Parameters.Names())
	assert.Equal(t, 5, spec.Parameters[1].Len())
	assert.Equal(t, domain.Maximize, spec.Objective.Direction)
	assert.Equal(t, search.ModeRandom, spec.Search.Mode)
	assert.Equal(t, []string{"backtest", "--json"}, spec.Engine.Command)
	assert.Equal(t, 32, spec.Jobs())
}

func TestParseRunSpec_Defaults(t *testing.T) {
	spec, err := ParseRunSpec([]byte("name: x\n"))
	require.NoError(t, err)
	assert.Equal(t, search.ModeGrid, spec.Search.Mode)
	assert.Equal(t, domain.Maximize, spec.Objective.Direction)

	_, err = ParseRunSpec([]byte("settings: [not, a, map]"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParseRunSpec_JSONDateOnly(t *testing.T) {
	spec, err := ParseRunSpec([]byte(`{
		"name": "json-run",
		"settings": {"start": "2020-01-01", "end": "2020-01-11", "iterations": 2, "percent_in": 80, "percent_out": 20},
		"parameters": [{"name": "fast", "min": 5, "max": 10, "step": 5}],
		"objective": {"target": "score"}
	}`))
	require.NoError(t, err)
	require.NoError(t, spec.Validate())
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), spec.Settings.Start)
	assert.Equal(t, time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC), spec.Settings.End)
}
