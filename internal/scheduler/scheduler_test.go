package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/db/repository"
	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/executor"
)

// mockExecutor returns scripted outcomes per job id.
type mockExecutor struct {
	mu       sync.Mutex
	outcomes map[int64][]error
	calls    map[int64]int
	stopped  []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{outcomes: make(map[int64][]error), calls: make(map[int64]int)}
}

func (m *mockExecutor) Execute(ctx context.Context, job *domain.Job, started executor.StartedFunc) ([]byte, error) {
	m.mu.Lock()
	n := m.calls[job.ID]
	m.calls[job.ID]++
	var err error
	if outs := m.outcomes[job.ID]; n < len(outs) {
		err = outs[n]
	}
	m.mu.Unlock()

	if started != nil {
		started("container-" + job.Params["x"])
	}
	if err != nil {
		return nil, err
	}
	return []byte(`{"score": ` + job.Params["x"] + `}`), nil
}

func (m *mockExecutor) Stop(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, containerID)
	return nil
}

func (m *mockExecutor) callCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

type recordingSink struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (s *recordingSink) Deliver(_ context.Context, _ uuid.UUID, signal domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal)
	return nil
}

func (s *recordingSink) snapshot() []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Signal(nil), s.signals...)
}

type countingPublisher struct {
	mu                         sync.Mutex
	running, completed, failed int
}

func (p *countingPublisher) PublishJobRunning(*domain.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running++
	return nil
}

func (p *countingPublisher) PublishJobCompleted(*domain.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
	return nil
}

func (p *countingPublisher) PublishJobFailed(*domain.Job, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
	return nil
}

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		MaxConcurrentJobs:   2,
		PollIntervalSeconds: 60,
		JobTimeoutMinutes:   1,
		MaxRetries:          1,
		ShutdownTimeout:     "1s",
	}
}

type fixture struct {
	sched *Scheduler
	repos *repository.Repositories
	exec  *mockExecutor
	sink  *recordingSink
	pub   *countingPublisher
	runID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repos: repository.NewMemoryRepositories(),
		exec:  newMockExecutor(),
		sink:  &recordingSink{},
		pub:   &countingPublisher{},
		runID: uuid.New(),
	}
	f.sched = NewScheduler(testSchedulerConfig(), f.repos, f.exec, f.pub, zaptest.NewLogger(t))
	f.sched.SetResultSink(f.sink)
	f.sched.retryDelay = time.Millisecond
	return f
}

func (f *fixture) job(id int64, x string) *domain.Job {
	window := domain.NewIteration(domain.InSample,
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC))
	return domain.NewJob(f.runID, id, 0, window, domain.ParameterSet{"x": x})
}

func TestScheduler_StartRequiresSink(t *testing.T) {
	sched := NewScheduler(testSchedulerConfig(), repository.NewMemoryRepositories(), newMockExecutor(), nil, zaptest.NewLogger(t))
	assert.Error(t, sched.Start())
}

func TestScheduler_DispatchRunsJobAndDeliversResult(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.Start())
	defer f.sched.Stop()

	ctx := context.Background()
	require.NoError(t, f.sched.Dispatch(ctx, f.job(1, "3")))
	require.NoError(t, f.sched.Dispatch(ctx, f.job(2, "5")))

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	for _, sig := range f.sink.snapshot() {
		completed, ok := sig.(domain.Completed)
		require.True(t, ok, "expected completed signal, got %T", sig)
		assert.NotEmpty(t, completed.Payload)
	}

	stored, err := f.repos.Job.GetByID(ctx, domain.JobKey{RunID: f.runID, ID: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.JSONEq(t, `{"score": 3}`, string(stored.Payload))
	require.NotNil(t, stored.ContainerID)
	assert.Equal(t, "container-3", *stored.ContainerID)

	f.pub.mu.Lock()
	assert.Equal(t, 2, f.pub.running)
	assert.Equal(t, 2, f.pub.completed)
	f.pub.mu.Unlock()
}

func TestScheduler_EngineFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.exec.outcomes[1] = []error{executor.ErrEngineFailed}
	require.NoError(t, f.sched.Start())
	defer f.sched.Stop()

	require.NoError(t, f.sched.Dispatch(context.Background(), f.job(1, "3")))

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	failed, ok := f.sink.snapshot()[0].(domain.Failed)
	require.True(t, ok)
	assert.Equal(t, int64(1), failed.JobID)
	assert.Contains(t, failed.Reason, "engine failed")
	assert.Equal(t, 1, f.exec.callCount(1))

	stored, err := f.repos.Job.GetByID(context.Background(), domain.JobKey{RunID: f.runID, ID: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}

func TestScheduler_InfrastructureFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.exec.outcomes[1] = []error{executor.ErrContainerStartFailed}
	require.NoError(t, f.sched.Start())
	defer f.sched.Stop()

	require.NoError(t, f.sched.Dispatch(context.Background(), f.job(1, "3")))

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := f.sink.snapshot()[0].(domain.Completed)
	assert.True(t, ok)
	assert.Equal(t, 2, f.exec.callCount(1))

	stored, err := f.repos.Job.GetByID(context.Background(), domain.JobKey{RunID: f.runID, ID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestScheduler_RetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	f.exec.outcomes[1] = []error{executor.ErrDaemon, executor.ErrDaemon, executor.ErrDaemon}
	require.NoError(t, f.sched.Start())
	defer f.sched.Stop()

	require.NoError(t, f.sched.Dispatch(context.Background(), f.job(1, "3")))

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := f.sink.snapshot()[0].(domain.Failed)
	assert.True(t, ok)
	assert.Equal(t, 2, f.exec.callCount(1))
}

func TestScheduler_CheckTimeoutsDeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.job(1, "3")
	require.NoError(t, f.repos.Job.Create(ctx, job))
	require.NoError(t, f.repos.Job.MarkRunning(ctx, job.Key()))
	require.NoError(t, f.repos.Job.SetContainer(ctx, job.Key(), "stuck"))
	time.Sleep(5 * time.Millisecond)

	f.sched.checkTimeouts(time.Millisecond)
	f.sched.checkTimeouts(time.Millisecond)

	signals := f.sink.snapshot()
	require.Len(t, signals, 1)
	assert.Equal(t, domain.Failed{JobID: 1, Reason: "job timed out"}, signals[0])
	assert.Equal(t, []string{"stuck"}, f.exec.stopped)

	// A late result from the worker is not delivered again
	f.sched.processResult(ctx, &JobResult{Job: job, Payload: []byte(`{"score": 1}`)})
	assert.Len(t, f.sink.snapshot(), 1)
}

func TestScheduler_CancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sched.Dispatch(ctx, f.job(1, "1")))
	require.NoError(t, f.sched.Dispatch(ctx, f.job(2, "2")))

	cancelled := false
	f.sched.activeJobs.Store(domain.JobKey{RunID: f.runID, ID: 3}, &RunningJob{Cancel: func() { cancelled = true }})
	f.sched.activeJobs.Store(domain.JobKey{RunID: uuid.New(), ID: 3}, &RunningJob{Cancel: func() { t.Error("other run cancelled") }})

	n, err := f.sched.CancelRun(ctx, f.runID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, cancelled)

	pending, err := f.repos.Job.GetPendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScheduler_GetStats(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.Dispatch(context.Background(), f.job(1, "1")))

	stats := f.sched.GetStats()
	assert.Equal(t, 0, stats["active_jobs"])
	assert.Equal(t, 1, stats["pending_jobs"])
	assert.Contains(t, stats, "worker_count")
}

func TestScheduler_DispatchPropagatesStoreErrors(t *testing.T) {
	f := newFixture(t)
	job := f.job(1, "1")
	require.NoError(t, f.sched.Dispatch(context.Background(), job))

	err := f.sched.Dispatch(context.Background(), job)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}
