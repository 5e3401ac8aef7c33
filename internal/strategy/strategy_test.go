package strategy

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
)

type fakeSpace []string

func (s fakeSpace) Names() []string { return s }

// countStepper yields n sets {"x": "0"}, {"x": "1"}, ...
type countStepper struct {
	n int
}

func (c countStepper) Step(Space) iter.Seq[domain.ParameterSet] {
	return func(yield func(domain.ParameterSet) bool) {
		for i := 0; i < c.n; i++ {
			if !yield(domain.ParameterSet{"x": strconv.Itoa(i)}) {
				return
			}
		}
	}
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []*domain.Job
	fail map[int64]error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job *domain.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.fail[job.ID]; ok {
		return err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) snapshot() []*domain.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.Job(nil), d.jobs...)
}

type recordingProcessor struct {
	mu        sync.Mutex
	plans     []Plan
	processed map[int64]int
	respond   func(job *domain.Job) (Outcome, error)
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{processed: make(map[int64]int)}
}

func (p *recordingProcessor) Begin(plan Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans = append(p.plans, plan)
}

func (p *recordingProcessor) Process(job *domain.Job, _ []byte) (Outcome, error) {
	p.mu.Lock()
	p.processed[job.ID]++
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		return respond(job)
	}
	return Outcome{}, nil
}

func (p *recordingProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.processed {
		n += c
	}
	return n
}

type recordingObserver struct {
	NopObserver
	mu        sync.Mutex
	outcomes  map[ResultOutcome]int
	promoted  int
	completed int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: make(map[ResultOutcome]int)}
}

func (o *recordingObserver) OnResult(_ uuid.UUID, _ int64, outcome ResultOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *recordingObserver) OnPromoted(*domain.Job, decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.promoted++
}

func (o *recordingObserver) OnCompleted(uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func day(d int) time.Time {
	return time.Date(2020, time.January, d, 0, 0, 0, 0, time.UTC)
}

func testSettings(in, out int64) domain.WalkforwardSettings {
	return domain.WalkforwardSettings{
		Start:      day(1),
		End:        day(11),
		Iterations: 2,
		PercentIn:  decimal.NewFromInt(in),
		PercentOut: decimal.NewFromInt(out),
	}
}

type fixture struct {
	strategy   *Strategy
	dispatcher *recordingDispatcher
	processor  *recordingProcessor
	observer   *recordingObserver
}

func newFixture(t *testing.T, settings domain.WalkforwardSettings, sets int) *fixture {
	t.Helper()

	f := &fixture{
		strategy:   New(uuid.New(), zaptest.NewLogger(t)),
		dispatcher: &recordingDispatcher{},
		processor:  newRecordingProcessor(),
		observer:   newRecordingObserver(),
	}
	require.NoError(t, f.strategy.Initialize(Params{
		Settings:   settings,
		Space:      fakeSpace{"x"},
		Stepper:    countStepper{n: sets},
		Dispatcher: f.dispatcher,
		Processor:  f.processor,
		Observer:   f.observer,
	}))
	return f
}

func TestPushNewResults_Uninitialized(t *testing.T) {
	s := New(uuid.New(), zaptest.NewLogger(t))

	signals := []domain.Signal{
		domain.Seed{},
		domain.Completed{JobID: 1, Payload: []byte(`{}`)},
		domain.Completed{JobID: 0},
		domain.Failed{JobID: 3, Reason: "boom"},
	}
	for _, sig := range signals {
		err := s.PushNewResults(context.Background(), sig)
		assert.ErrorIs(t, err, domain.ErrInvalidOperation, "signal %T", sig)
	}
	assert.Equal(t, StateUninitialized, s.State())
}

func TestInitialize(t *testing.T) {
	s := New(uuid.New(), zaptest.NewLogger(t))

	err := s.Initialize(Params{Settings: testSettings(80, 20)})
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
	assert.Equal(t, StateUninitialized, s.State())

	p := Params{
		Settings:   testSettings(80, 20),
		Space:      fakeSpace{"x"},
		Stepper:    countStepper{n: 1},
		Dispatcher: &recordingDispatcher{},
		Processor:  newRecordingProcessor(),
	}
	require.NoError(t, s.Initialize(p))
	assert.Equal(t, StateReady, s.State())

	err = s.Initialize(p)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestPushNewResults_SeedFansOutInSampleJobs(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 3)

	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Seed{}))
	assert.Equal(t, StateRunning, f.strategy.State())

	jobs := f.dispatcher.snapshot()
	require.Len(t, jobs, 6)

	ids := make(map[int64]bool)
	for i, job := range jobs {
		ids[job.ID] = true
		assert.Equal(t, domain.InSample, job.Kind)
		assert.Equal(t, i/3, job.Iteration)
		assert.Equal(t, domain.JobStatusPending, job.Status)
		assert.Equal(t, strconv.Itoa(i%3), job.Params["x"])
	}
	assert.Len(t, ids, 6)
	assert.False(t, ids[0], "job id 0 is reserved")

	assert.Equal(t, "2020-01-01 00:00:00", jobs[0].Params[domain.ParamStartDate])
	assert.Equal(t, "2020-01-05 00:00:00", jobs[0].Params[domain.ParamEndDate])
	assert.Equal(t, "2020-01-06 00:00:00", jobs[3].Params[domain.ParamStartDate])
	assert.Equal(t, "2020-01-10 00:00:00", jobs[3].Params[domain.ParamEndDate])

	require.Len(t, f.processor.plans, 1)
	plan := f.processor.plans[0]
	assert.Equal(t, f.strategy.RunID(), plan.RunID)
	assert.Equal(t, []int{3, 3}, plan.InSampleJobs)
	require.Len(t, plan.Windows, 2)
	assert.Equal(t, day(5), plan.Windows[0].OutOfSample.Start)

	stats := f.strategy.Stats()
	assert.Equal(t, 6, stats.Jobs)
	assert.Equal(t, 3, stats.Iterations[1].InSample.Dispatched)
	assert.Zero(t, stats.Iterations[1].OutOfSample.Dispatched)
}

func TestPushNewResults_SecondSeed(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 2)

	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Seed{}))
	err := f.strategy.PushNewResults(context.Background(), domain.Seed{})

	assert.ErrorIs(t, err, domain.ErrAlreadySeeded)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Len(t, f.dispatcher.snapshot(), 4)
	assert.Len(t, f.processor.plans, 1)
}

func TestPushNewResults_SeedWithBadSplit(t *testing.T) {
	for _, split := range [][2]int64{{60, 50}, {40, 50}} {
		t.Run(fmt.Sprintf("%d+%d", split[0], split[1]), func(t *testing.T) {
			f := newFixture(t, testSettings(split[0], split[1]), 2)

			err := f.strategy.PushNewResults(context.Background(), domain.Seed{})
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			assert.Empty(t, f.dispatcher.snapshot())
			assert.Empty(t, f.processor.plans)
			assert.Equal(t, StateReady, f.strategy.State())
		})
	}
}

func TestPushNewResults_EmptyPayloadIsSilentlyDropped(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 2)
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Seed{}))
	dispatched := len(f.dispatcher.snapshot())

	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 1}))
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 2, Payload: []byte{}}))
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Failed{JobID: 3, Reason: "engine crashed"}))

	assert.Len(t, f.dispatcher.snapshot(), dispatched)
	assert.Zero(t, f.processor.calls())

	stats := f.strategy.Stats()
	assert.Equal(t, 2, stats.Iterations[0].InSample.Failed)
	assert.Equal(t, 1, stats.Iterations[1].InSample.Failed)
	assert.Equal(t, 3, f.observer.outcomes[ResultFailed])
}

func TestPushNewResults_EmptyPayloadBeforeSeed(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 2)

	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 7}))
	assert.Empty(t, f.dispatcher.snapshot())
	assert.Zero(t, f.processor.calls())
	assert.Equal(t, StateReady, f.strategy.State())
}

func TestPushNewResults_InvalidJobIDs(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 1)
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Seed{}))

	err := f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 0, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 99, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Zero(t, f.processor.calls())
	assert.Equal(t, 2, f.observer.outcomes[ResultRejected])
}

func TestPushNewResults_DuplicateResult(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 1)
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Seed{}))

	payload := []byte(`{"profit": 1}`)
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 1, Payload: payload}))
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 1, Payload: payload}))
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Failed{JobID: 1}))

	assert.Equal(t, 1, f.processor.calls())
	assert.Equal(t, 2, f.observer.outcomes[ResultDuplicate])
}

func TestPushNewResults_PromotionDispatchesOutOfSampleJob(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 3)
	f.processor.respond = func(job *domain.Job) (Outcome, error) {
		if job.Kind == domain.InSample && job.Iteration == 0 && job.ID == 3 {
			return Outcome{Promotions: []Promotion{{
				Iteration: 0,
				Params:    job.Params,
				Score:     decimal.NewFromInt(42),
			}}}, nil
		}
		if job.Kind == domain.OutOfSample {
			return Outcome{Complete: true}, nil
		}
		return Outcome{}, nil
	}

	ctx := context.Background()
	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Seed{}))
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, f.strategy.PushNewResults(ctx, domain.Completed{JobID: id, Payload: []byte(`{}`)}))
	}

	jobs := f.dispatcher.snapshot()
	require.Len(t, jobs, 7)

	oos := jobs[6]
	assert.Equal(t, int64(7), oos.ID)
	assert.Equal(t, domain.OutOfSample, oos.Kind)
	assert.Equal(t, 0, oos.Iteration)
	assert.Equal(t, "2", oos.Params["x"])
	assert.Equal(t, "2020-01-05 00:00:00", oos.Params[domain.ParamStartDate])
	assert.Equal(t, "2020-01-06 00:00:00", oos.Params[domain.ParamEndDate])
	assert.Equal(t, 1, f.observer.promoted)

	stats := f.strategy.Stats()
	assert.True(t, stats.Iterations[0].Promoted)
	assert.Equal(t, 1, stats.Iterations[0].OutOfSample.Dispatched)
	assert.False(t, f.strategy.Completed())

	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Completed{JobID: 7, Payload: []byte(`{}`)}))
	assert.True(t, f.strategy.Completed())
	assert.True(t, f.strategy.Stats().Iterations[0].Done())
	assert.Equal(t, 1, f.observer.completed)
}

func TestPushNewResults_RepeatedPromotionIgnored(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 2)
	f.processor.respond = func(job *domain.Job) (Outcome, error) {
		return Outcome{Promotions: []Promotion{{Iteration: 1, Params: job.Params}}}, nil
	}

	ctx := context.Background()
	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Seed{}))
	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Completed{JobID: 3, Payload: []byte(`{}`)}))
	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Completed{JobID: 4, Payload: []byte(`{}`)}))

	assert.Len(t, f.dispatcher.snapshot(), 5)
}

func TestPushNewResults_PromotionForUnknownIteration(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 1)
	f.processor.respond = func(job *domain.Job) (Outcome, error) {
		return Outcome{Promotions: []Promotion{{Iteration: 5, Params: job.Params}}}, nil
	}

	ctx := context.Background()
	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Seed{}))
	err := f.strategy.PushNewResults(ctx, domain.Completed{JobID: 1, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Len(t, f.dispatcher.snapshot(), 2)
}

func TestPushNewResults_ProcessorErrorCountsAsFailure(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 1)
	f.processor.respond = func(*domain.Job) (Outcome, error) {
		return Outcome{}, errors.New("unreadable payload")
	}

	ctx := context.Background()
	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Seed{}))
	require.NoError(t, f.strategy.PushNewResults(ctx, domain.Completed{JobID: 1, Payload: []byte(`garbage`)}))

	stats := f.strategy.Stats()
	assert.Equal(t, 1, stats.Iterations[0].InSample.Failed)
	assert.Equal(t, []int{0}, stats.Stalled())
}

func TestPushNewResults_DispatchErrorsAreCombined(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 3)
	f.dispatcher.fail = map[int64]error{
		2: errors.New("queue full"),
		5: errors.New("queue full"),
	}

	err := f.strategy.PushNewResults(context.Background(), domain.Seed{})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Len(t, f.dispatcher.snapshot(), 4)

	stats := f.strategy.Stats()
	assert.Equal(t, StateRunning, stats.State)
	assert.Equal(t, 1, stats.Iterations[0].InSample.Failed)
	assert.Equal(t, 1, stats.Iterations[1].InSample.Failed)
}

func TestPushNewResults_ConcurrentCompletions(t *testing.T) {
	const k = 64

	for round := 0; round < 20; round++ {
		f := newFixture(t, domain.WalkforwardSettings{
			Start:      day(1),
			End:        day(11),
			Iterations: 1,
			PercentIn:  decimal.NewFromInt(80),
			PercentOut: decimal.NewFromInt(20),
		}, k)
		require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Seed{}))

		var wg sync.WaitGroup
		errs := make(chan error, k)
		start := make(chan struct{})
		for id := int64(1); id <= k; id++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				<-start
				errs <- f.strategy.PushNewResults(context.Background(), domain.Completed{
					JobID:   id,
					Payload: []byte(fmt.Sprintf(`{"id": %d}`, id)),
				})
			}(id)
		}
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		require.Len(t, f.processor.processed, k)
		for id := int64(1); id <= k; id++ {
			assert.Equal(t, 1, f.processor.processed[id], "job %d", id)
		}
		assert.Equal(t, k, f.strategy.Stats().Iterations[0].InSample.Completed)
	}
}

func TestPushNewResults_ConcurrentSeedsPlanOnce(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 4)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var seeded, conflicts int
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.strategy.PushNewResults(context.Background(), domain.Seed{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				seeded++
			} else if errors.Is(err, domain.ErrAlreadySeeded) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, seeded)
	assert.Equal(t, 15, conflicts)
	assert.Len(t, f.dispatcher.snapshot(), 8)
}

func TestObservers_FanOut(t *testing.T) {
	a, b := newRecordingObserver(), newRecordingObserver()
	obs := Observers{a, b}

	obs.OnResult(uuid.New(), 1, ResultProcessed)
	obs.OnCompleted(uuid.New())
	obs.OnPlanned(uuid.New(), []planner.Window{}, time.Second)

	assert.Equal(t, 1, a.outcomes[ResultProcessed])
	assert.Equal(t, 1, b.outcomes[ResultProcessed])
	assert.Equal(t, 1, a.completed)
	assert.Equal(t, 1, b.completed)
}

// panicStepper panics as soon as the run is planned.
type panicStepper struct{}

func (panicStepper) Step(Space) iter.Seq[domain.ParameterSet] {
	panic("stepper exploded")
}

func TestPushNewResults_CollaboratorPanicReleasesLock(t *testing.T) {
	s := New(uuid.New(), zaptest.NewLogger(t))
	require.NoError(t, s.Initialize(Params{
		Settings:   testSettings(80, 20),
		Space:      fakeSpace{"x"},
		Stepper:    panicStepper{},
		Dispatcher: &recordingDispatcher{},
		Processor:  newRecordingProcessor(),
	}))

	assert.Panics(t, func() {
		_ = s.PushNewResults(context.Background(), domain.Seed{})
	})

	done := make(chan error, 1)
	go func() {
		done <- s.PushNewResults(context.Background(), domain.Failed{JobID: 1, Reason: "boom"})
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("strategy lock still held after collaborator panic")
	}
	assert.Equal(t, StateReady, s.State())
}

func TestPushNewResults_UnknownJobKind(t *testing.T) {
	f := newFixture(t, testSettings(80, 20), 1)
	require.NoError(t, f.strategy.PushNewResults(context.Background(), domain.Seed{}))

	f.strategy.mu.Lock()
	f.strategy.jobs[1].Kind = domain.IterationKind("sideways")
	f.strategy.mu.Unlock()

	err := f.strategy.PushNewResults(context.Background(), domain.Completed{JobID: 1, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	err = f.strategy.PushNewResults(context.Background(), domain.Failed{JobID: 1, Reason: "boom"})
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	stats := f.strategy.Stats()
	assert.Zero(t, stats.Iterations[0].InSample.Completed)
	assert.Zero(t, stats.Iterations[0].InSample.Failed)
}
