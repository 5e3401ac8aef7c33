// Package strategy drives a walk-forward optimization run from the signals its jobs produce.
//
// A Strategy moves through three states. It starts Uninitialized, becomes Ready once
// Initialize binds its collaborators, and becomes Running when the seed signal has been
// planned. There is no terminal state: the Processor decides when a run is finished and the
// strategy keeps accepting signals afterwards.
//
// A failed job is absorbed without error. An iteration whose in-sample jobs did not all
// succeed is never promoted, so its out-of-sample window is never validated. Stats reports
// such iterations as stalled so a caller can detect them.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
)

var tracer = otel.Tracer("wfsearch/strategy")

// State is the lifecycle state of a Strategy.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateRunning       State = "running"
)

// String returns the string representation of the State.
func (s State) String() string {
	return string(s)
}

// Params binds a strategy to its settings and collaborators.
type Params struct {
	Settings   domain.WalkforwardSettings
	Space      Space
	Stepper    Stepper
	Dispatcher Dispatcher
	Processor  Processor
	// Observer is optional.
	Observer Observer
}

func (p Params) validate() error {
	switch {
	case p.Space == nil:
		return domain.NewInvalidOperationError("initialize", "parameter space is required")
	case p.Stepper == nil:
		return domain.NewInvalidOperationError("initialize", "stepper is required")
	case p.Dispatcher == nil:
		return domain.NewInvalidOperationError("initialize", "dispatcher is required")
	case p.Processor == nil:
		return domain.NewInvalidOperationError("initialize", "processor is required")
	}
	return nil
}

// Strategy is the walk-forward state machine for one run.
// PushNewResults is safe for concurrent use.
type Strategy struct {
	runID  uuid.UUID
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	params    Params
	observer  Observer
	nextID    int64
	jobs      map[int64]*domain.Job
	windows   []planner.Window
	counters  []IterationStats
	completed bool
}

// New creates an uninitialized Strategy for a run.
func New(runID uuid.UUID, logger *zap.Logger) *Strategy {
	return &Strategy{
		runID:    runID,
		logger:   logger.With(zap.String("run_id", runID.String())),
		state:    StateUninitialized,
		observer: NopObserver{},
		jobs:     make(map[int64]*domain.Job),
	}
}

// RunID returns the run the strategy belongs to.
func (s *Strategy) RunID() uuid.UUID {
	return s.runID
}

// Initialize binds the strategy's collaborators. It may be called once.
func (s *Strategy) Initialize(p Params) error {
	if err := p.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return domain.NewInvalidOperationError("initialize", "strategy is already initialized")
	}

	s.params = p
	if p.Observer != nil {
		s.observer = p.Observer
	}
	s.state = StateReady
	return nil
}

// State returns the current lifecycle state.
func (s *Strategy) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Completed reports whether the processor has declared the run finished.
func (s *Strategy) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// effects is the work a transition leaves for after the lock is released.
type effects struct {
	dispatch []*domain.Job
	notify   []func(Observer)
}

func (e *effects) emit(fn func(Observer)) {
	e.notify = append(e.notify, fn)
}

// PushNewResults feeds one signal into the state machine.
//
// The decision and all bookkeeping happen under the strategy lock. Jobs produced by the
// transition are dispatched after the lock is released; dispatch errors are combined and
// returned.
func (s *Strategy) PushNewResults(ctx context.Context, signal domain.Signal) (err error) {
	ctx, span := tracer.Start(ctx, "strategy.PushNewResults", trace.WithAttributes(
		attribute.String("run_id", s.runID.String()),
		attribute.String("signal", domain.SignalName(signal)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	fx, observer, dispatcher, err := s.locked(func(fx *effects) error {
		return s.transition(signal, fx)
	})
	for _, fn := range fx.notify {
		fn(observer)
	}
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("dispatch.count", len(fx.dispatch)))
	return s.dispatch(ctx, dispatcher, observer, fx.dispatch)
}

// locked runs fn under the strategy lock and returns the effects it recorded along
// with the collaborators to apply them with. The lock is released even if fn or a
// collaborator it calls panics.
func (s *Strategy) locked(fn func(*effects) error) (effects, Observer, Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fx effects
	err := fn(&fx)
	return fx, s.observer, s.params.Dispatcher, err
}

// transition must be called with s.mu held.
func (s *Strategy) transition(signal domain.Signal, fx *effects) error {
	if s.state == StateUninitialized {
		return domain.NewInvalidOperationError("push results", "strategy is not initialized")
	}

	switch sig := signal.(type) {
	case domain.Failed:
		return s.absorbFailure(sig.JobID, sig.Reason, fx)

	case domain.Completed:
		if len(sig.Payload) == 0 {
			return s.absorbFailure(sig.JobID, "empty result payload", fx)
		}
		if sig.JobID <= 0 {
			fx.emit(func(o Observer) { o.OnResult(s.runID, sig.JobID, ResultRejected) })
			return fmt.Errorf("%w: job id must be positive, got %d", domain.ErrInvalidInput, sig.JobID)
		}
		return s.process(sig, fx)

	case domain.Seed:
		return s.plan(fx)

	default:
		return domain.NewInvalidOperationError("push results", fmt.Sprintf("unsupported signal %T", signal))
	}
}

func (s *Strategy) plan(fx *effects) error {
	if s.state != StateReady {
		return domain.ErrAlreadySeeded
	}

	started := time.Now()
	windows, err := planner.Plan(s.params.Settings)
	if err != nil {
		s.logger.Error("Failed to plan walk-forward iterations", zap.Error(err))
		return err
	}

	s.windows = windows
	s.counters = make([]IterationStats, len(windows))
	inSample := make([]int, len(windows))

	for _, w := range windows {
		s.counters[w.Index].Index = w.Index
		for set := range s.params.Stepper.Step(s.params.Space) {
			job := s.newJob(w.Index, w.InSample, set)
			fx.dispatch = append(fx.dispatch, job)
			inSample[w.Index]++
		}
		s.counters[w.Index].InSample.Dispatched = inSample[w.Index]
	}

	s.params.Processor.Begin(Plan{
		RunID:        s.runID,
		Windows:      windows,
		InSampleJobs: inSample,
	})
	s.state = StateRunning

	took := time.Since(started)
	s.logger.Info("Planned walk-forward run",
		zap.Int("iterations", len(windows)),
		zap.Int("jobs", len(fx.dispatch)),
		zap.Strings("parameters", s.params.Space.Names()),
		zap.Duration("took", took))

	fx.emit(func(o Observer) { o.OnPlanned(s.runID, windows, took) })
	return nil
}

func (s *Strategy) process(sig domain.Completed, fx *effects) error {
	job, ok := s.jobs[sig.JobID]
	if !ok {
		fx.emit(func(o Observer) { o.OnResult(s.runID, sig.JobID, ResultRejected) })
		return domain.NewNotFoundError("job", fmt.Sprintf("%d", sig.JobID))
	}
	if job.Status.IsTerminal() {
		s.logger.Warn("Ignoring duplicate job result",
			zap.Int64("job_id", job.ID),
			zap.String("status", job.Status.String()))
		fx.emit(func(o Observer) { o.OnResult(s.runID, job.ID, ResultDuplicate) })
		return nil
	}

	counters, err := s.counter(job)
	if err != nil {
		return err
	}
	outcome, err := s.params.Processor.Process(job, sig.Payload)
	if err != nil {
		// an unreadable result is a failed job like any other
		return s.absorbFailure(job.ID, err.Error(), fx)
	}

	now := time.Now()
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &now
	counters.Completed++
	fx.emit(func(o Observer) { o.OnResult(s.runID, job.ID, ResultProcessed) })

	var errs error
	for _, p := range outcome.Promotions {
		promoted, err := s.promote(p)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if promoted == nil {
			continue
		}
		fx.dispatch = append(fx.dispatch, promoted)
		score := p.Score
		fx.emit(func(o Observer) { o.OnPromoted(promoted, score) })
	}

	if outcome.Complete && !s.completed {
		s.completed = true
		s.logger.Info("Processor reported run complete")
		fx.emit(func(o Observer) { o.OnCompleted(s.runID) })
	}
	return errs
}

// promote returns the out-of-sample job for p, or nil if the iteration was already promoted.
func (s *Strategy) promote(p Promotion) (*domain.Job, error) {
	if p.Iteration < 0 || p.Iteration >= len(s.windows) {
		return nil, fmt.Errorf("%w: promotion for unknown iteration %d", domain.ErrInvalidInput, p.Iteration)
	}
	if s.counters[p.Iteration].Promoted {
		s.logger.Warn("Ignoring repeated promotion", zap.Int("iteration", p.Iteration))
		return nil, nil
	}

	w := s.windows[p.Iteration]
	job := s.newJob(w.Index, w.OutOfSample, p.Params.Search())
	s.counters[p.Iteration].Promoted = true
	s.counters[p.Iteration].OutOfSample.Dispatched++

	s.logger.Info("Promoted parameter set to out-of-sample validation",
		zap.Int("iteration", p.Iteration),
		zap.Int64("job_id", job.ID),
		zap.String("score", p.Score.String()),
		zap.String("params", job.Params.Search().Key()))
	return job, nil
}

func (s *Strategy) absorbFailure(jobID int64, reason string, fx *effects) error {
	job, ok := s.jobs[jobID]
	if !ok {
		s.logger.Warn("Dropping failure for unknown job", zap.Int64("job_id", jobID), zap.String("reason", reason))
		fx.emit(func(o Observer) { o.OnResult(s.runID, jobID, ResultRejected) })
		return nil
	}
	if job.Status.IsTerminal() {
		fx.emit(func(o Observer) { o.OnResult(s.runID, jobID, ResultDuplicate) })
		return nil
	}
	counters, err := s.counter(job)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = &reason
	job.CompletedAt = &now
	counters.Failed++

	s.logger.Warn("Job failed; its iteration will not advance on this result",
		zap.Int64("job_id", jobID),
		zap.Int("iteration", job.Iteration),
		zap.String("kind", job.Kind.String()),
		zap.String("reason", reason))
	fx.emit(func(o Observer) { o.OnResult(s.runID, jobID, ResultFailed) })
	return nil
}

// newJob annotates set with the window, registers a copy and returns the job to dispatch.
func (s *Strategy) newJob(iteration int, window domain.Iteration, set domain.ParameterSet) *domain.Job {
	s.nextID++
	job := domain.NewJob(s.runID, s.nextID, iteration, window, set)

	tracked := *job
	tracked.Params = job.Params.Clone()
	s.jobs[job.ID] = &tracked
	return job
}

func (s *Strategy) counter(job *domain.Job) (*Counters, error) {
	if job.Iteration < 0 || job.Iteration >= len(s.counters) {
		return nil, domain.NewInvalidOperationError("count job",
			fmt.Sprintf("job %d belongs to unknown iteration %d", job.ID, job.Iteration))
	}
	c := &s.counters[job.Iteration]
	switch job.Kind {
	case domain.InSample:
		return &c.InSample, nil
	case domain.OutOfSample:
		return &c.OutOfSample, nil
	}
	return nil, domain.NewInvalidOperationError("count job",
		fmt.Sprintf("job %d has unknown iteration kind %q", job.ID, job.Kind.String()))
}

func (s *Strategy) dispatch(ctx context.Context, d Dispatcher, o Observer, jobs []*domain.Job) error {
	var errs error
	for _, job := range jobs {
		if err := d.Dispatch(ctx, job); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dispatch job %d: %w", job.ID, err))
			s.absorbDispatchFailure(job.ID, err)
			continue
		}
		o.OnDispatched(job)
	}
	if errs != nil {
		s.logger.Error("Failed to dispatch jobs",
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Int("total", len(jobs)),
			zap.Error(errs))
	}
	return errs
}

func (s *Strategy) absorbDispatchFailure(jobID int64, cause error) {
	fx, observer, _, err := s.locked(func(fx *effects) error {
		return s.absorbFailure(jobID, "dispatch: "+cause.Error(), fx)
	})
	for _, fn := range fx.notify {
		fn(observer)
	}
	if err != nil {
		s.logger.Error("Failed to record dispatch failure", zap.Int64("job_id", jobID), zap.Error(err))
	}
}
