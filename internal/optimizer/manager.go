package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/db/repository"
	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/objective"
	"github.com/saltfish/wfsearch/internal/search"
	"github.com/saltfish/wfsearch/internal/strategy"
)

// JobQueue accepts the jobs of a run and can withdraw them.
type JobQueue interface {
	strategy.Dispatcher
	CancelRun(ctx context.Context, runID uuid.UUID) (int, error)
}

// RunPublisher announces run lifecycle events.
type RunPublisher interface {
	PublishRunStarted(run *domain.Run) error
	PublishRunFinished(run *domain.Run) error
}

// RunHook is told when a run starts and when it reaches a terminal status.
type RunHook interface {
	RunStarted(run *domain.Run)
	RunFinished(run *domain.Run)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObservers attaches observers to the strategy of every run.
func WithObservers(observers ...strategy.Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, observers...)
	}
}

// WithRunHooks registers run lifecycle hooks.
func WithRunHooks(hooks ...RunHook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, hooks...)
	}
}

// activeRun is a run whose strategy lives in this process.
type activeRun struct {
	spec      *RunSpec
	strategy  *strategy.Strategy
	processor *objective.Processor

	mu  sync.Mutex
	run *domain.Run
}

func (a *activeRun) snapshot() *domain.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := *a.run
	return &c
}

// Manager owns the strategies of the runs started in this process.
// Deliver is called concurrently by every worker.
type Manager struct {
	repos     *repository.Repositories
	queue     JobQueue
	publisher RunPublisher
	logger    *zap.Logger

	observers []strategy.Observer
	hooks     []RunHook

	mu   sync.RWMutex
	runs map[uuid.UUID]*activeRun
}

// NewManager creates a new Manager.
func NewManager(
	repos *repository.Repositories,
	queue JobQueue,
	publisher RunPublisher,
	logger *zap.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		repos:     repos,
		queue:     queue,
		publisher: publisher,
		logger:    logger,
		runs:      make(map[uuid.UUID]*activeRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartFile loads a run spec from path and starts it.
func (m *Manager) StartFile(ctx context.Context, path string) (*domain.Run, error) {
	spec, err := LoadRunSpec(path)
	if err != nil {
		return nil, err
	}
	return m.Start(ctx, spec)
}

// Start creates a run for spec, plans it and dispatches its in-sample jobs.
func (m *Manager) Start(ctx context.Context, spec *RunSpec) (*domain.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	stepper, err := search.NewStepper(spec.Search)
	if err != nil {
		return nil, err
	}

	run := domain.NewRun(spec.Name, spec.Settings)
	logger := m.logger.With(zap.String("run_id", run.ID.String()), zap.String("run_name", run.Name))

	if err := m.repos.Run.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	active := &activeRun{
		spec:      spec,
		strategy:  strategy.New(run.ID, m.logger),
		processor: objective.NewProcessor(spec.Objective, logger),
		run:       run,
	}

	observers := make(strategy.Observers, 0, len(m.observers)+1)
	observers = append(observers, m.observers...)
	observers = append(observers, completionObserver{manager: m, runID: run.ID})

	engine := spec.Engine
	err = active.strategy.Initialize(strategy.Params{
		Settings: spec.Settings,
		Space:    spec.Parameters,
		Stepper:  stepper,
		Dispatcher: strategy.DispatcherFunc(func(ctx context.Context, job *domain.Job) error {
			job.Engine = engine
			return m.queue.Dispatch(ctx, job)
		}),
		Processor: active.processor,
		Observer:  observers,
	})
	if err != nil {
		return nil, err
	}

	if err := m.repos.Run.UpdateStatus(ctx, run.ID, domain.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	run.Status = domain.RunStatusRunning

	m.mu.Lock()
	m.runs[run.ID] = active
	m.mu.Unlock()

	if err := m.publisher.PublishRunStarted(run); err != nil {
		logger.Warn("Failed to publish run started event", zap.Error(err))
	}
	for _, hook := range m.hooks {
		hook.RunStarted(run)
	}

	logger.Info("Starting walk-forward run",
		zap.Int("iterations", spec.Settings.Iterations),
		zap.Int("in_sample_jobs", spec.Jobs()),
		zap.String("search_mode", string(spec.Search.Mode)),
	)

	if err := active.strategy.PushNewResults(ctx, domain.Seed{}); err != nil {
		if errors.Is(err, domain.ErrConfiguration) || errors.Is(err, domain.ErrInvalidOperation) {
			m.finish(context.WithoutCancel(ctx), run.ID, domain.RunStatusFailed, err.Error())
			return nil, err
		}
		// Jobs that could not be queued count as failed; the rest of the run proceeds
		logger.Warn("Some jobs of the run could not be dispatched", zap.Error(err))
	}

	m.checkSettled(ctx, active)
	return active.snapshot(), nil
}

// Deliver routes a job result to the strategy of its run.
func (m *Manager) Deliver(ctx context.Context, runID uuid.UUID, signal domain.Signal) error {
	active, err := m.active(runID)
	if err != nil {
		return err
	}
	if _, ok := signal.(domain.Seed); ok {
		return domain.ErrAlreadySeeded
	}

	if err := active.strategy.PushNewResults(ctx, signal); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	m.checkSettled(ctx, active)
	return nil
}

func (m *Manager) active(runID uuid.UUID) (*activeRun, error) {
	m.mu.RLock()
	active, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRunNotActive
	}

	active.mu.Lock()
	status := active.run.Status
	active.mu.Unlock()
	if status == domain.RunStatusStopped || status == domain.RunStatusFailed {
		return nil, domain.ErrRunNotActive
	}
	return active, nil
}

// checkSettled fails a run that can no longer make progress: no job is outstanding and
// the processor has not declared it complete.
func (m *Manager) checkSettled(ctx context.Context, active *activeRun) {
	stats := active.strategy.Stats()
	if stats.Completed {
		return
	}

	if len(stats.Iterations) == 0 {
		m.finish(ctx, stats.RunID, domain.RunStatusCompleted, "no iterations planned")
		return
	}
	for _, it := range stats.Iterations {
		if it.InSample.Pending() > 0 || it.OutOfSample.Pending() > 0 {
			return
		}
		if !it.Done() && !it.Stalled() && !it.ValidationFailed() {
			return
		}
	}
	m.finish(ctx, stats.RunID, domain.RunStatusFailed, settleReason(stats))
}

// settleReason explains why a run with nothing outstanding cannot complete.
func settleReason(stats strategy.Stats) string {
	var causes []string
	if stalled := stats.Stalled(); len(stalled) > 0 {
		causes = append(causes, fmt.Sprintf("iterations %v stalled after failed in-sample jobs", stalled))
	}
	if failed := stats.ValidationFailed(); len(failed) > 0 {
		causes = append(causes, fmt.Sprintf("out-of-sample validation failed for iterations %v", failed))
	}
	if len(causes) == 0 {
		return "all jobs reported but the run was not completed"
	}
	return strings.Join(causes, "; ")
}

// finish moves a run to a terminal status once.
func (m *Manager) finish(ctx context.Context, runID uuid.UUID, status domain.RunStatus, reason string) bool {
	m.mu.RLock()
	active, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	active.mu.Lock()
	if active.run.Status.IsTerminal() {
		active.mu.Unlock()
		return false
	}
	run := active.run
	run.Status = status
	run.TerminationReason = reason
	if err := m.repos.Run.UpdateStatus(ctx, runID, status, reason); err != nil {
		m.logger.Error("Failed to update run status",
			zap.String("run_id", runID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	if updated, err := m.repos.Run.GetByID(ctx, runID); err == nil {
		active.run = updated
	}
	snapshot := *active.run
	active.mu.Unlock()

	m.logger.Info("Walk-forward run finished",
		zap.String("run_id", runID.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Duration("duration", snapshot.Duration()),
	)

	if err := m.publisher.PublishRunFinished(&snapshot); err != nil {
		m.logger.Warn("Failed to publish run finished event", zap.Error(err))
	}
	for _, hook := range m.hooks {
		hook.RunFinished(&snapshot)
	}
	return true
}

// Stop stops a run: its queued jobs are cancelled and later results are refused.
func (m *Manager) Stop(ctx context.Context, runID uuid.UUID) error {
	m.mu.RLock()
	_, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		if _, err := m.repos.Run.GetByID(ctx, runID); err != nil {
			return err
		}
		return domain.ErrRunNotActive
	}

	if !m.finish(ctx, runID, domain.RunStatusStopped, "stopped by request") {
		return domain.ErrRunNotActive
	}

	n, err := m.queue.CancelRun(ctx, runID)
	if err != nil {
		return err
	}
	m.logger.Info("Stopped walk-forward run",
		zap.String("run_id", runID.String()),
		zap.Int("cancelled_jobs", n),
	)
	return nil
}

// Get returns a run by ID.
func (m *Manager) Get(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	m.mu.RLock()
	active, ok := m.runs[runID]
	m.mu.RUnlock()
	if ok {
		return active.snapshot(), nil
	}
	return m.repos.Run.GetByID(ctx, runID)
}

// List returns the most recent runs, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.repos.Run.List(ctx, limit)
}

// RunReport is the progress and the per-iteration results of a run.
type RunReport struct {
	Run        *domain.Run                  `json:"run"`
	Spec       *RunSpec                     `json:"spec,omitempty"`
	Stats      *strategy.Stats              `json:"stats,omitempty"`
	Iterations []objective.IterationSummary `json:"iterations,omitempty"`
}

// Report returns the report of a run. Progress is only known for runs started by this
// process.
func (m *Manager) Report(ctx context.Context, runID uuid.UUID) (*RunReport, error) {
	m.mu.RLock()
	active, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		run, err := m.repos.Run.GetByID(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &RunReport{Run: run}, nil
	}

	stats := active.strategy.Stats()
	return &RunReport{
		Run:        active.snapshot(),
		Spec:       active.spec,
		Stats:      &stats,
		Iterations: active.processor.Summary(),
	}, nil
}

// ActiveRuns returns the number of runs that have not finished.
func (m *Manager) ActiveRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, active := range m.runs {
		active.mu.Lock()
		if !active.run.Status.IsTerminal() {
			n++
		}
		active.mu.Unlock()
	}
	return n
}

// completionObserver finishes the run when its processor declares it complete.
type completionObserver struct {
	strategy.NopObserver
	manager *Manager
	runID   uuid.UUID
}

func (o completionObserver) OnCompleted(runID uuid.UUID) {
	o.manager.finish(context.Background(), runID, domain.RunStatusCompleted, "all iterations validated")
}
