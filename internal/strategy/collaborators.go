package strategy

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
)

// Space is the declared parameter space. The strategy only hands it to the Stepper.
type Space interface {
	Names() []string
}

// Stepper produces candidate parameter sets for a space. Each yielded set must be a fresh map.
type Stepper interface {
	Step(space Space) iter.Seq[domain.ParameterSet]
}

// Dispatcher submits a job to the execution engine.
// It is called without the strategy lock held and may be called from many goroutines.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job *domain.Job) error

// Dispatch calls f(ctx, job).
func (f DispatcherFunc) Dispatch(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// Plan is handed to the Processor once, when the seed signal has been planned.
type Plan struct {
	RunID   uuid.UUID
	Windows []planner.Window
	// InSampleJobs holds the number of in-sample jobs created for each iteration.
	InSampleJobs []int
}

// Promotion asks the strategy to validate Params on the out-of-sample window of Iteration.
type Promotion struct {
	Iteration int
	Params    domain.ParameterSet
	Score     decimal.Decimal
}

// Outcome is the Processor's verdict on one job result.
type Outcome struct {
	Promotions []Promotion
	// Complete reports that the processor considers the run finished.
	Complete bool
}

// Processor owns scoring, promotion and run termination.
// Its methods are always called with the strategy lock held, so it needs no locking of its own.
type Processor interface {
	Begin(plan Plan)
	Process(job *domain.Job, payload []byte) (Outcome, error)
}

// ResultOutcome labels how a result signal was handled.
type ResultOutcome string

const (
	ResultProcessed ResultOutcome = "processed"
	ResultFailed    ResultOutcome = "failed"
	ResultRejected  ResultOutcome = "rejected"
	ResultDuplicate ResultOutcome = "duplicate"
)

// Observer receives strategy events. Methods are invoked after the strategy lock is released.
type Observer interface {
	OnPlanned(runID uuid.UUID, windows []planner.Window, took time.Duration)
	OnDispatched(job *domain.Job)
	OnResult(runID uuid.UUID, jobID int64, outcome ResultOutcome)
	OnPromoted(job *domain.Job, score decimal.Decimal)
	OnCompleted(runID uuid.UUID)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnPlanned(uuid.UUID, []planner.Window, time.Duration) {}
func (NopObserver) OnDispatched(*domain.Job)                             {}
func (NopObserver) OnResult(uuid.UUID, int64, ResultOutcome)             {}
func (NopObserver) OnPromoted(*domain.Job, decimal.Decimal)              {}
func (NopObserver) OnCompleted(uuid.UUID)                                {}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) OnPlanned(runID uuid.UUID, windows []planner.Window, took time.Duration) {
	for _, ob := range o {
		ob.OnPlanned(runID, windows, took)
	}
}

func (o Observers) OnDispatched(job *domain.Job) {
	for _, ob := range o {
		ob.OnDispatched(job)
	}
}

func (o Observers) OnResult(runID uuid.UUID, jobID int64, outcome ResultOutcome) {
	for _, ob := range o {
		ob.OnResult(runID, jobID, outcome)
	}
}

func (o Observers) OnPromoted(job *domain.Job, score decimal.Decimal) {
	for _, ob := range o {
		ob.OnPromoted(job, score)
	}
}

func (o Observers) OnCompleted(runID uuid.UUID) {
	for _, ob := range o {
		ob.OnCompleted(runID)
	}
}
