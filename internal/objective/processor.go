package objective

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
	"github.com/saltfish/wfsearch/internal/strategy"
)

type candidate struct {
	jobID  int64
	params domain.ParameterSet
	score  decimal.Decimal
}

type iterationState struct {
	window   planner.Window
	expected int
	reported int
	best     *candidate
	promoted bool
	oos      *candidate
}

// Processor keeps the best in-sample parameter set of every iteration and promotes it once
// all of the iteration's in-sample jobs have reported. The run is complete when every
// iteration's out-of-sample job has reported.
type Processor struct {
	objective Objective
	logger    *zap.Logger

	mu         sync.Mutex
	iterations []*iterationState
	validated  int
}

// NewProcessor creates a Processor for an objective.
func NewProcessor(objective Objective, logger *zap.Logger) *Processor {
	return &Processor{
		objective: objective,
		logger:    logger,
	}
}

// Begin implements strategy.Processor.
func (p *Processor) Begin(plan strategy.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.iterations = make([]*iterationState, len(plan.Windows))
	for i, w := range plan.Windows {
		p.iterations[i] = &iterationState{window: w}
		if i < len(plan.InSampleJobs) {
			p.iterations[i].expected = plan.InSampleJobs[i]
		}
	}
	p.validated = 0
}

// Process implements strategy.Processor.
func (p *Processor) Process(job *domain.Job, payload []byte) (strategy.Outcome, error) {
	score, err := p.objective.Extract(payload)
	if err != nil {
		return strategy.Outcome{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if job.Iteration < 0 || job.Iteration >= len(p.iterations) {
		return strategy.Outcome{}, domain.NewInvalidOperationError("process result", "job belongs to no planned iteration")
	}
	it := p.iterations[job.Iteration]

	switch job.Kind {
	case domain.InSample:
		return p.scoreInSample(it, job, score), nil
	case domain.OutOfSample:
		return p.scoreOutOfSample(it, job, score), nil
	}
	return strategy.Outcome{}, domain.NewInvalidOperationError("process result", "unknown iteration kind "+job.Kind.String())
}

func (p *Processor) scoreInSample(it *iterationState, job *domain.Job, score decimal.Decimal) strategy.Outcome {
	it.reported++
	if it.best == nil || p.objective.Better(score, it.best.score) {
		it.best = &candidate{jobID: job.ID, params: job.Params.Search(), score: score}
	}

	if it.promoted || it.reported < it.expected {
		return strategy.Outcome{}
	}
	it.promoted = true

	p.logger.Debug("In-sample search finished",
		zap.Int("iteration", it.window.Index),
		zap.Int64("best_job_id", it.best.jobID),
		zap.String("score", it.best.score.String()))

	return strategy.Outcome{Promotions: []strategy.Promotion{{
		Iteration: it.window.Index,
		Params:    it.best.params.Clone(),
		Score:     it.best.score,
	}}}
}

func (p *Processor) scoreOutOfSample(it *iterationState, job *domain.Job, score decimal.Decimal) strategy.Outcome {
	if it.oos == nil {
		p.validated++
	}
	it.oos = &candidate{jobID: job.ID, params: job.Params.Search(), score: score}

	return strategy.Outcome{Complete: p.validated == len(p.iterations)}
}

// IterationSummary reports the result of one walk-forward iteration.
type IterationSummary struct {
	Index            int                 `json:"index"`
	Window           planner.Window      `json:"window"`
	Reported         int                 `json:"reported"`
	Expected         int                 `json:"expected"`
	BestParams       domain.ParameterSet `json:"best_params,omitempty"`
	InSampleScore    *decimal.Decimal    `json:"in_sample_score,omitempty"`
	OutOfSampleScore *decimal.Decimal    `json:"out_of_sample_score,omitempty"`
	// Efficiency is the out-of-sample score divided by the in-sample score.
	Efficiency *decimal.Decimal `json:"efficiency,omitempty"`
}

// Summary returns the per-iteration results gathered so far.
func (p *Processor) Summary() []IterationSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]IterationSummary, len(p.iterations))
	for i, it := range p.iterations {
		s := IterationSummary{
			Index:    it.window.Index,
			Window:   it.window,
			Reported: it.reported,
			Expected: it.expected,
		}
		if it.best != nil {
			score := it.best.score
			s.BestParams = it.best.params.Clone()
			s.InSampleScore = &score
		}
		if it.oos != nil {
			score := it.oos.score
			s.OutOfSampleScore = &score
			if s.InSampleScore != nil && !s.InSampleScore.IsZero() {
				eff := score.DivRound(*s.InSampleScore, 4)
				s.Efficiency = &eff
			}
		}
		out[i] = s
	}
	return out
}
