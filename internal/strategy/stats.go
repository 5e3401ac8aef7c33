package strategy

import "github.com/google/uuid"

// Counters tracks jobs of one kind within an iteration.
type Counters struct {
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Pending returns the number of jobs still awaiting a result.
func (c Counters) Pending() int {
	return c.Dispatched - c.Completed - c.Failed
}

// IterationStats describes the progress of one walk-forward iteration.
type IterationStats struct {
	Index       int      `json:"index"`
	InSample    Counters `json:"in_sample"`
	OutOfSample Counters `json:"out_of_sample"`
	Promoted    bool     `json:"promoted"`
}

// Stalled reports an iteration that can no longer advance: every in-sample job has reported,
// at least one of them failed, and nothing was promoted.
func (it IterationStats) Stalled() bool {
	return it.InSample.Dispatched > 0 &&
		it.InSample.Pending() == 0 &&
		it.InSample.Failed > 0 &&
		!it.Promoted
}

// Done reports whether the iteration's out-of-sample validation reported successfully.
func (it IterationStats) Done() bool {
	return it.Promoted && it.OutOfSample.Pending() == 0 && it.OutOfSample.Failed == 0
}

// ValidationFailed reports an iteration whose out-of-sample job has reported a failure.
func (it IterationStats) ValidationFailed() bool {
	return it.Promoted && it.OutOfSample.Pending() == 0 && it.OutOfSample.Failed > 0
}

// Stats is a snapshot of a strategy's progress.
type Stats struct {
	RunID      uuid.UUID        `json:"run_id"`
	State      State            `json:"state"`
	Completed  bool             `json:"completed"`
	Jobs       int              `json:"jobs"`
	Iterations []IterationStats `json:"iterations"`
}

// Stalled returns the indexes of iterations that cannot advance.
func (s Stats) Stalled() []int {
	var out []int
	for _, it := range s.Iterations {
		if it.Stalled() {
			out = append(out, it.Index)
		}
	}
	return out
}

// ValidationFailed returns the indexes of iterations whose out-of-sample job failed.
func (s Stats) ValidationFailed() []int {
	var out []int
	for _, it := range s.Iterations {
		if it.ValidationFailed() {
			out = append(out, it.Index)
		}
	}
	return out
}

// Stats returns a snapshot of the strategy's progress.
func (s *Strategy) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	iterations := make([]IterationStats, len(s.counters))
	copy(iterations, s.counters)

	return Stats{
		RunID:      s.runID,
		State:      s.state,
		Completed:  s.completed,
		Jobs:       len(s.jobs),
		Iterations: iterations,
	}
}
