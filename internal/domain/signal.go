package domain

// Signal is delivered to a walk-forward strategy. It is one of Seed, Completed or Failed.
type Signal interface {
	isSignal()
}

// Seed starts the schedule of a run. It carries no job.
type Seed struct{}

// Completed reports a finished compute job and its serialized result.
type Completed struct {
	JobID   int64
	Payload []byte
}

// Failed reports a compute job that produced no result.
type Failed struct {
	JobID  int64
	Reason string
}

func (Seed) isSignal()      {}
func (Completed) isSignal() {}
func (Failed) isSignal()    {}

// ResultOf converts an execution outcome into a signal. An empty payload is a failure.
func ResultOf(jobID int64, payload []byte, err error) Signal {
	if err != nil {
		return Failed{JobID: jobID, Reason: err.Error()}
	}
	if len(payload) == 0 {
		return Failed{JobID: jobID, Reason: "empty result payload"}
	}
	return Completed{JobID: jobID, Payload: payload}
}

// SignalName returns a short label for logs and metrics.
func SignalName(s Signal) string {
	switch s.(type) {
	case Seed:
		return "seed"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
