// Package domain contains the core domain models for walk-forward search.
package domain

// IterationKind identifies which half of a walk-forward iteration a window covers.
// It has exactly two values; switches over it are expected to be exhaustive.
type IterationKind string

const (
	InSample    IterationKind = "in_sample"
	OutOfSample IterationKind = "out_of_sample"
)

// IsValid returns true if the kind is one of the two defined kinds.
func (k IterationKind) IsValid() bool {
	switch k {
	case InSample, OutOfSample:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k IterationKind) String() string {
	return string(k)
}

// IterationKindFromString converts a string to IterationKind.
func IterationKindFromString(s string) (IterationKind, error) {
	kind := IterationKind(s)
	if !kind.IsValid() {
		return "", NewConfigurationError("kind", "unknown iteration kind '"+s+"'")
	}
	return kind, nil
}

// JobStatus represents the status of a compute job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the status is terminal (no further transitions).
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// JobStatusFromString converts a string to JobStatus.
func JobStatusFromString(s string) JobStatus {
	status := JobStatus(s)
	if status.IsValid() {
		return status
	}
	return JobStatusPending
}

// RunStatus represents the status of a walk-forward run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// IsTerminal returns true if the status is terminal.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// IsValid returns true if the status is a valid RunStatus.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// RunStatusFromString converts a string to RunStatus.
func RunStatusFromString(s string) RunStatus {
	status := RunStatus(s)
	if status.IsValid() {
		return status
	}
	return RunStatusPending
}

// Direction tells an objective whether larger or smaller scores are better.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// IsValid returns true if the direction is a valid Direction.
func (d Direction) IsValid() bool {
	return d == Maximize || d == Minimize
}

// String returns the string representation of the direction.
func (d Direction) String() string {
	return string(d)
}

// DirectionFromString converts a string to Direction, defaulting to Maximize.
func DirectionFromString(s string) Direction {
	d := Direction(s)
	if d.IsValid() {
		return d
	}
	return Maximize
}
