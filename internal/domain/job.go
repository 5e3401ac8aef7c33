package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EngineSpec describes how the execution engine runs one compute job.
type EngineSpec struct {
	Image   string            `json:"image" yaml:"image"`
	Command []string          `json:"command,omitempty" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
}

// Job is one parameter set submitted to the execution engine for one window.
type Job struct {
	RunID     uuid.UUID     `json:"run_id"`
	ID        int64         `json:"id"`
	Iteration int           `json:"iteration"`
	Kind      IterationKind `json:"kind"`
	Window    Iteration     `json:"window"`
	Params    ParameterSet  `json:"params"`
	Engine    EngineSpec    `json:"engine"`

	Status       JobStatus  `json:"status"`
	ContainerID  *string    `json:"container_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Payload is the engine's JSON result, set once the job completes.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewJob creates a pending Job whose parameter set is annotated with the window.
func NewJob(runID uuid.UUID, id int64, iteration int, window Iteration, params ParameterSet) *Job {
	params.Annotate(window)
	return &Job{
		RunID:     runID,
		ID:        id,
		Iteration: iteration,
		Kind:      window.Kind,
		Window:    window,
		Params:    params,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
}

// Key identifies the job across runs.
func (j *Job) Key() JobKey {
	return JobKey{RunID: j.RunID, ID: j.ID}
}

// Duration returns the duration of the job execution.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// JobKey is the composite identity of a job.
type JobKey struct {
	RunID uuid.UUID
	ID    int64
}

// QueueStats represents statistics about the job queue.
type QueueStats struct {
	PendingJobs    int   `json:"pending_jobs"`
	RunningJobs    int   `json:"running_jobs"`
	CompletedToday int   `json:"completed_today"`
	FailedToday    int   `json:"failed_today"`
	AvgWaitTimeMs  int64 `json:"avg_wait_time_ms"`
	AvgRunTimeMs   int64 `json:"avg_run_time_ms"`
}
