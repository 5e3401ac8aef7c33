// Package events provides RabbitMQ event publishing and subscription for wfsearch.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
)

// Routing keys for events.
const (
	// Run lifecycle events
	RoutingKeyRunStarted   = "run.started"
	RoutingKeyRunCompleted = "run.completed"
	RoutingKeyRunStopped   = "run.stopped"

	// Strategy events
	RoutingKeyIterationPlanned   = "iteration.planned"
	RoutingKeyParametersPromoted = "parameters.promoted"

	// Job lifecycle events
	RoutingKeyJobDispatched = "job.dispatched"
	RoutingKeyJobRunning    = "job.running"
	RoutingKeyJobCompleted  = "job.completed"
	RoutingKeyJobFailed     = "job.failed"

	// Results reported by external engines
	RoutingKeyEngineResult = "engine.result"
)

// Event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunStopped         = "run.stopped"
	EventTypeIterationPlanned   = "iteration.planned"
	EventTypeParametersPromoted = "parameters.promoted"
	EventTypeJobDispatched      = "job.dispatched"
	EventTypeJobRunning         = "job.running"
	EventTypeJobCompleted       = "job.completed"
	EventTypeJobFailed          = "job.failed"
	EventTypeEngineResult       = "engine.result"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		Source:    "wfsearch",
	}
}

// RunStartedEvent is published when a run has been seeded.
type RunStartedEvent struct {
	BaseEvent
	RunID    uuid.UUID                  `json:"run_id"`
	Name     string                     `json:"name"`
	Settings domain.WalkforwardSettings `json:"settings"`
}

// NewRunStartedEvent creates a new RunStartedEvent.
func NewRunStartedEvent(run *domain.Run) *RunStartedEvent {
	return &RunStartedEvent{
		BaseEvent: NewBaseEvent(EventTypeRunStarted),
		RunID:     run.ID,
		Name:      run.Name,
		Settings:  run.Settings,
	}
}

// RunFinishedEvent is published when a run completes or is stopped.
type RunFinishedEvent struct {
	BaseEvent
	RunID      uuid.UUID        `json:"run_id"`
	Name       string           `json:"name"`
	Status     domain.RunStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// NewRunFinishedEvent creates a RunFinishedEvent typed after the run's status.
func NewRunFinishedEvent(run *domain.Run) *RunFinishedEvent {
	eventType := EventTypeRunCompleted
	if run.Status == domain.RunStatusStopped {
		eventType = EventTypeRunStopped
	}
	return &RunFinishedEvent{
		BaseEvent:  NewBaseEvent(eventType),
		RunID:      run.ID,
		Name:       run.Name,
		Status:     run.Status,
		Reason:     run.TerminationReason,
		DurationMs: run.Duration().Milliseconds(),
	}
}

// IterationPlannedEvent is published once a run's windows are known.
type IterationPlannedEvent struct {
	BaseEvent
	RunID   uuid.UUID        `json:"run_id"`
	Windows []planner.Window `json:"windows"`
	TookMs  int64            `json:"took_ms"`
}

// NewIterationPlannedEvent creates a new IterationPlannedEvent.
func NewIterationPlannedEvent(runID uuid.UUID, windows []planner.Window, took time.Duration) *IterationPlannedEvent {
	return &IterationPlannedEvent{
		BaseEvent: NewBaseEvent(EventTypeIterationPlanned),
		RunID:     runID,
		Windows:   windows,
		TookMs:    took.Milliseconds(),
	}
}

// JobEvent describes a job lifecycle transition.
type JobEvent struct {
	BaseEvent
	RunID       uuid.UUID            `json:"run_id"`
	JobID       int64                `json:"job_id"`
	Iteration   int                  `json:"iteration"`
	Kind        domain.IterationKind `json:"kind"`
	Params      domain.ParameterSet  `json:"params,omitempty"`
	ContainerID string               `json:"container_id,omitempty"`
	Error       string               `json:"error,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
}

// NewJobEvent creates a JobEvent of the given type.
func NewJobEvent(eventType string, job *domain.Job) *JobEvent {
	e := &JobEvent{
		BaseEvent:  NewBaseEvent(eventType),
		RunID:      job.RunID,
		JobID:      job.ID,
		Iteration:  job.Iteration,
		Kind:       job.Kind,
		DurationMs: job.Duration().Milliseconds(),
	}
	if eventType == EventTypeJobDispatched {
		e.Params = job.Params
	}
	if job.ContainerID != nil {
		e.ContainerID = *job.ContainerID
	}
	return e
}

// ParametersPromotedEvent is published when an in-sample winner is sent to validation.
type ParametersPromotedEvent struct {
	BaseEvent
	RunID     uuid.UUID           `json:"run_id"`
	JobID     int64               `json:"job_id"`
	Iteration int                 `json:"iteration"`
	Params    domain.ParameterSet `json:"params"`
	Score     decimal.Decimal     `json:"score"`
}

// NewParametersPromotedEvent creates a new ParametersPromotedEvent.
func NewParametersPromotedEvent(job *domain.Job, score decimal.Decimal) *ParametersPromotedEvent {
	return &ParametersPromotedEvent{
		BaseEvent: NewBaseEvent(EventTypeParametersPromoted),
		RunID:     job.RunID,
		JobID:     job.ID,
		Iteration: job.Iteration,
		Params:    job.Params.Search(),
		Score:     score,
	}
}

// EngineResultEvent is sent by external engines that report results over the bus.
type EngineResultEvent struct {
	BaseEvent
	RunID   uuid.UUID       `json:"run_id"`
	JobID   int64           `json:"job_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrMissingRunID is returned when an engine result names no run.
var ErrMissingRunID = errors.New("engine result has no run_id")

// DecodeEngineResult parses an engine.result message body.
func DecodeEngineResult(body []byte) (*EngineResultEvent, error) {
	var e EngineResultEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	if e.RunID == uuid.Nil {
		return nil, ErrMissingRunID
	}
	return &e, nil
}

// Signal converts the result into the signal delivered to the run's strategy.
func (e *EngineResultEvent) Signal() domain.Signal {
	var err error
	if e.Error != "" {
		err = errors.New(e.Error)
	}
	var payload []byte
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		payload = e.Payload
	}
	return domain.ResultOf(e.JobID, payload, err)
}
