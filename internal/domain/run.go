package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run is one walk-forward optimization session.
type Run struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Status RunStatus `json:"status"`

	Settings WalkforwardSettings `json:"settings"`

	TerminationReason string     `json:"termination_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// NewRun creates a new pending Run with a generated UUID.
func NewRun(name string, settings WalkforwardSettings) *Run {
	now := time.Now()
	return &Run{
		ID:        uuid.New(),
		Name:      name,
		Status:    RunStatusPending,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Duration returns the duration of the run.
func (r *Run) Duration() time.Duration {
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(r.CreatedAt)
}

// IsComplete returns true if the run is in a terminal state.
func (r *Run) IsComplete() bool {
	return r.Status.IsTerminal()
}
