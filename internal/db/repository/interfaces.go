// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/wfsearch/internal/db"
	"github.com/saltfish/wfsearch/internal/domain"
)

// JobRepository defines the interface for compute job data access.
type JobRepository interface {
	// Create creates a new job.
	Create(ctx context.Context, job *domain.Job) error

	// CreateBatch creates multiple jobs in a single transaction.
	CreateBatch(ctx context.Context, jobs []*domain.Job) error

	// GetByID retrieves a job by its run and id.
	GetByID(ctx context.Context, key domain.JobKey) (*domain.Job, error)

	// GetPendingJobs retrieves pending jobs for processing, oldest first.
	// Uses FOR UPDATE SKIP LOCKED for concurrent-safe dequeuing.
	GetPendingJobs(ctx context.Context, limit int) ([]*domain.Job, error)

	// MarkRunning moves a pending job to running. It fails with ErrConflict if the job is not pending.
	MarkRunning(ctx context.Context, key domain.JobKey) error

	// SetContainer records the container executing a running job.
	SetContainer(ctx context.Context, key domain.JobKey, containerID string) error

	// MarkCompleted marks a running job as completed with its result payload.
	MarkCompleted(ctx context.Context, key domain.JobKey, payload []byte) error

	// MarkFailed marks a pending or running job as failed with an error message.
	MarkFailed(ctx context.Context, key domain.JobKey, errMsg string) error

	// CancelRun cancels every pending or running job of a run and returns how many were cancelled.
	CancelRun(ctx context.Context, runID uuid.UUID) (int, error)

	// GetTimedOutJobs retrieves running jobs that started more than timeout ago.
	GetTimedOutJobs(ctx context.Context, timeout time.Duration) ([]*domain.Job, error)

	// ListByRun retrieves all jobs of a run in id order.
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Job, error)

	// GetQueueStats retrieves queue statistics.
	GetQueueStats(ctx context.Context) (*domain.QueueStats, error)

	// IncrementRetryCount increments the retry count for a job.
	IncrementRetryCount(ctx context.Context, key domain.JobKey) error
}

// RunRepository defines the interface for walk-forward run data access.
type RunRepository interface {
	// Create creates a new run.
	Create(ctx context.Context, run *domain.Run) error

	// GetByID retrieves a run by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)

	// List lists the most recent runs, newest first.
	List(ctx context.Context, limit int) ([]*domain.Run, error)

	// UpdateStatus updates the status of a run. Terminal statuses set completed_at and the reason.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RunStatus, reason string) error
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Job JobRepository
	Run RunRepository
}

// NewRepositories creates a new Repositories instance with all PostgreSQL implementations.
func NewRepositories(pool *db.Pool) *Repositories {
	return &Repositories{
		Job: NewJobRepository(pool),
		Run: NewRunRepository(pool),
	}
}

// NewMemoryRepositories creates a new Repositories instance that keeps everything in memory.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Job: NewMemoryJobRepository(),
		Run: NewMemoryRunRepository(),
	}
}
