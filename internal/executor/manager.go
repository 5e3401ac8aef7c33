// Package executor runs compute jobs in execution engine containers.
package executor

import (
	"context"
	"time"

	"github.com/saltfish/wfsearch/internal/domain"
)

// Manager defines the interface for container operations.
type Manager interface {
	// StartJob starts an engine container for the job.
	StartJob(ctx context.Context, job *domain.Job) (containerID string, err error)

	// WaitContainer waits for a container to finish and returns logs.
	WaitContainer(ctx context.Context, containerID string) (exitCode int64, logs string, err error)

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, containerID string) error

	// RemoveContainer removes a container and any files prepared for it.
	RemoveContainer(ctx context.Context, containerID string) error

	// GetContainerLogs retrieves logs from a container.
	GetContainerLogs(ctx context.Context, containerID string) (string, error)

	// CleanupStaleContainers removes containers that exceed the maximum age.
	CleanupStaleContainers(ctx context.Context, maxAge time.Duration) (int, error)

	// IsContainerRunning checks if a container is still running.
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
}
