package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/parser"
)

// Executor errors. Start and daemon failures are infrastructure problems
// worth retrying; engine failures are not.
var (
	ErrContainerStartFailed = errors.New("container failed to start")
	ErrDaemon               = errors.New("docker daemon error")
	ErrEngineFailed         = errors.New("engine failed")
)

// logTail is how much engine output is kept in failure messages.
const logTail = 500

// StartedFunc is told the container id once a job's container is running.
type StartedFunc func(containerID string)

// Executor runs one compute job to completion.
type Executor interface {
	// Execute runs the job and returns its JSON result payload.
	Execute(ctx context.Context, job *domain.Job, started StartedFunc) ([]byte, error)

	// Stop stops the container of a job that is still running.
	Stop(ctx context.Context, containerID string) error
}

// ContainerExecutor runs jobs through a container Manager.
type ContainerExecutor struct {
	manager Manager
	parser  *parser.Parser
	logger  *zap.Logger
}

// NewContainerExecutor creates a ContainerExecutor.
func NewContainerExecutor(manager Manager, logger *zap.Logger) *ContainerExecutor {
	return &ContainerExecutor{
		manager: manager,
		parser:  parser.NewParser(logger),
		logger:  logger,
	}
}

// Execute starts the job's container, waits for it and extracts the payload.
// The container is always removed once it has finished or been stopped.
func (e *ContainerExecutor) Execute(ctx context.Context, job *domain.Job, started StartedFunc) ([]byte, error) {
	startTime := time.Now()
	logger := e.logger.With(
		zap.String("run_id", job.RunID.String()),
		zap.Int64("job_id", job.ID),
	)

	containerID, err := e.manager.StartJob(ctx, job)
	if err != nil {
		logger.Error("Failed to start container", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrContainerStartFailed, err)
	}
	if started != nil {
		started(containerID)
	}
	defer e.manager.RemoveContainer(context.Background(), containerID)

	exitCode, logs, err := e.manager.WaitContainer(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Job interrupted, stopping container", zap.Error(err))
			if stopErr := e.manager.StopContainer(context.Background(), containerID); stopErr != nil {
				logger.Error("Failed to stop container", zap.Error(stopErr))
			}
		}
		return nil, err
	}

	if exitCode != 0 {
		logger.Warn("Container exited with non-zero code", zap.Int64("exit_code", exitCode))
		return nil, fmt.Errorf("%w: exit code %d: %s", ErrEngineFailed, exitCode, tail(logs, logTail))
	}

	payload, err := e.parser.ParsePayload(logs)
	if err != nil {
		logger.Error("Failed to parse engine output", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrEngineFailed, err)
	}

	logger.Info("Job executed",
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("payload_bytes", len(payload)),
	)

	return payload, nil
}

// Stop stops a running container.
func (e *ContainerExecutor) Stop(ctx context.Context, containerID string) error {
	return e.manager.StopContainer(ctx, containerID)
}

// CleanupStale removes managed containers older than maxAge.
func (e *ContainerExecutor) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	return e.manager.CleanupStaleContainers(ctx, maxAge)
}

// Retryable reports whether err is an infrastructure failure.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrContainerStartFailed):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrDaemon):
		return true
	default:
		// Engine errors should not be retried
		return false
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Executor = (*ContainerExecutor)(nil)
