package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/executor"
)

// Worker takes jobs off the scheduler's channel and runs them one at a time.
type Worker struct {
	id        int
	scheduler *Scheduler
	logger    *zap.Logger
}

// NewWorker creates a new Worker.
func NewWorker(id int, scheduler *Scheduler, logger *zap.Logger) *Worker {
	return &Worker{
		id:        id,
		scheduler: scheduler,
		logger:    logger.With(zap.Int("worker_id", id)),
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	w.logger.Info("Worker started")
	defer w.logger.Info("Worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.scheduler.jobChan:
			result := w.attempt(ctx, job)
			// Finished work is recorded even while shutting down
			w.scheduler.processResult(context.WithoutCancel(ctx), result)
		}
	}
}

// attempt executes job, retrying infrastructure failures up to MaxRetries.
func (w *Worker) attempt(ctx context.Context, job *domain.Job) *JobResult {
	log := w.logger.With(
		zap.String("run_id", job.RunID.String()),
		zap.Int64("job_id", job.ID),
	)

	for {
		result := w.execute(ctx, job, log)
		if result.Success() || !w.retryable(job, result.Error) {
			return result
		}

		log.Info("Retrying job", zap.Int("retry_count", job.RetryCount), zap.Error(result.Error))
		if err := w.scheduler.repos.Job.IncrementRetryCount(ctx, job.Key()); err != nil {
			log.Error("Failed to increment retry count", zap.Error(err))
		}
		job.RetryCount++

		select {
		case <-ctx.Done():
			return result
		case <-time.After(w.scheduler.retryDelay):
		}
	}
}

func (w *Worker) execute(ctx context.Context, job *domain.Job, log *zap.Logger) *JobResult {
	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.scheduler.config.JobTimeout())
	defer cancel()

	running := &RunningJob{Job: job, StartedAt: started, Cancel: cancel}
	w.scheduler.activeJobs.Store(job.Key(), running)
	defer w.scheduler.activeJobs.Delete(job.Key())

	log.Info("Processing job",
		zap.String("kind", job.Kind.String()),
		zap.Int("iteration", job.Iteration),
	)

	onContainer := func(containerID string) {
		running.setContainer(containerID)
		job.ContainerID = &containerID
		if err := w.scheduler.repos.Job.SetContainer(ctx, job.Key(), containerID); err != nil {
			log.Warn("Failed to record container", zap.Error(err))
		}
	}

	payload, err := w.scheduler.executor.Execute(jobCtx, job, onContainer)
	if err != nil {
		return &JobResult{Job: job, Error: err}
	}
	log.Info("Job finished", zap.Duration("duration", time.Since(started)))
	return &JobResult{Job: job, Payload: payload}
}

// retryable reports whether a failed attempt should run again. Only
// infrastructure errors qualify; a failing engine fails again.
func (w *Worker) retryable(job *domain.Job, err error) bool {
	return job.RetryCount < w.scheduler.config.MaxRetries && executor.Retryable(err)
}
