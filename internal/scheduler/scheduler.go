// Package scheduler provides compute job queueing, the worker pool and cron run launching.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/db/repository"
	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/executor"
)

// EventPublisher defines the interface for publishing job events.
type EventPublisher interface {
	PublishJobRunning(job *domain.Job) error
	PublishJobCompleted(job *domain.Job) error
	PublishJobFailed(job *domain.Job, errMsg string) error
}

// ResultSink receives the outcome of every finished job.
// Workers call Deliver concurrently.
type ResultSink interface {
	Deliver(ctx context.Context, runID uuid.UUID, signal domain.Signal) error
}

// Scheduler manages compute job execution.
type Scheduler struct {
	config         *config.SchedulerConfig
	repos          *repository.Repositories
	executor       executor.Executor
	eventPublisher EventPublisher
	sink           ResultSink
	logger         *zap.Logger

	retryDelay      time.Duration
	timeoutInterval time.Duration

	workers []*Worker
	jobChan chan *domain.Job
	wake    chan struct{}

	activeJobs sync.Map // domain.JobKey -> *RunningJob
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// RunningJob tracks a job that's currently being executed.
type RunningJob struct {
	Job       *domain.Job
	StartedAt time.Time
	Cancel    context.CancelFunc

	mu          sync.Mutex
	containerID string
}

func (r *RunningJob) setContainer(id string) {
	r.mu.Lock()
	r.containerID = id
	r.mu.Unlock()
}

// ContainerID returns the job's container, empty until it has started.
func (r *RunningJob) ContainerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containerID
}

// JobResult represents the result of processing a job.
type JobResult struct {
	Job     *domain.Job
	Payload []byte
	Error   error
}

// Success reports whether the job produced a payload.
func (r *JobResult) Success() bool {
	return r.Error == nil && len(r.Payload) > 0
}

// NewScheduler creates a new Scheduler. SetResultSink must be called before Start.
func NewScheduler(
	cfg *config.SchedulerConfig,
	repos *repository.Repositories,
	exec executor.Executor,
	eventPublisher EventPublisher,
	logger *zap.Logger,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		config:          cfg,
		repos:           repos,
		executor:        exec,
		eventPublisher:  eventPublisher,
		logger:          logger,
		retryDelay:      5 * time.Second,
		timeoutInterval: 30 * time.Second,
		jobChan:         make(chan *domain.Job, cfg.MaxConcurrentJobs),
		wake:            make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetResultSink sets the receiver of job outcomes.
func (s *Scheduler) SetResultSink(sink ResultSink) {
	s.sink = sink
}

// Start starts the scheduler and workers.
func (s *Scheduler) Start() error {
	if s.sink == nil {
		return errors.New("scheduler has no result sink")
	}

	s.logger.Info("Starting scheduler",
		zap.Int("workers", s.config.MaxConcurrentJobs),
		zap.Int("poll_interval_seconds", s.config.PollIntervalSeconds),
	)

	for i := range s.config.MaxConcurrentJobs {
		worker := NewWorker(i, s, s.logger)
		s.workers = append(s.workers, worker)
		s.wg.Add(1)
		go worker.Run(s.ctx, &s.wg)
	}

	s.wg.Add(1)
	go s.fetchJobs()

	s.wg.Add(1)
	go s.watchTimeouts()

	s.logger.Info("Scheduler started")
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped gracefully")
	case <-time.After(s.config.ShutdownWait()):
		s.logger.Warn("Scheduler shutdown timed out")
		s.forceStopRunningJobs()
	}

	return nil
}

// Dispatch queues a job for execution. It only persists the job, so it
// never waits for a worker.
func (s *Scheduler) Dispatch(ctx context.Context, job *domain.Job) error {
	if err := s.repos.Job.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to queue job %d: %w", job.ID, err)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.logger.Debug("Queued job",
		zap.String("run_id", job.RunID.String()),
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.Kind.String()),
	)
	return nil
}

// CancelRun cancels the pending jobs of a run and interrupts its running ones.
func (s *Scheduler) CancelRun(ctx context.Context, runID uuid.UUID) (int, error) {
	n, err := s.repos.Job.CancelRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs of run %s: %w", runID, err)
	}

	s.activeJobs.Range(func(key, value interface{}) bool {
		if k, ok := key.(domain.JobKey); ok && k.RunID == runID {
			if rj, ok := value.(*RunningJob); ok && rj.Cancel != nil {
				rj.Cancel()
			}
		}
		return true
	})

	s.logger.Info("Cancelled run jobs",
		zap.String("run_id", runID.String()),
		zap.Int("cancelled", n),
	)
	return n, nil
}

// fetchJobs fetches pending jobs on every poll tick and whenever a job is queued.
func (s *Scheduler) fetchJobs() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.fetchAndDispatch()
		case <-s.wake:
			s.fetchAndDispatch()
		}
	}
}

// fetchAndDispatch fetches pending jobs and dispatches them to workers.
func (s *Scheduler) fetchAndDispatch() {
	available := cap(s.jobChan) - len(s.jobChan)
	if available <= 0 {
		return
	}

	// Fetch pending jobs using FOR UPDATE SKIP LOCKED
	jobs, err := s.repos.Job.GetPendingJobs(s.ctx, available)
	if err != nil {
		s.logger.Error("Failed to fetch pending jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		// Another instance may have claimed it first
		if err := s.repos.Job.MarkRunning(s.ctx, job.Key()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				s.logger.Debug("Job already claimed", zap.Int64("job_id", job.ID))
			} else {
				s.logger.Error("Failed to mark job as running",
					zap.Int64("job_id", job.ID),
					zap.Error(err),
				)
			}
			continue
		}

		job.Status = domain.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now

		if s.eventPublisher != nil {
			s.eventPublisher.PublishJobRunning(job)
		}

		select {
		case s.jobChan <- job:
			s.logger.Debug("Dispatched job",
				zap.String("run_id", job.RunID.String()),
				zap.Int64("job_id", job.ID),
			)
		case <-s.ctx.Done():
			return
		}
	}

	// Fill any capacity left by a full page on the next pass
	if len(jobs) == available {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// processResult persists a job outcome and delivers it to the sink.
// A job that was already finalized elsewhere (timed out, cancelled) is not delivered again.
func (s *Scheduler) processResult(ctx context.Context, result *JobResult) {
	job := result.Job
	logger := s.logger.With(
		zap.String("run_id", job.RunID.String()),
		zap.Int64("job_id", job.ID),
	)

	var errMsg string
	if result.Success() {
		if err := s.repos.Job.MarkCompleted(ctx, job.Key(), result.Payload); err != nil {
			logger.Warn("Failed to mark job completed", zap.Error(err))
			if errors.Is(err, domain.ErrConflict) {
				return
			}
		}
		now := time.Now()
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		job.Payload = result.Payload

		if s.eventPublisher != nil {
			s.eventPublisher.PublishJobCompleted(job)
		}

		logger.Info("Job completed successfully", zap.Duration("duration", job.Duration()))
	} else {
		errMsg = "empty result payload"
		if result.Error != nil {
			errMsg = result.Error.Error()
		}

		if err := s.repos.Job.MarkFailed(ctx, job.Key(), errMsg); err != nil {
			logger.Warn("Failed to mark job failed", zap.Error(err))
			if errors.Is(err, domain.ErrConflict) {
				return
			}
		}
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = &errMsg

		if s.eventPublisher != nil {
			s.eventPublisher.PublishJobFailed(job, errMsg)
		}

		logger.Warn("Job failed", zap.String("error", errMsg))
	}

	s.deliver(ctx, job, domain.ResultOf(job.ID, result.Payload, result.Error))
}

func (s *Scheduler) deliver(ctx context.Context, job *domain.Job, signal domain.Signal) {
	if err := s.sink.Deliver(ctx, job.RunID, signal); err != nil {
		level := s.logger.Error
		if errors.Is(err, domain.ErrRunNotActive) {
			level = s.logger.Debug
		}
		level("Failed to deliver job result",
			zap.String("run_id", job.RunID.String()),
			zap.Int64("job_id", job.ID),
			zap.String("signal", domain.SignalName(signal)),
			zap.Error(err),
		)
	}
}

// watchTimeouts monitors for jobs that have exceeded timeout.
func (s *Scheduler) watchTimeouts() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.timeoutInterval)
	defer ticker.Stop()

	timeout := s.config.JobTimeout()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkTimeouts(timeout)
		}
	}
}

// checkTimeouts fails jobs that ran past the timeout, including jobs left
// running by a previous process.
func (s *Scheduler) checkTimeouts(timeout time.Duration) {
	timedOut, err := s.repos.Job.GetTimedOutJobs(s.ctx, timeout)
	if err != nil {
		s.logger.Error("Failed to check timed out jobs", zap.Error(err))
		return
	}

	for _, job := range timedOut {
		logger := s.logger.With(
			zap.String("run_id", job.RunID.String()),
			zap.Int64("job_id", job.ID),
		)
		logger.Warn("Job timed out", zap.Duration("timeout", timeout))

		if job.ContainerID != nil && *job.ContainerID != "" {
			if err := s.executor.Stop(s.ctx, *job.ContainerID); err != nil {
				logger.Error("Failed to stop timed out container",
					zap.String("container_id", *job.ContainerID),
					zap.Error(err),
				)
			}
		}

		if running, ok := s.activeJobs.Load(job.Key()); ok {
			if rj, ok := running.(*RunningJob); ok && rj.Cancel != nil {
				rj.Cancel()
			}
		}

		const reason = "job timed out"
		if err := s.repos.Job.MarkFailed(s.ctx, job.Key(), reason); err != nil {
			// The worker finished it first
			logger.Debug("Timed out job already finalized", zap.Error(err))
			continue
		}

		if s.eventPublisher != nil {
			s.eventPublisher.PublishJobFailed(job, reason)
		}
		s.deliver(s.ctx, job, domain.Failed{JobID: job.ID, Reason: reason})
	}
}

// forceStopRunningJobs stops all running containers during shutdown.
func (s *Scheduler) forceStopRunningJobs() {
	s.activeJobs.Range(func(key, value interface{}) bool {
		if rj, ok := value.(*RunningJob); ok {
			if id := rj.ContainerID(); id != "" {
				s.logger.Warn("Force stopping container",
					zap.Int64("job_id", rj.Job.ID),
					zap.String("container_id", id),
				)
				s.executor.Stop(context.Background(), id)
			}
			if rj.Cancel != nil {
				rj.Cancel()
			}
		}
		return true
	})
}

// GetStats returns current scheduler statistics.
func (s *Scheduler) GetStats() map[string]interface{} {
	var activeCount int
	s.activeJobs.Range(func(key, value interface{}) bool {
		activeCount++
		return true
	})

	queueStats, _ := s.repos.Job.GetQueueStats(s.ctx)

	stats := map[string]interface{}{
		"active_jobs":  activeCount,
		"queue_length": len(s.jobChan),
		"worker_count": len(s.workers),
	}

	if queueStats != nil {
		stats["pending_jobs"] = queueStats.PendingJobs
		stats["running_jobs"] = queueStats.RunningJobs
		stats["completed_today"] = queueStats.CompletedToday
		stats["failed_today"] = queueStats.FailedToday
		stats["avg_wait_time_ms"] = queueStats.AvgWaitTimeMs
		stats["avg_run_time_ms"] = queueStats.AvgRunTimeMs
	}

	return stats
}
