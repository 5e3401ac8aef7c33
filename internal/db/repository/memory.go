package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/wfsearch/internal/domain"
)

// memoryJobRepo implements JobRepository in memory. Jobs are copied in and out so callers
// never share state with the store.
type memoryJobRepo struct {
	mu   sync.Mutex
	jobs map[domain.JobKey]*domain.Job
}

// NewMemoryJobRepository creates an in-memory job repository.
func NewMemoryJobRepository() JobRepository {
	return &memoryJobRepo{jobs: make(map[domain.JobKey]*domain.Job)}
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	c.Params = j.Params.Clone()
	c.Payload = slices.Clone(j.Payload)
	return &c
}

func (r *memoryJobRepo) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.Key()]; ok {
		return fmt.Errorf("%w: job %d already exists", domain.ErrConflict, job.ID)
	}
	r.jobs[job.Key()] = copyJob(job)
	return nil
}

func (r *memoryJobRepo) CreateBatch(_ context.Context, jobs []*domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range jobs {
		if _, ok := r.jobs[job.Key()]; ok {
			return fmt.Errorf("%w: job %d already exists", domain.ErrConflict, job.ID)
		}
	}
	for _, job := range jobs {
		r.jobs[job.Key()] = copyJob(job)
	}
	return nil
}

func (r *memoryJobRepo) GetByID(_ context.Context, key domain.JobKey) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[key]
	if !ok {
		return nil, jobNotFound(key)
	}
	return copyJob(job), nil
}

// sorted returns the jobs matching keep ordered by creation time, then run, then id.
func (r *memoryJobRepo) sorted(keep func(*domain.Job) bool) []*domain.Job {
	var out []*domain.Job
	for _, job := range r.jobs {
		if keep(job) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.RunID != b.RunID {
			return a.RunID.String() < b.RunID.String()
		}
		return a.ID < b.ID
	})
	return out
}

func (r *memoryJobRepo) GetPendingJobs(_ context.Context, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.sorted(func(j *domain.Job) bool { return j.Status == domain.JobStatusPending })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// transition applies fn to the job when its status is one of from.
func (r *memoryJobRepo) transition(key domain.JobKey, reason string, fn func(*domain.Job), from ...domain.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[key]
	if !ok {
		return jobNotFound(key)
	}
	if len(from) > 0 && !slices.Contains(from, job.Status) {
		return fmt.Errorf("%w: %s", domain.ErrConflict, reason)
	}
	fn(job)
	return nil
}

func (r *memoryJobRepo) MarkRunning(_ context.Context, key domain.JobKey) error {
	return r.transition(key, "job is not pending", func(j *domain.Job) {
		now := time.Now()
		j.Status = domain.JobStatusRunning
		j.StartedAt = &now
	}, domain.JobStatusPending)
}

func (r *memoryJobRepo) SetContainer(_ context.Context, key domain.JobKey, containerID string) error {
	return r.transition(key, "", func(j *domain.Job) {
		j.ContainerID = &containerID
	})
}

func (r *memoryJobRepo) MarkCompleted(_ context.Context, key domain.JobKey, payload []byte) error {
	return r.transition(key, "job is not running", func(j *domain.Job) {
		now := time.Now()
		j.Status = domain.JobStatusCompleted
		j.Payload = slices.Clone(payload)
		j.CompletedAt = &now
	}, domain.JobStatusRunning)
}

func (r *memoryJobRepo) MarkFailed(_ context.Context, key domain.JobKey, errMsg string) error {
	return r.transition(key, "job already finished", func(j *domain.Job) {
		now := time.Now()
		j.Status = domain.JobStatusFailed
		j.ErrorMessage = &errMsg
		j.CompletedAt = &now
	}, domain.JobStatusPending, domain.JobStatusRunning)
}

func (r *memoryJobRepo) CancelRun(_ context.Context, runID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	n := 0
	for _, job := range r.jobs {
		if job.RunID != runID || job.Status.IsTerminal() {
			continue
		}
		job.Status = domain.JobStatusCancelled
		job.CompletedAt = &now
		n++
	}
	return n, nil
}

func (r *memoryJobRepo) GetTimedOutJobs(_ context.Context, timeout time.Duration) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	return r.sorted(func(j *domain.Job) bool {
		return j.Status == domain.JobStatusRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff)
	}), nil
}

func (r *memoryJobRepo) ListByRun(_ context.Context, runID uuid.UUID) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := r.sorted(func(j *domain.Job) bool { return j.RunID == runID })
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

func (r *memoryJobRepo) GetQueueStats(_ context.Context) (*domain.QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	y, m, d := time.Now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.Local)

	stats := &domain.QueueStats{}
	var waitTotal, runTotal time.Duration
	var waitN, runN int64
	for _, job := range r.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.PendingJobs++
		case domain.JobStatusRunning:
			stats.RunningJobs++
		case domain.JobStatusCompleted:
			if !job.CreatedAt.Before(today) {
				stats.CompletedToday++
			}
		case domain.JobStatusFailed:
			if !job.CreatedAt.Before(today) {
				stats.FailedToday++
			}
		}
		if job.StartedAt != nil {
			waitTotal += job.StartedAt.Sub(job.CreatedAt)
			waitN++
			if job.CompletedAt != nil {
				runTotal += job.CompletedAt.Sub(*job.StartedAt)
				runN++
			}
		}
	}
	if waitN > 0 {
		stats.AvgWaitTimeMs = (waitTotal / time.Duration(waitN)).Milliseconds()
	}
	if runN > 0 {
		stats.AvgRunTimeMs = (runTotal / time.Duration(runN)).Milliseconds()
	}
	return stats, nil
}

func (r *memoryJobRepo) IncrementRetryCount(_ context.Context, key domain.JobKey) error {
	return r.transition(key, "", func(j *domain.Job) {
		j.RetryCount++
	})
}

// memoryRunRepo implements RunRepository in memory.
type memoryRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.Run
}

// NewMemoryRunRepository creates an in-memory run repository.
func NewMemoryRunRepository() RunRepository {
	return &memoryRunRepo{runs: make(map[uuid.UUID]*domain.Run)}
}

func copyRun(r *domain.Run) *domain.Run {
	c := *r
	return &c
}

func (r *memoryRunRepo) Create(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s already exists", domain.ErrConflict, run.ID)
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *memoryRunRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, domain.NewNotFoundError("run", id.String())
	}
	return copyRun(run), nil
}

func (r *memoryRunRepo) List(_ context.Context, limit int) ([]*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := make([]*domain.Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, copyRun(run))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r *memoryRunRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.RunStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return domain.NewNotFoundError("run", id.String())
	}
	now := time.Now()
	run.Status = status
	run.UpdatedAt = now
	if reason != "" {
		run.TerminationReason = reason
	}
	if status.IsTerminal() {
		run.CompletedAt = &now
	}
	return nil
}
