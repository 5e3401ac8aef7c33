package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saltfish/wfsearch/internal/db"
	"github.com/saltfish/wfsearch/internal/domain"
)

const jobColumns = `
	run_id, id, iteration, kind, window_start, window_end, params, engine, status,
	container_id, error_message, retry_count, payload, created_at, started_at, completed_at`

// jobRepo implements JobRepository using PostgreSQL.
type jobRepo struct {
	pool *db.Pool
}

// NewJobRepository creates a new PostgreSQL job repository.
func NewJobRepository(pool *db.Pool) JobRepository {
	return &jobRepo{pool: pool}
}

func jobNotFound(key domain.JobKey) error {
	return domain.NewNotFoundError("job", key.RunID.String()+"/"+strconv.FormatInt(key.ID, 10))
}

// insertArgs returns the insert arguments for a job in jobColumns order.
func insertArgs(job *domain.Job) ([]any, error) {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	engineJSON, err := json.Marshal(job.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine: %w", err)
	}
	var payload []byte
	if len(job.Payload) > 0 {
		payload = job.Payload
	}

	return []any{
		job.RunID,
		job.ID,
		job.Iteration,
		job.Kind.String(),
		job.Window.Start,
		job.Window.End,
		paramsJSON,
		engineJSON,
		job.Status.String(),
		job.ContainerID,
		job.ErrorMessage,
		job.RetryCount,
		payload,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	}, nil
}

const insertJobQuery = `
	INSERT INTO wf_jobs (` + jobColumns + `
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
	)
`

// Create creates a new job.
func (r *jobRepo) Create(ctx context.Context, job *domain.Job) error {
	args, err := insertArgs(job)
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, insertJobQuery, args...); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// CreateBatch creates multiple jobs in a single transaction.
func (r *jobRepo) CreateBatch(ctx context.Context, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, job := range jobs {
			args, err := insertArgs(job)
			if err != nil {
				return fmt.Errorf("job %d: %w", job.ID, err)
			}
			batch.Queue(insertJobQuery, args...)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to create jobs: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a job by its run and id.
func (r *jobRepo) GetByID(ctx context.Context, key domain.JobKey) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM wf_jobs WHERE run_id = $1 AND id = $2`

	job, err := scanJob(r.pool.QueryRow(ctx, query, key.RunID, key.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobNotFound(key)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetPendingJobs retrieves pending jobs for processing.
// Uses FOR UPDATE SKIP LOCKED for concurrent-safe dequeuing.
func (r *jobRepo) GetPendingJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM wf_jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunning moves a pending job to running.
func (r *jobRepo) MarkRunning(ctx context.Context, key domain.JobKey) error {
	query := `
		UPDATE wf_jobs SET
			status = 'running',
			started_at = NOW()
		WHERE run_id = $1 AND id = $2 AND status = 'pending'
	`

	result, err := r.pool.Exec(ctx, query, key.RunID, key.ID)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, key, "job is not pending")
	}
	return nil
}

// SetContainer records the container executing a running job.
func (r *jobRepo) SetContainer(ctx context.Context, key domain.JobKey, containerID string) error {
	query := `UPDATE wf_jobs SET container_id = $3 WHERE run_id = $1 AND id = $2`

	result, err := r.pool.Exec(ctx, query, key.RunID, key.ID, containerID)
	if err != nil {
		return fmt.Errorf("failed to set job container: %w", err)
	}
	if result.RowsAffected() == 0 {
		return jobNotFound(key)
	}
	return nil
}

// MarkCompleted marks a running job as completed.
func (r *jobRepo) MarkCompleted(ctx context.Context, key domain.JobKey, payload []byte) error {
	query := `
		UPDATE wf_jobs SET
			status = 'completed',
			payload = $3,
			completed_at = NOW()
		WHERE run_id = $1 AND id = $2 AND status = 'running'
	`

	result, err := r.pool.Exec(ctx, query, key.RunID, key.ID, payload)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, key, "job is not running")
	}
	return nil
}

// MarkFailed marks a job as failed with an error message.
func (r *jobRepo) MarkFailed(ctx context.Context, key domain.JobKey, errMsg string) error {
	query := `
		UPDATE wf_jobs SET
			status = 'failed',
			error_message = $3,
			completed_at = NOW()
		WHERE run_id = $1 AND id = $2 AND status IN ('pending', 'running')
	`

	result, err := r.pool.Exec(ctx, query, key.RunID, key.ID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, key, "job already finished")
	}
	return nil
}

// CancelRun cancels every unfinished job of a run.
func (r *jobRepo) CancelRun(ctx context.Context, runID uuid.UUID) (int, error) {
	query := `
		UPDATE wf_jobs SET
			status = 'cancelled',
			completed_at = NOW()
		WHERE run_id = $1 AND status IN ('pending', 'running')
	`

	result, err := r.pool.Exec(ctx, query, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel run jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// GetTimedOutJobs retrieves jobs that have exceeded the timeout.
func (r *jobRepo) GetTimedOutJobs(ctx context.Context, timeout time.Duration) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM wf_jobs
		WHERE status = 'running'
			AND started_at < NOW() - $1::interval
		ORDER BY started_at ASC
	`

	rows, err := r.pool.Query(ctx, query, timeout.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query timed out jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListByRun retrieves jobs for a run.
func (r *jobRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM wf_jobs WHERE run_id = $1 ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs by run: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// GetQueueStats retrieves queue statistics.
func (r *jobRepo) GetQueueStats(ctx context.Context) (*domain.QueueStats, error) {
	query := `
		WITH today_jobs AS (
			SELECT status
			FROM wf_jobs
			WHERE created_at >= CURRENT_DATE
		),
		wait_times AS (
			SELECT EXTRACT(EPOCH FROM (started_at - created_at)) * 1000 AS wait_ms
			FROM wf_jobs
			WHERE started_at IS NOT NULL
				AND created_at >= CURRENT_DATE - INTERVAL '7 days'
		),
		run_times AS (
			SELECT EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000 AS run_ms
			FROM wf_jobs
			WHERE completed_at IS NOT NULL
				AND started_at IS NOT NULL
				AND created_at >= CURRENT_DATE - INTERVAL '7 days'
		)
		SELECT
			(SELECT COUNT(*) FROM wf_jobs WHERE status = 'pending') AS pending_jobs,
			(SELECT COUNT(*) FROM wf_jobs WHERE status = 'running') AS running_jobs,
			(SELECT COUNT(*) FROM today_jobs WHERE status = 'completed') AS completed_today,
			(SELECT COUNT(*) FROM today_jobs WHERE status = 'failed') AS failed_today,
			COALESCE((SELECT AVG(wait_ms)::bigint FROM wait_times), 0) AS avg_wait_time_ms,
			COALESCE((SELECT AVG(run_ms)::bigint FROM run_times), 0) AS avg_run_time_ms
	`

	stats := &domain.QueueStats{}
	err := r.pool.QueryRow(ctx, query).Scan(
		&stats.PendingJobs,
		&stats.RunningJobs,
		&stats.CompletedToday,
		&stats.FailedToday,
		&stats.AvgWaitTimeMs,
		&stats.AvgRunTimeMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return stats, nil
}

// IncrementRetryCount increments the retry count for a job.
func (r *jobRepo) IncrementRetryCount(ctx context.Context, key domain.JobKey) error {
	query := `UPDATE wf_jobs SET retry_count = retry_count + 1 WHERE run_id = $1 AND id = $2`

	result, err := r.pool.Exec(ctx, query, key.RunID, key.ID)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return jobNotFound(key)
	}
	return nil
}

// missingOrConflict distinguishes an absent job from one in the wrong state.
func (r *jobRepo) missingOrConflict(ctx context.Context, key domain.JobKey, reason string) error {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM wf_jobs WHERE run_id = $1 AND id = $2)", key.RunID, key.ID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}
	if !exists {
		return jobNotFound(key)
	}
	return fmt.Errorf("%w: %s", domain.ErrConflict, reason)
}

// scanJob scans a single row in jobColumns order.
func scanJob(row pgx.Row) (*domain.Job, error) {
	job := &domain.Job{}
	var kind, status string
	var paramsJSON, engineJSON, payload []byte

	err := row.Scan(
		&job.RunID,
		&job.ID,
		&job.Iteration,
		&kind,
		&job.Window.Start,
		&job.Window.End,
		&paramsJSON,
		&engineJSON,
		&status,
		&job.ContainerID,
		&job.ErrorMessage,
		&job.RetryCount,
		&payload,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if err := json.Unmarshal(engineJSON, &job.Engine); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine: %w", err)
	}

	job.Kind, err = domain.IterationKindFromString(kind)
	if err != nil {
		return nil, err
	}
	job.Window.Kind = job.Kind
	job.Status = domain.JobStatusFromString(status)
	if len(payload) > 0 {
		job.Payload = payload
	}
	return job, nil
}

// scanJobs scans rows into a slice of Job.
func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}
