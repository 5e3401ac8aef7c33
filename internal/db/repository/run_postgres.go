package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saltfish/wfsearch/internal/db"
	"github.com/saltfish/wfsearch/internal/domain"
)

const runColumns = `id, name, status, settings, termination_reason, created_at, updated_at, completed_at`

// runRepo implements RunRepository using PostgreSQL.
type runRepo struct {
	pool *db.Pool
}

// NewRunRepository creates a new PostgreSQL run repository.
func NewRunRepository(pool *db.Pool) RunRepository {
	return &runRepo{pool: pool}
}

// Create creates a new run.
func (r *runRepo) Create(ctx context.Context, run *domain.Run) error {
	settingsJSON, err := json.Marshal(run.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO wf_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.Name,
		run.Status.String(),
		settingsJSON,
		run.TerminationReason,
		run.CreatedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by ID.
func (r *runRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM wf_runs WHERE id = $1`

	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("run", id.String())
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List lists the most recent runs.
func (r *runRepo) List(ctx context.Context, limit int) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM wf_runs ORDER BY created_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// UpdateStatus updates the status of a run.
func (r *runRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RunStatus, reason string) error {
	query := `
		UPDATE wf_runs SET
			status = $2,
			termination_reason = CASE WHEN $3 = '' THEN termination_reason ELSE $3 END,
			updated_at = NOW(),
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'stopped') THEN NOW() ELSE completed_at END
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, status.String(), reason)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("run", id.String())
	}
	return nil
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	run := &domain.Run{}
	var status string
	var settingsJSON []byte

	err := row.Scan(
		&run.ID,
		&run.Name,
		&status,
		&settingsJSON,
		&run.TerminationReason,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(settingsJSON, &run.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	run.Status = domain.RunStatusFromString(status)
	return run, nil
}
