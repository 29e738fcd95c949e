package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/auditrelay/internal/models"
)

const syncJobColumns = `id, status, is_latest, started_at, ended_at, error,
	collections_backfilled, documents_backfilled, events_submitted, events_synced`

type PostgresSyncJobRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncJobRepository(pool *pgxpool.Pool) *PostgresSyncJobRepository {
	return &PostgresSyncJobRepository{pool: pool}
}

func (r *PostgresSyncJobRepository) Start(ctx context.Context, job *models.SyncJob, staleBefore time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent starts; readers are not blocked.
	if _, err := tx.Exec(ctx, `LOCK TABLE sync_jobs IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock sync jobs: %w", err)
	}

	abandon := `UPDATE sync_jobs
	            SET status = 'failed', ended_at = $1, error = $2
	            WHERE status = 'running' AND started_at < $3`
	result, err := tx.Exec(ctx, abandon, job.StartedAt, AbandonedSyncJobReason, staleBefore)
	if err != nil {
		return fmt.Errorf("failed to abandon stale sync jobs: %w", err)
	}
	job.Abandoned = int(result.RowsAffected())

	var runningID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM sync_jobs WHERE status = 'running' LIMIT 1`).Scan(&runningID)
	if err == nil {
		return &SyncJobRunningError{JobID: runningID}
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check running sync jobs: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE sync_jobs SET is_latest = false WHERE is_latest`); err != nil {
		return fmt.Errorf("failed to clear latest sync job: %w", err)
	}

	query := `INSERT INTO sync_jobs (id, status, is_latest, started_at)
	          VALUES ($1, $2, true, $3)`
	if _, err := tx.Exec(ctx, query, job.ID, models.SyncJobRunning, job.StartedAt); err != nil {
		return fmt.Errorf("failed to insert sync job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit sync job: %w", err)
	}

	job.Status = models.SyncJobRunning
	job.IsLatest = true
	return nil
}

func (r *PostgresSyncJobRepository) Finish(ctx context.Context, job *models.SyncJob) error {
	query := `UPDATE sync_jobs
	          SET status = $2,
	              ended_at = $3,
	              error = $4,
	              collections_backfilled = $5,
	              documents_backfilled = $6,
	              events_submitted = $7,
	              events_synced = $8
	          WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.EndedAt,
		job.Error,
		job.CollectionsBackfilled,
		job.DocumentsBackfilled,
		job.EventsSubmitted,
		job.EventsSynced,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSyncJobRepository) GetLatest(ctx context.Context) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE is_latest LIMIT 1`

	var job models.SyncJob
	err := r.pool.QueryRow(ctx, query).Scan(
		&job.ID,
		&job.Status,
		&job.IsLatest,
		&job.StartedAt,
		&job.EndedAt,
		&job.Error,
		&job.CollectionsBackfilled,
		&job.DocumentsBackfilled,
		&job.EventsSubmitted,
		&job.EventsSynced,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync job: %w", err)
	}
	return &job, nil
}
