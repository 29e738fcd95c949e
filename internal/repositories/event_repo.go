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

const eventColumns = `id, object_id, parent_id, object_type, event_type, user_id, sequence, status,
	attempts, last_error, next_attempt_at, processing_started_at, created_at, synced_at`

type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	err := row.Scan(
		&e.ID,
		&e.ObjectID,
		&e.ParentID,
		&e.ObjectType,
		&e.EventType,
		&e.UserID,
		&e.Sequence,
		&e.Status,
		&e.Attempts,
		&e.LastError,
		&e.NextAttemptAt,
		&e.ProcessingStartedAt,
		&e.CreatedAt,
		&e.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*models.Event, error) {
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (r *PostgresEventRepository) Insert(ctx context.Context, event *models.Event) (bool, error) {
	if !event.ObjectType.Valid() || !event.EventType.Valid() {
		return false, fmt.Errorf("failed to insert event %s: invalid type %s/%s", event.ID, event.ObjectType, event.EventType)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM relay_events WHERE id = $1`, event.ID))
	if err == nil {
		*event = *existing
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to check event: %w", err)
	}

	seq, err := nextSequence(ctx, tx, event.ObjectID)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO relay_events
	              (id, object_id, parent_id, object_type, event_type, user_id, sequence, status, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = tx.Exec(ctx, query,
		event.ID,
		event.ObjectID,
		event.ParentID,
		event.ObjectType,
		event.EventType,
		event.UserID,
		seq,
		models.StatusPending,
		event.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit event: %w", err)
	}

	event.Sequence = seq
	event.Status = models.StatusPending
	return true, nil
}

func (r *PostgresEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM relay_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event by ID: %w", err)
	}
	return e, nil
}

func (r *PostgresEventRepository) ListByObject(ctx context.Context, objectID uuid.UUID) ([]*models.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM relay_events WHERE object_id = $1 ORDER BY sequence ASC`, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

func (r *PostgresEventRepository) LatestCollectionCreate(ctx context.Context, collectionID uuid.UUID) (*models.Event, error) {
	query := `SELECT ` + eventColumns + `
	          FROM relay_events
	          WHERE object_id = $1 AND object_type = 'collection' AND event_type = 'create'
	          ORDER BY sequence DESC
	          LIMIT 1`

	e, err := scanEvent(r.pool.QueryRow(ctx, query, collectionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection create event: %w", err)
	}
	return e, nil
}

func (r *PostgresEventRepository) HasOpenPredecessor(ctx context.Context, objectID uuid.UUID, sequence int64) (bool, error) {
	query := `SELECT EXISTS (
	              SELECT 1 FROM relay_events
	              WHERE object_id = $1 AND sequence < $2 AND status IN ('pending', 'processing'))`

	var open bool
	if err := r.pool.QueryRow(ctx, query, objectID, sequence).Scan(&open); err != nil {
		return false, fmt.Errorf("failed to check predecessors: %w", err)
	}
	return open, nil
}

// Claim moves an event to PROCESSING and counts the attempt. A PROCESSING row is only
// taken over when its claim started before staleBefore. A FAILED row must be due at
// now and below maxAttempts; zero maxAttempts means no limit.
func (r *PostgresEventRepository) Claim(ctx context.Context, id uuid.UUID, now, staleBefore time.Time, maxAttempts int) (*models.Event, error) {
	query := `UPDATE relay_events
	          SET status = 'processing',
	              processing_started_at = $2,
	              attempts = attempts + 1,
	              next_attempt_at = NULL
	          WHERE id = $1
	            AND (status = 'pending'
	                 OR (status = 'failed'
	                     AND ($4 = 0 OR attempts < $4)
	                     AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
	                 OR (status = 'processing' AND processing_started_at < $3))
	          RETURNING ` + eventColumns

	e, err := scanEvent(r.pool.QueryRow(ctx, query, id, now, staleBefore, maxAttempts))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim event: %w", err)
	}
	return e, nil
}

func (r *PostgresEventRepository) MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	query := `UPDATE relay_events
	          SET status = 'synced',
	              synced_at = $2,
	              last_error = NULL,
	              next_attempt_at = NULL,
	              processing_started_at = NULL
	          WHERE id = $1 AND status = 'processing'`

	result, err := r.pool.Exec(ctx, query, id, syncedAt)
	if err != nil {
		return fmt.Errorf("failed to mark event synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt *time.Time) error {
	query := `UPDATE relay_events
	          SET status = 'failed',
	              last_error = $2,
	              next_attempt_at = $3,
	              processing_started_at = NULL
	          WHERE id = $1 AND status = 'processing'`

	result, err := r.pool.Exec(ctx, query, id, reason, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ListRetryable returns every unsynced event a sweep may resubmit, collections first,
// then by object and sequence. FAILED events that used up maxAttempts are left out.
func (r *PostgresEventRepository) ListRetryable(ctx context.Context, maxAttempts int) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + `
	          FROM relay_events
	          WHERE status IN ('pending', 'processing')
	             OR (status = 'failed' AND attempts < $1)
	          ORDER BY CASE object_type WHEN 'collection' THEN 0 ELSE 1 END, object_id, sequence`

	rows, err := r.pool.Query(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable events: %w", err)
	}
	return collectEvents(rows)
}

// ResetAttempts makes an exhausted FAILED event eligible for sweeps again.
func (r *PostgresEventRepository) ResetAttempts(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	query := `UPDATE relay_events
	          SET attempts = 0, next_attempt_at = NULL
	          WHERE id = $1 AND status = 'failed'
	          RETURNING ` + eventColumns

	e, err := scanEvent(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reset event attempts: %w", err)
	}
	return e, nil
}
