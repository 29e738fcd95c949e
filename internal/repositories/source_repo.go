package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/auditrelay/internal/models"
)

// The system of record keeps collections in "package" and documents in "resource".
// Both use text ids holding UUIDs; only active rows are relayed.
const (
	collectionsWithoutCreateQuery = `
		SELECT p.id, p.metadata_created
		FROM package p
		WHERE p.state = 'active'
		  AND NOT EXISTS (
		      SELECT 1 FROM relay_events e
		      WHERE e.object_id::text = p.id
		        AND e.object_type = 'collection'
		        AND e.event_type = 'create')
		ORDER BY p.metadata_created, p.id`

	documentsWithoutCreateQuery = `
		SELECT r.id, r.package_id, r.created
		FROM resource r
		WHERE r.state = 'active'
		  AND NOT EXISTS (
		      SELECT 1 FROM relay_events e
		      WHERE e.object_id::text = r.id
		        AND e.object_type = 'document'
		        AND e.event_type = 'create')
		ORDER BY r.created, r.id`
)

type PostgresSourceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSourceRepository(pool *pgxpool.Pool) *PostgresSourceRepository {
	return &PostgresSourceRepository{pool: pool}
}

func (r *PostgresSourceRepository) CollectionsWithoutCreateEvent(ctx context.Context) ([]models.SourceObject, error) {
	rows, err := r.pool.Query(ctx, collectionsWithoutCreateQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections without create event: %w", err)
	}
	defer rows.Close()

	var objects []models.SourceObject
	for rows.Next() {
		var o models.SourceObject
		if err := rows.Scan(&o.ID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return objects, nil
}

func (r *PostgresSourceRepository) DocumentsWithoutCreateEvent(ctx context.Context) ([]models.SourceObject, error) {
	rows, err := r.pool.Query(ctx, documentsWithoutCreateQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents without create event: %w", err)
	}
	defer rows.Close()

	var objects []models.SourceObject
	for rows.Next() {
		var o models.SourceObject
		if err := rows.Scan(&o.ID, &o.ParentID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return objects, nil
}
