package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRelayConfigRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRelayConfigRepository(pool *pgxpool.Pool) *PostgresRelayConfigRepository {
	return &PostgresRelayConfigRepository{pool: pool}
}

// Validate fails with *ConfigRowCountError unless relay_config holds exactly one row.
func (r *PostgresRelayConfigRepository) Validate(ctx context.Context) error {
	var rows int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM relay_config`).Scan(&rows); err != nil {
		return fmt.Errorf("failed to count relay config rows: %w", err)
	}
	if rows != 1 {
		return &ConfigRowCountError{Rows: rows}
	}
	return nil
}

func (r *PostgresRelayConfigRepository) IsInitialised(ctx context.Context) (bool, error) {
	var initialised bool
	err := r.pool.QueryRow(ctx, `SELECT initialised FROM relay_config LIMIT 1`).Scan(&initialised)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, &ConfigRowCountError{Rows: 0}
	}
	if err != nil {
		return false, fmt.Errorf("failed to read relay config: %w", err)
	}
	return initialised, nil
}

func (r *PostgresRelayConfigRepository) SetInitialised(ctx context.Context, initialised bool) error {
	result, err := r.pool.Exec(ctx, `UPDATE relay_config SET initialised = $1`, initialised)
	if err != nil {
		return fmt.Errorf("failed to update relay config: %w", err)
	}
	if n := result.RowsAffected(); n != 1 {
		return &ConfigRowCountError{Rows: int(n)}
	}
	return nil
}
