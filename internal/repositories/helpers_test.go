package repositories

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/auditrelay/internal/database"
	"github.com/stretchr/testify/require"
)

// getTestPool connects to TEST_DATABASE_URL and applies the schema.
// Tests in this package are skipped when it is not set.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

// cleanupObjects removes the events and counters of the given objects.
func cleanupObjects(t *testing.T, pool *pgxpool.Pool, ids ...uuid.UUID) {
	t.Helper()
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}
	t.Cleanup(func() {
		ctx := context.Background()
		if _, err := pool.Exec(ctx, `DELETE FROM relay_events WHERE object_id = ANY($1::uuid[])`, keys); err != nil {
			t.Logf("Warning: failed to cleanup events: %v", err)
		}
		if _, err := pool.Exec(ctx, `DELETE FROM object_event_sequences WHERE object_id = ANY($1::uuid[])`, keys); err != nil {
			t.Logf("Warning: failed to cleanup sequences: %v", err)
		}
	})
}
