package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/auditrelay/internal/models"
)

// nextSequence returns the next sequence number for objectID. It must run inside the
// transaction that inserts the numbered event: the upsert takes a row lock on the
// counter, so concurrent callers for the same object serialize until commit while
// other objects proceed.
func nextSequence(ctx context.Context, tx pgx.Tx, objectID uuid.UUID) (int64, error) {
	query := `INSERT INTO object_event_sequences (object_id, sequence)
	          VALUES ($1, 1)
	          ON CONFLICT (object_id)
	          DO UPDATE SET sequence = object_event_sequences.sequence + 1
	          RETURNING object_id, sequence`

	var counter models.ObjectSequenceCounter
	if err := tx.QueryRow(ctx, query, objectID).Scan(&counter.ObjectID, &counter.Sequence); err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return counter.Sequence, nil
}
