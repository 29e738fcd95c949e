package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
)

type EventRepository interface {
	// Insert stores a PENDING event and assigns its per-object sequence in the same
	// transaction. If an event with the same id exists, the stored row is copied into
	// event and Insert reports false.
	Insert(ctx context.Context, event *models.Event) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	ListByObject(ctx context.Context, objectID uuid.UUID) ([]*models.Event, error)
	LatestCollectionCreate(ctx context.Context, collectionID uuid.UUID) (*models.Event, error)
	HasOpenPredecessor(ctx context.Context, objectID uuid.UUID, sequence int64) (bool, error)
	Claim(ctx context.Context, id uuid.UUID, now, staleBefore time.Time, maxAttempts int) (*models.Event, error)
	MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt *time.Time) error
	ListRetryable(ctx context.Context, maxAttempts int) ([]*models.Event, error)
	ResetAttempts(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

type SyncJobRepository interface {
	// Start inserts a RUNNING job as the latest one. RUNNING jobs that started before
	// staleBefore are failed first and counted in job.Abandoned; any other RUNNING job
	// makes Start fail with *SyncJobRunningError.
	Start(ctx context.Context, job *models.SyncJob, staleBefore time.Time) error
	Finish(ctx context.Context, job *models.SyncJob) error
	GetLatest(ctx context.Context) (*models.SyncJob, error)
}

type RelayConfigRepository interface {
	Validate(ctx context.Context) error
	IsInitialised(ctx context.Context) (bool, error)
	SetInitialised(ctx context.Context, initialised bool) error
}

// SourceRepository reads the system of record to find objects that never produced a
// CREATE event.
type SourceRepository interface {
	CollectionsWithoutCreateEvent(ctx context.Context) ([]models.SourceObject, error)
	DocumentsWithoutCreateEvent(ctx context.Context) ([]models.SourceObject, error)
}
