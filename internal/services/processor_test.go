package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/downstream"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedSyncedCollection stores a collection CREATE that has already reached SYNCED.
func seedSyncedCollection(t *testing.T, store *memStore, collectionID uuid.UUID) *models.Event {
	event := models.NewEvent(collectionID, models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0)
	_, err := store.Insert(context.Background(), event)
	require.NoError(t, err)
	store.set(event.ID, func(e *models.Event) {
		e.Status = models.StatusSynced
		synced := t0
		e.SyncedAt = &synced
	})
	return event
}

func insertEvent(t *testing.T, store *memStore, event *models.Event) *models.Event {
	_, err := store.Insert(context.Background(), event)
	require.NoError(t, err)
	return event
}

// TestProcessor_CollectionCreate tests the happy path and that re-processing is a no-op
func TestProcessor_CollectionCreate(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0.Add(time.Minute))
	ctx := context.Background()

	c1 := uuid.New()
	ds.On("CreateCollection", c1).Return(nil).Once()

	// ACT: Process a fresh collection create event
	event := models.NewEvent(c1, models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0)
	outcome, err := p.Process(ctx, event)

	// ASSERT: Created downstream once and synced
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	stored := store.get(event.ID)
	assert.Equal(t, models.StatusSynced, stored.Status)
	assert.Equal(t, int64(1), stored.Sequence)
	require.NotNil(t, stored.SyncedAt)
	assert.Equal(t, t0.Add(time.Minute), *stored.SyncedAt)

	// Processing the same event again does nothing
	outcome, err = p.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	outcome, err = p.ProcessByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	ds.AssertNumberOfCalls(t, "CreateCollection", 1)
	ds.AssertExpectations(t)
}

// TestProcessor_CollectionAlreadyExists tests that a conflict on create counts as success
func TestProcessor_CollectionAlreadyExists(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)

	c1 := uuid.New()
	ds.On("CreateCollection", c1).Return(downstream.ErrAlreadyExists)

	event := models.NewEvent(c1, models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0)
	outcome, err := p.Process(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	assert.Equal(t, models.StatusSynced, store.get(event.ID).Status)
}

// TestProcessor_CollectionUpdateNotRelayed tests that non-create collection events sync without a call
func TestProcessor_CollectionUpdateNotRelayed(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)

	c1 := uuid.New()
	seedSyncedCollection(t, store, c1)
	event := insertEvent(t, store, models.NewEvent(c1, models.ObjectTypeCollection, models.EventTypeUpdate, "alice", t0))

	outcome, err := p.Process(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	ds.AssertNotCalled(t, "CreateCollection", mock.Anything)
}

// TestProcessor_DocumentDeferredUntilCollectionSynced tests the parent dependency rule
func TestProcessor_DocumentDeferredUntilCollectionSynced(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)
	ctx := context.Background()

	c1, d1 := uuid.New(), uuid.New()

	// No collection event at all
	event := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeCreate, "alice", t0))
	outcome, err := p.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	// Collection event exists but is still pending
	insertEvent(t, store, models.NewEvent(c1, models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0))
	outcome, err = p.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	stored := store.get(event.ID)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	ds.AssertNotCalled(t, "GetDocumentEvents", mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "CreateDocument", mock.Anything, mock.Anything, mock.Anything)
}

// TestProcessor_DocumentCreate tests that a missing downstream document is created
func TestProcessor_DocumentCreate(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)

	c1, d1 := uuid.New(), uuid.New()
	seedSyncedCollection(t, store, c1)
	event := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeCreate, "", t0))

	ds.On("GetDocumentEvents", c1, d1).Return(nil, downstream.ErrNotFound)
	ds.On("CreateDocument", c1, d1, event.Summary()).Return(nil).Once()

	outcome, err := p.Process(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	assert.Equal(t, models.GuestUserID, event.Summary().UserID)
	ds.AssertExpectations(t)
}

// TestProcessor_UpdateFallsBackToCreate tests an update for a document the service has never seen
func TestProcessor_UpdateFallsBackToCreate(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)

	c1, d1 := uuid.New(), uuid.New()
	seedSyncedCollection(t, store, c1)
	event := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeUpdate, "bob", t0))

	ds.On("GetDocumentEvents", c1, d1).Return(nil, downstream.ErrNotFound)
	ds.On("CreateDocument", c1, d1, event.Summary()).Return(nil).Once()

	outcome, err := p.Process(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	ds.AssertNotCalled(t, "UpdateDocument", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertExpectations(t)
}

// TestProcessor_UpdatesKeepSequenceOrder tests two updates queued before the first one syncs
func TestProcessor_UpdatesKeepSequenceOrder(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)
	ctx := context.Background()

	c1, d1 := uuid.New(), uuid.New()
	seedSyncedCollection(t, store, c1)
	created := models.EventSummary{ID: uuid.New(), EventType: models.EventTypeCreate, UserID: "alice", CreatedAt: t0}

	first := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeUpdate, "alice", t0.Add(time.Second)))
	second := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeUpdate, "bob", t0.Add(2*time.Second)))
	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, int64(2), second.Sequence)

	// ACT: The later event arrives at a worker first
	outcome, err := p.Process(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	afterFirst := []models.EventSummary{created, first.Summary()}
	afterSecond := []models.EventSummary{created, first.Summary(), second.Summary()}
	ds.On("GetDocumentEvents", c1, d1).Return([]models.EventSummary{created}, nil).Once()
	ds.On("UpdateDocument", d1, c1, afterFirst).Return(nil).Once()
	ds.On("GetDocumentEvents", c1, d1).Return(afterFirst, nil).Once()
	ds.On("UpdateDocument", d1, c1, afterSecond).Return(nil).Once()

	outcome, err = p.Process(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)

	outcome, err = p.Process(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)

	// ASSERT: The downstream list grew in sequence order
	ds.AssertExpectations(t)
}

// TestProcessor_ReappendGuard tests that a summary already written downstream is not written twice
func TestProcessor_ReappendGuard(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)

	c1, d1 := uuid.New(), uuid.New()
	seedSyncedCollection(t, store, c1)
	event := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeRead, "alice", t0))

	ds.On("GetDocumentEvents", c1, d1).Return([]models.EventSummary{event.Summary()}, nil)

	outcome, err := p.Process(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	ds.AssertNotCalled(t, "UpdateDocument", mock.Anything, mock.Anything, mock.Anything)
}

// TestProcessor_DeletePropagation tests both delete modes
func TestProcessor_DeletePropagation(t *testing.T) {
	c1, d1 := uuid.New(), uuid.New()

	t.Run("appends summary by default", func(t *testing.T) {
		store := newMemStore()
		ds := new(mockDownstream)
		p := newTestProcessor(store, ds, t0)
		seedSyncedCollection(t, store, c1)
		event := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeDelete, "alice", t0))

		ds.On("GetDocumentEvents", c1, d1).Return([]models.EventSummary{}, nil)
		ds.On("UpdateDocument", d1, c1, []models.EventSummary{event.Summary()}).Return(nil)

		outcome, err := p.Process(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSynced, outcome)
		ds.AssertNotCalled(t, "DeleteDocument", mock.Anything, mock.Anything)
	})

	t.Run("deletes when propagating", func(t *testing.T) {
		store := newMemStore()
		ds := new(mockDownstream)
		p := newTestProcessor(store, ds, t0)
		p.cfg.PropagateDeletes = true
		seedSyncedCollection(t, store, c1)
		event := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeDelete, "alice", t0))

		ds.On("DeleteDocument", d1, c1).Return(downstream.ErrNotFound)

		outcome, err := p.Process(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSynced, outcome)
		ds.AssertNotCalled(t, "GetDocumentEvents", mock.Anything, mock.Anything)
	})
}

// TestProcessor_FailureSchedulesRetry tests backoff and dead-lettering of downstream failures
func TestProcessor_FailureSchedulesRetry(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	now := t0
	p := newTestProcessor(store, ds, now)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	c1 := uuid.New()
	ds.On("CreateCollection", c1).Return(errors.New("503 service unavailable"))
	event := insertEvent(t, store, models.NewEvent(c1, models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0))

	// ACT: First attempt fails
	outcome, err := p.Process(ctx, event)

	// ASSERT: Failure is recorded, not returned
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	stored := store.get(event.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "503")
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, t0.Add(time.Minute), *stored.NextAttemptAt)

	// Not yet due
	outcome, err = p.ProcessByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	// Second and third attempts exhaust the policy
	now = t0.Add(2 * time.Minute)
	outcome, err = p.ProcessByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, t0.Add(4*time.Minute), *store.get(event.ID).NextAttemptAt)

	now = t0.Add(time.Hour)
	outcome, err = p.ProcessByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	stored = store.get(event.ID)
	assert.Equal(t, 3, stored.Attempts)
	assert.Nil(t, stored.NextAttemptAt, "exhausted event has no next attempt")

	// Dead-lettered events are left alone
	outcome, err = p.ProcessByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	ds.AssertNumberOfCalls(t, "CreateCollection", 3)
}

// TestProcessor_StaleCopyRespectsBackoff tests a caller holding a PENDING copy of an event
// that a worker has since failed
func TestProcessor_StaleCopyRespectsBackoff(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)
	ctx := context.Background()

	c1 := uuid.New()
	event := insertEvent(t, store, models.NewEvent(c1, models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0))
	stale := store.get(event.ID)
	require.Equal(t, models.StatusPending, stale.Status)

	next := t0.Add(time.Minute)
	store.set(event.ID, func(e *models.Event) {
		reason := "503 service unavailable"
		e.Status = models.StatusFailed
		e.Attempts = 1
		e.LastError = &reason
		e.NextAttemptAt = &next
	})

	// ACT: Process the outdated copy before the backoff elapses
	outcome, err := p.process(ctx, stale)

	// ASSERT: The claim is refused and nothing is sent
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 1, store.get(event.ID).Attempts)
	ds.AssertNotCalled(t, "CreateCollection", mock.Anything)

	// A dead-lettered row is refused the same way
	store.set(event.ID, func(e *models.Event) {
		e.Attempts = testPolicy.MaxAttempts
		e.NextAttemptAt = nil
	})
	outcome, err = p.process(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, testPolicy.MaxAttempts, store.get(event.ID).Attempts)
	ds.AssertNotCalled(t, "CreateCollection", mock.Anything)
}

// TestProcessor_LaterEventProceedsAfterFailure tests that FAILED does not block later sequences
func TestProcessor_LaterEventProceedsAfterFailure(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0)
	ctx := context.Background()

	c1, d1 := uuid.New(), uuid.New()
	seedSyncedCollection(t, store, c1)
	first := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeUpdate, "alice", t0))
	second := insertEvent(t, store, models.NewDocumentEvent(d1, c1, models.EventTypeRead, "alice", t0))

	ds.On("GetDocumentEvents", c1, d1).Return(nil, errors.New("connection reset")).Once()
	outcome, err := p.Process(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	ds.On("GetDocumentEvents", c1, d1).Return(nil, downstream.ErrNotFound).Once()
	ds.On("CreateDocument", c1, d1, second.Summary()).Return(nil).Once()
	outcome, err = p.Process(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
}

// TestProcessor_StaleProcessingReclaimed tests recovery of a crash-interrupted claim
func TestProcessor_StaleProcessingReclaimed(t *testing.T) {
	store := newMemStore()
	ds := new(mockDownstream)
	p := newTestProcessor(store, ds, t0.Add(time.Hour))
	ctx := context.Background()

	c1 := uuid.New()
	event := insertEvent(t, store, models.NewEvent(c1, models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0))
	store.set(event.ID, func(e *models.Event) {
		started := t0
		e.Status = models.StatusProcessing
		e.ProcessingStartedAt = &started
		e.Attempts = 1
	})
	ds.On("CreateCollection", c1).Return(nil)

	outcome, err := p.ProcessByID(ctx, event.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	assert.Equal(t, 2, store.get(event.ID).Attempts)

	// A fresh claim is left to its worker
	fresh := insertEvent(t, store, models.NewEvent(uuid.New(), models.ObjectTypeCollection, models.EventTypeCreate, "alice", t0))
	store.set(fresh.ID, func(e *models.Event) {
		started := t0.Add(59 * time.Minute)
		e.Status = models.StatusProcessing
		e.ProcessingStartedAt = &started
	})
	outcome, err = p.ProcessByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

// TestProcessor_UnknownEvent tests that a task for a missing row is dropped
func TestProcessor_UnknownEvent(t *testing.T) {
	p := newTestProcessor(newMemStore(), new(mockDownstream), t0)

	outcome, err := p.ProcessByID(context.Background(), uuid.New())

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}
