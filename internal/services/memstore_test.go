package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/repositories"
	"github.com/stretchr/testify/mock"
)

// memStore is an in-memory stand-in for the Postgres repositories.
type memStore struct {
	mu          sync.Mutex
	events      map[uuid.UUID]*models.Event
	sequences   map[uuid.UUID]int64
	jobs        []*models.SyncJob
	initialised bool
	collections []models.SourceObject
	documents   []models.SourceObject
}

func newMemStore() *memStore {
	return &memStore{
		events:      make(map[uuid.UUID]*models.Event),
		sequences:   make(map[uuid.UUID]int64),
		initialised: true,
	}
}

func copyEvent(e *models.Event) *models.Event {
	c := *e
	return &c
}

func (s *memStore) Insert(ctx context.Context, event *models.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[event.ID]; ok {
		*event = *existing
		return false, nil
	}
	s.sequences[event.ObjectID]++
	event.Sequence = s.sequences[event.ObjectID]
	event.Status = models.StatusPending
	s.events[event.ID] = copyEvent(event)
	return true, nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyEvent(e), nil
}

func (s *memStore) ListByObject(ctx context.Context, objectID uuid.UUID) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.ObjectID == objectID {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *memStore) LatestCollectionCreate(ctx context.Context, collectionID uuid.UUID) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Event
	for _, e := range s.events {
		if e.ObjectID != collectionID || e.ObjectType != models.ObjectTypeCollection || e.EventType != models.EventTypeCreate {
			continue
		}
		if latest == nil || e.Sequence > latest.Sequence {
			latest = e
		}
	}
	if latest == nil {
		return nil, repositories.ErrNotFound
	}
	return copyEvent(latest), nil
}

func (s *memStore) HasOpenPredecessor(ctx context.Context, objectID uuid.UUID, sequence int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ObjectID == objectID && e.Sequence < sequence && e.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Claim(ctx context.Context, id uuid.UUID, now, staleBefore time.Time, maxAttempts int) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, repositories.ErrNotClaimable
	}
	switch e.Status {
	case models.StatusPending:
	case models.StatusFailed:
		if maxAttempts > 0 && e.Attempts >= maxAttempts {
			return nil, repositories.ErrNotClaimable
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			return nil, repositories.ErrNotClaimable
		}
	case models.StatusProcessing:
		if e.ProcessingStartedAt == nil || !e.ProcessingStartedAt.Before(staleBefore) {
			return nil, repositories.ErrNotClaimable
		}
	default:
		return nil, repositories.ErrNotClaimable
	}
	e.Status = models.StatusProcessing
	e.ProcessingStartedAt = &now
	e.Attempts++
	e.NextAttemptAt = nil
	return copyEvent(e), nil
}

func (s *memStore) MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != models.StatusProcessing {
		return repositories.ErrInvalidTransition
	}
	e.Status = models.StatusSynced
	e.SyncedAt = &syncedAt
	e.LastError = nil
	e.ProcessingStartedAt = nil
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != models.StatusProcessing {
		return repositories.ErrInvalidTransition
	}
	e.Status = models.StatusFailed
	e.LastError = &reason
	e.NextAttemptAt = nextAttemptAt
	e.ProcessingStartedAt = nil
	return nil
}

func (s *memStore) ListRetryable(ctx context.Context, maxAttempts int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.Status.Open() || (e.Status == models.StatusFailed && e.Attempts < maxAttempts) {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ObjectType != b.ObjectType {
			return a.ObjectType == models.ObjectTypeCollection
		}
		if a.ObjectID != b.ObjectID {
			return a.ObjectID.String() < b.ObjectID.String()
		}
		return a.Sequence < b.Sequence
	})
	return out, nil
}

func (s *memStore) ResetAttempts(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if e.Status != models.StatusFailed {
		return nil, repositories.ErrInvalidTransition
	}
	e.Attempts = 0
	e.NextAttemptAt = nil
	return copyEvent(e), nil
}

// set overwrites stored fields for test setup.
func (s *memStore) set(id uuid.UUID, mutate func(e *models.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.events[id])
}

func (s *memStore) get(id uuid.UUID) *models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEvent(s.events[id])
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// SyncJobRepository

func (s *memStore) Start(ctx context.Context, job *models.SyncJob, staleBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == models.SyncJobRunning && j.StartedAt.Before(staleBefore) {
			ended := job.StartedAt
			reason := repositories.AbandonedSyncJobReason
			j.Status = models.SyncJobFailed
			j.EndedAt = &ended
			j.Error = &reason
			job.Abandoned++
		}
	}
	for _, j := range s.jobs {
		if j.Status == models.SyncJobRunning {
			return &repositories.SyncJobRunningError{JobID: j.ID}
		}
	}
	for _, j := range s.jobs {
		j.IsLatest = false
	}
	job.Status = models.SyncJobRunning
	job.IsLatest = true
	stored := *job
	s.jobs = append(s.jobs, &stored)
	return nil
}

func (s *memStore) Finish(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == job.ID {
			isLatest := j.IsLatest
			*j = *job
			j.IsLatest = isLatest
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (s *memStore) GetLatest(ctx context.Context) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.IsLatest {
			c := *j
			return &c, nil
		}
	}
	return nil, repositories.ErrNotFound
}

// RelayConfigRepository

func (s *memStore) Validate(ctx context.Context) error { return nil }

func (s *memStore) IsInitialised(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialised, nil
}

func (s *memStore) SetInitialised(ctx context.Context, initialised bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialised = initialised
	return nil
}

// SourceRepository

func (s *memStore) CollectionsWithoutCreateEvent(ctx context.Context) ([]models.SourceObject, error) {
	return s.withoutCreate(s.collections, models.ObjectTypeCollection), nil
}

func (s *memStore) DocumentsWithoutCreateEvent(ctx context.Context) ([]models.SourceObject, error) {
	return s.withoutCreate(s.documents, models.ObjectTypeDocument), nil
}

func (s *memStore) withoutCreate(objects []models.SourceObject, objectType models.ObjectType) []models.SourceObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SourceObject
	for _, obj := range objects {
		found := false
		for _, e := range s.events {
			if e.ObjectID == obj.ID && e.ObjectType == objectType && e.EventType == models.EventTypeCreate {
				found = true
				break
			}
		}
		if !found {
			out = append(out, obj)
		}
	}
	return out
}

// mockDownstream records downstream calls.
type mockDownstream struct {
	mock.Mock
}

func (m *mockDownstream) CreateCollection(ctx context.Context, collectionID uuid.UUID) error {
	return m.Called(collectionID).Error(0)
}

func (m *mockDownstream) CreateDocument(ctx context.Context, collectionID, documentID uuid.UUID, summary models.EventSummary) error {
	return m.Called(collectionID, documentID, summary).Error(0)
}

func (m *mockDownstream) GetDocumentEvents(ctx context.Context, collectionID, documentID uuid.UUID) ([]models.EventSummary, error) {
	args := m.Called(collectionID, documentID)
	list, _ := args.Get(0).([]models.EventSummary)
	return list, args.Error(1)
}

func (m *mockDownstream) UpdateDocument(ctx context.Context, documentID, collectionID uuid.UUID, events []models.EventSummary) error {
	return m.Called(documentID, collectionID, events).Error(0)
}

func (m *mockDownstream) DeleteDocument(ctx context.Context, documentID, collectionID uuid.UUID) error {
	return m.Called(documentID, collectionID).Error(0)
}

// recordingSubmitter collects submitted events instead of queueing them.
type recordingSubmitter struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	err       error
}

func (r *recordingSubmitter) Submit(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, event.ID)
	return r.err
}

var testPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(store *memStore, ds Downstream, now time.Time) *Processor {
	p := NewProcessor(store, ds, ProcessorConfig{
		Policy:     testPolicy,
		StaleAfter: 10 * time.Minute,
	}, discardLogger())
	p.now = func() time.Time { return now }
	return p
}
