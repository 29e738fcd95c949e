package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/repositories"
)

var (
	// ErrNotInitialised is returned by the notification methods until the first sync
	// job has finished. The notification is dropped; that job's backfill covers it.
	ErrNotInitialised = errors.New("relay not initialised")
	ErrInvalidChange  = errors.New("invalid document change")
)

// Submitter hands a stored event to the asynchronous workers.
type Submitter interface {
	Submit(ctx context.Context, event *models.Event) error
}

// Relay is the notification path: it records occurrences and queues them without
// waiting on the downstream service.
type Relay struct {
	events     repositories.EventRepository
	config     repositories.RelayConfigRepository
	dispatcher Submitter
	logger     *slog.Logger
	now        func() time.Time
}

func NewRelay(events repositories.EventRepository, config repositories.RelayConfigRepository, dispatcher Submitter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		events:     events,
		config:     config,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

func (r *Relay) OnCollectionCreated(ctx context.Context, collectionID uuid.UUID, createdAt time.Time, userID string) (*models.Event, error) {
	event := models.NewEvent(collectionID, models.ObjectTypeCollection, models.EventTypeCreate, userID, r.occurredAt(createdAt))
	return r.record(ctx, event)
}

// OnDocumentChanged records a create, update or delete of a document.
func (r *Relay) OnDocumentChanged(ctx context.Context, documentID, collectionID uuid.UUID, change models.EventType, occurredAt time.Time, userID string) (*models.Event, error) {
	if !change.Valid() || change == models.EventTypeRead {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChange, change)
	}
	event := models.NewDocumentEvent(documentID, collectionID, change, userID, r.occurredAt(occurredAt))
	return r.record(ctx, event)
}

func (r *Relay) OnDocumentRead(ctx context.Context, documentID, collectionID uuid.UUID, userID string) (*models.Event, error) {
	event := models.NewDocumentEvent(documentID, collectionID, models.EventTypeRead, userID, r.now())
	return r.record(ctx, event)
}

// RetryEvent makes a dead-lettered event eligible again and queues it.
func (r *Relay) RetryEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	event, err := r.events.ResetAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	r.submit(ctx, event)
	return event, nil
}

func (r *Relay) Events(ctx context.Context, objectID uuid.UUID) ([]*models.Event, error) {
	return r.events.ListByObject(ctx, objectID)
}

func (r *Relay) record(ctx context.Context, event *models.Event) (*models.Event, error) {
	initialised, err := r.config.IsInitialised(ctx)
	if err != nil {
		return nil, err
	}
	if !initialised {
		return nil, ErrNotInitialised
	}

	if _, err := r.events.Insert(ctx, event); err != nil {
		return nil, err
	}
	r.submit(ctx, event)
	return event, nil
}

// submit never fails the caller; a lost task is picked up by the next sweep.
func (r *Relay) submit(ctx context.Context, event *models.Event) {
	if err := r.dispatcher.Submit(ctx, event); err != nil {
		r.logger.Warn("failed to queue event, leaving it for the reconciler",
			"event_id", event.ID, "object_id", event.ObjectID, "error", err)
	}
}

func (r *Relay) occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return r.now()
	}
	return t
}
