package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GuestUserID is recorded when the actor of an occurrence is not authenticated.
const GuestUserID = "guest"

// SyncJobUserID is the actor recorded on events synthesized by the reconciler.
const SyncJobUserID = "sync_job"

type ObjectType string

const (
	ObjectTypeCollection ObjectType = "collection"
	ObjectTypeDocument   ObjectType = "document"
)

func (t ObjectType) Valid() bool {
	return t == ObjectTypeCollection || t == ObjectTypeDocument
}

type EventType string

const (
	EventTypeCreate EventType = "create"
	EventTypeRead   EventType = "read"
	EventTypeUpdate EventType = "update"
	EventTypeDelete EventType = "delete"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeCreate, EventTypeRead, EventTypeUpdate, EventTypeDelete:
		return true
	}
	return false
}

// ParseEventType accepts the lowercase wire names.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusSynced     EventStatus = "synced"
	StatusFailed     EventStatus = "failed"
)

// CanTransitionTo reports whether next is a legal successor of s.
// PROCESSING -> PROCESSING is the reclaim of a crash-interrupted attempt.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case StatusPending, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusSynced || next == StatusFailed
	}
	return false
}

// Open reports whether the event still blocks later events of the same object.
func (s EventStatus) Open() bool {
	return s == StatusPending || s == StatusProcessing
}

type Event struct {
	ID                  uuid.UUID   `json:"id"`
	ObjectID            uuid.UUID   `json:"object_id"`
	ParentID            *uuid.UUID  `json:"parent_id,omitempty"`
	ObjectType          ObjectType  `json:"object_type"`
	EventType           EventType   `json:"event_type"`
	UserID              string      `json:"user_id"`
	Sequence            int64       `json:"sequence"`
	Status              EventStatus `json:"status"`
	Attempts            int         `json:"attempts"`
	LastError           *string     `json:"last_error,omitempty"`
	NextAttemptAt       *time.Time  `json:"next_attempt_at,omitempty"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	SyncedAt            *time.Time  `json:"synced_at,omitempty"`
}

// NewEvent builds a PENDING event with a fresh id. An empty userID becomes GuestUserID.
func NewEvent(objectID uuid.UUID, objectType ObjectType, eventType EventType, userID string, createdAt time.Time) *Event {
	if userID == "" {
		userID = GuestUserID
	}
	return &Event{
		ID:         uuid.New(),
		ObjectID:   objectID,
		ObjectType: objectType,
		EventType:  eventType,
		UserID:     userID,
		Status:     StatusPending,
		CreatedAt:  createdAt.UTC(),
	}
}

// NewDocumentEvent is NewEvent for a document owned by collectionID.
func NewDocumentEvent(documentID, collectionID uuid.UUID, eventType EventType, userID string, createdAt time.Time) *Event {
	e := NewEvent(documentID, ObjectTypeDocument, eventType, userID, createdAt)
	e.ParentID = &collectionID
	return e
}

func (e *Event) Summary() EventSummary {
	return EventSummary{
		ID:        e.ID,
		EventType: e.EventType,
		UserID:    e.UserID,
		CreatedAt: e.CreatedAt,
	}
}

// EventSummary is the per-event record kept in a downstream document's event list.
type EventSummary struct {
	ID        uuid.UUID `json:"id"`
	EventType EventType `json:"event_type"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ContainsSummary reports whether list already holds an entry for id.
func ContainsSummary(list []EventSummary, id uuid.UUID) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}
