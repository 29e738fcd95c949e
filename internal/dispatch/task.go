package dispatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// Task asks a worker to process one stored event.
type Task struct {
	EventID    uuid.UUID
	ObjectID   uuid.UUID
	Sequence   int64
	EnqueuedAt time.Time
}

type taskWire struct {
	EventID    string    `msgpack:"event_id"`
	ObjectID   string    `msgpack:"object_id"`
	Sequence   int64     `msgpack:"seq"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
}

func TaskFor(event *models.Event, now time.Time) Task {
	return Task{
		EventID:    event.ID,
		ObjectID:   event.ObjectID,
		Sequence:   event.Sequence,
		EnqueuedAt: now.UTC(),
	}
}

func encodeTask(t Task) ([]byte, error) {
	raw, err := msgpack.Marshal(taskWire{
		EventID:    t.EventID.String(),
		ObjectID:   t.ObjectID.String(),
		Sequence:   t.Sequence,
		EnqueuedAt: t.EnqueuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	return raw, nil
}

func decodeTask(raw []byte) (Task, error) {
	var w taskWire
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	eventID, err := uuid.Parse(w.EventID)
	if err != nil {
		return Task{}, fmt.Errorf("failed to decode task event id: %w", err)
	}
	objectID, err := uuid.Parse(w.ObjectID)
	if err != nil {
		return Task{}, fmt.Errorf("failed to decode task object id: %w", err)
	}
	return Task{EventID: eventID, ObjectID: objectID, Sequence: w.Sequence, EnqueuedAt: w.EnqueuedAt}, nil
}
