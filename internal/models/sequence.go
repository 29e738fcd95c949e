package models

import "github.com/google/uuid"

// ObjectSequenceCounter holds the last sequence number handed out for an object.
type ObjectSequenceCounter struct {
	ObjectID uuid.UUID `json:"object_id"`
	Sequence int64     `json:"sequence"`
}
