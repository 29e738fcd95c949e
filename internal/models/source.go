package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceObject is a collection or document as held by the system of record.
type SourceObject struct {
	ID        uuid.UUID
	ParentID  *uuid.UUID
	CreatedAt time.Time
}

// RelayConfig is the single persisted switch that gates notification tracking.
type RelayConfig struct {
	Initialised bool `json:"initialised"`
}
