package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncJobStatus string

const (
	SyncJobRunning  SyncJobStatus = "running"
	SyncJobFinished SyncJobStatus = "finished"
	SyncJobFailed   SyncJobStatus = "failed"
)

type SyncJob struct {
	ID        uuid.UUID     `json:"id"`
	Status    SyncJobStatus `json:"status"`
	IsLatest  bool          `json:"is_latest"`
	StartedAt time.Time     `json:"start"`
	EndedAt   *time.Time    `json:"end,omitempty"`
	Error     *string       `json:"error,omitempty"`

	CollectionsBackfilled int `json:"collections_backfilled"`
	DocumentsBackfilled   int `json:"documents_backfilled"`
	EventsSubmitted       int `json:"events_submitted"`
	EventsSynced          int `json:"events_synced"`

	// Abandoned counts stale RUNNING jobs closed by Start. It is not persisted.
	Abandoned int `json:"-"`
}
