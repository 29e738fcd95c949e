package repositories

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrNotClaimable is returned when an event cannot move to PROCESSING, because it is
	// already synced or another worker holds a fresh claim on it.
	ErrNotClaimable = errors.New("event is not claimable")

	// ErrInvalidTransition is returned when a status update does not start from the
	// state it requires.
	ErrInvalidTransition = errors.New("invalid event status transition")

	ErrSyncJobRunning     = errors.New("sync job already running")
	ErrInvalidRelayConfig = errors.New("invalid relay config")
)

// AbandonedSyncJobReason is the error recorded on a RUNNING job that outlived its
// stale timeout, usually because its process died before Finish.
const AbandonedSyncJobReason = "abandoned: still running past the stale timeout"

// SyncJobRunningError names the job that blocked a new reconciler run.
type SyncJobRunningError struct {
	JobID uuid.UUID
}

func (e *SyncJobRunningError) Error() string {
	return fmt.Sprintf("sync job %s is already running", e.JobID)
}

func (e *SyncJobRunningError) Is(target error) bool {
	return target == ErrSyncJobRunning
}

// ConfigRowCountError reports a relay_config table without exactly one row.
type ConfigRowCountError struct {
	Rows int
}

func (e *ConfigRowCountError) Error() string {
	return fmt.Sprintf("relay_config should have exactly 1 row, has %d", e.Rows)
}

func (e *ConfigRowCountError) Is(target error) bool {
	return target == ErrInvalidRelayConfig
}
