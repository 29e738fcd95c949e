package services

import (
	"time"

	"github.com/prudhvinik1/auditrelay/internal/models"
)

// RetryPolicy bounds how often a FAILED event is retried. Attempts are counted on
// every claim, so the first failure has attempts == 1.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff is BaseDelay doubled per previous attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// NextAttempt returns when a failure after attempts tries may be retried, or nil once
// the event is dead-lettered.
func (p RetryPolicy) NextAttempt(attempts int, now time.Time) *time.Time {
	if p.Exhausted(attempts) {
		return nil
	}
	next := now.Add(p.Backoff(attempts)).UTC()
	return &next
}

// Due reports whether a FAILED event may be claimed again at now.
func (p RetryPolicy) Due(e *models.Event, now time.Time) bool {
	if e.Status != models.StatusFailed || p.Exhausted(e.Attempts) {
		return false
	}
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}
