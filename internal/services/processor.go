package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/downstream"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/repositories"
)

// Downstream is the document-tracking service as the processor sees it.
// *downstream.Client implements it.
type Downstream interface {
	CreateCollection(ctx context.Context, collectionID uuid.UUID) error
	CreateDocument(ctx context.Context, collectionID, documentID uuid.UUID, summary models.EventSummary) error
	GetDocumentEvents(ctx context.Context, collectionID, documentID uuid.UUID) ([]models.EventSummary, error)
	UpdateDocument(ctx context.Context, documentID, collectionID uuid.UUID, events []models.EventSummary) error
	DeleteDocument(ctx context.Context, documentID, collectionID uuid.UUID) error
}

// Outcome is what one processing pass did with an event.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
	OutcomeSkipped  Outcome = "skipped"
)

type ProcessorConfig struct {
	Policy           RetryPolicy
	StaleAfter       time.Duration
	PropagateDeletes bool
}

// Processor owns every status transition of an event.
type Processor struct {
	events     repositories.EventRepository
	downstream Downstream
	cfg        ProcessorConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewProcessor(events repositories.EventRepository, ds Downstream, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		events:     events,
		downstream: ds,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Process stores the event if it is new and then tries to sync it. Downstream failures
// end up in the event's status; only storage errors are returned.
func (p *Processor) Process(ctx context.Context, event *models.Event) (Outcome, error) {
	if _, err := p.events.Insert(ctx, event); err != nil {
		return "", err
	}
	return p.process(ctx, event)
}

// ProcessByID is the worker entry point for a queued task.
func (p *Processor) ProcessByID(ctx context.Context, id uuid.UUID) (Outcome, error) {
	event, err := p.events.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		p.logger.Warn("queued event does not exist", "event_id", id)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return p.process(ctx, event)
}

func (p *Processor) process(ctx context.Context, event *models.Event) (Outcome, error) {
	now := p.now().UTC()

	if !event.Status.CanTransitionTo(models.StatusProcessing) {
		return OutcomeSkipped, nil
	}
	if event.Status == models.StatusFailed && !p.cfg.Policy.Due(event, now) {
		return OutcomeDeferred, nil
	}

	open, err := p.events.HasOpenPredecessor(ctx, event.ObjectID, event.Sequence)
	if err != nil {
		return "", err
	}
	if open {
		p.logger.Debug("deferring event behind earlier sequence",
			"event_id", event.ID, "object_id", event.ObjectID, "sequence", event.Sequence)
		return OutcomeDeferred, nil
	}

	if event.ObjectType == models.ObjectTypeDocument && event.ParentID != nil {
		ready, err := p.collectionSynced(ctx, *event.ParentID)
		if err != nil {
			return "", err
		}
		if !ready {
			p.logger.Debug("deferring document event until collection is synced",
				"event_id", event.ID, "object_id", event.ObjectID, "collection_id", *event.ParentID)
			return OutcomeDeferred, nil
		}
	}

	claimed, err := p.events.Claim(ctx, event.ID, now, now.Add(-p.cfg.StaleAfter), p.cfg.Policy.MaxAttempts)
	if errors.Is(err, repositories.ErrNotClaimable) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	*event = *claimed

	if err := p.deliver(ctx, event); err != nil {
		return p.fail(ctx, event, err)
	}

	syncedAt := p.now().UTC()
	if err := p.events.MarkSynced(ctx, event.ID, syncedAt); err != nil {
		if errors.Is(err, repositories.ErrInvalidTransition) {
			p.logger.Warn("event claim was taken over before it synced", "event_id", event.ID)
			return OutcomeSkipped, nil
		}
		return "", err
	}
	event.Status = models.StatusSynced
	event.SyncedAt = &syncedAt
	return OutcomeSynced, nil
}

func (p *Processor) collectionSynced(ctx context.Context, collectionID uuid.UUID) (bool, error) {
	create, err := p.events.LatestCollectionCreate(ctx, collectionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return create.Status == models.StatusSynced, nil
}

func (p *Processor) deliver(ctx context.Context, event *models.Event) error {
	switch event.ObjectType {
	case models.ObjectTypeCollection:
		return p.deliverCollection(ctx, event)
	case models.ObjectTypeDocument:
		return p.deliverDocument(ctx, event)
	}
	return fmt.Errorf("unknown object type %q", event.ObjectType)
}

func (p *Processor) deliverCollection(ctx context.Context, event *models.Event) error {
	// Collection updates and deletes are not relayed.
	if event.EventType != models.EventTypeCreate {
		return nil
	}
	err := p.downstream.CreateCollection(ctx, event.ObjectID)
	if errors.Is(err, downstream.ErrAlreadyExists) {
		p.logger.Info("collection already exists downstream", "event_id", event.ID, "object_id", event.ObjectID)
		return nil
	}
	return err
}

func (p *Processor) deliverDocument(ctx context.Context, event *models.Event) error {
	if event.ParentID == nil {
		return errors.New("document event has no collection")
	}
	collectionID := *event.ParentID

	if event.EventType == models.EventTypeDelete && p.cfg.PropagateDeletes {
		err := p.downstream.DeleteDocument(ctx, event.ObjectID, collectionID)
		if errors.Is(err, downstream.ErrNotFound) {
			return nil
		}
		return err
	}

	existing, err := p.downstream.GetDocumentEvents(ctx, collectionID, event.ObjectID)
	if errors.Is(err, downstream.ErrNotFound) {
		return p.downstream.CreateDocument(ctx, collectionID, event.ObjectID, event.Summary())
	}
	if err != nil {
		return err
	}

	// An earlier attempt may have written the summary and crashed before SYNCED.
	if models.ContainsSummary(existing, event.ID) {
		return nil
	}
	return p.downstream.UpdateDocument(ctx, event.ObjectID, collectionID, append(existing, event.Summary()))
}

func (p *Processor) fail(ctx context.Context, event *models.Event, cause error) (Outcome, error) {
	next := p.cfg.Policy.NextAttempt(event.Attempts, p.now())

	p.logger.Error("event processing failed",
		"event_id", event.ID,
		"object_id", event.ObjectID,
		"sequence", event.Sequence,
		"attempt", event.Attempts,
		"dead_lettered", next == nil,
		"error", cause,
	)

	// Record the failure even if the caller's context is gone.
	err := p.events.MarkFailed(context.WithoutCancel(ctx), event.ID, cause.Error(), next)
	if err != nil && !errors.Is(err, repositories.ErrInvalidTransition) {
		return "", err
	}
	reason := cause.Error()
	event.Status = models.StatusFailed
	event.LastError = &reason
	event.NextAttemptAt = next
	return OutcomeFailed, nil
}
