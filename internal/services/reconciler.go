package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/repositories"
	"golang.org/x/sync/errgroup"
)

type ReconcilerConfig struct {
	Policy     RetryPolicy
	StaleAfter time.Duration
	// Workers bounds how many objects are drained in parallel during the sweep.
	Workers int
	// JobStaleAfter is how old a RUNNING job must be before Begin fails it as
	// abandoned.
	JobStaleAfter time.Duration
}

const defaultJobStaleAfter = 2 * time.Hour

// Reconciler runs sync jobs: it backfills CREATE events for objects that never
// produced one and resubmits every unsynced event, one object at a time in sequence
// order.
type Reconciler struct {
	jobs      repositories.SyncJobRepository
	config    repositories.RelayConfigRepository
	sources   repositories.SourceRepository
	events    repositories.EventRepository
	processor *Processor
	cfg       ReconcilerConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(
	jobs repositories.SyncJobRepository,
	config repositories.RelayConfigRepository,
	sources repositories.SourceRepository,
	events repositories.EventRepository,
	processor *Processor,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobStaleAfter <= 0 {
		cfg.JobStaleAfter = defaultJobStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		jobs:      jobs,
		config:    config,
		sources:   sources,
		events:    events,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Begin records a new RUNNING job. It fails with *repositories.SyncJobRunningError
// while another job is running. A job left RUNNING for longer than JobStaleAfter is
// marked FAILED instead of blocking.
func (r *Reconciler) Begin(ctx context.Context) (*models.SyncJob, error) {
	job := &models.SyncJob{
		ID:        uuid.New(),
		StartedAt: r.now().UTC(),
	}
	if err := r.jobs.Start(ctx, job, job.StartedAt.Add(-r.cfg.JobStaleAfter)); err != nil {
		return nil, err
	}
	if job.Abandoned > 0 {
		r.logger.Warn("failed stale sync jobs left running",
			"abandoned", job.Abandoned, "stale_after", r.cfg.JobStaleAfter, "sync_job_id", job.ID)
	}
	return job, nil
}

// Execute performs a job started with Begin and always persists its final state.
func (r *Reconciler) Execute(ctx context.Context, job *models.SyncJob) error {
	logger := r.logger.With("sync_job_id", job.ID)
	logger.Info("sync job started")

	runErr := r.execute(ctx, job)

	ended := r.now().UTC()
	job.EndedAt = &ended
	if runErr != nil {
		msg := runErr.Error()
		job.Status = models.SyncJobFailed
		job.Error = &msg
	} else {
		job.Status = models.SyncJobFinished
	}

	// The job row must leave RUNNING even when ctx was cancelled mid-run.
	finishCtx := context.WithoutCancel(ctx)
	if err := r.jobs.Finish(finishCtx, job); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to finish sync job: %w", err))
	}

	if runErr != nil {
		logger.Error("sync job failed", "error", runErr)
		return runErr
	}

	if err := r.markInitialised(finishCtx); err != nil {
		return err
	}

	logger.Info("sync job finished",
		"collections_backfilled", job.CollectionsBackfilled,
		"documents_backfilled", job.DocumentsBackfilled,
		"events_submitted", job.EventsSubmitted,
		"events_synced", job.EventsSynced,
		"duration", ended.Sub(job.StartedAt),
	)
	return nil
}

// Run is Begin followed by Execute.
func (r *Reconciler) Run(ctx context.Context) (*models.SyncJob, error) {
	job, err := r.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return job, r.Execute(ctx, job)
}

// RunEvery runs a job immediately when runNow is set and then on every tick until ctx
// is done. A job still running from elsewhere is not an error here.
func (r *Reconciler) RunEvery(ctx context.Context, interval time.Duration, runNow bool) {
	if runNow {
		r.runScheduled(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runScheduled(ctx)
		}
	}
}

func (r *Reconciler) runScheduled(ctx context.Context) {
	_, err := r.Run(ctx)
	var running *repositories.SyncJobRunningError
	switch {
	case err == nil:
	case errors.As(err, &running):
		r.logger.Info("skipping scheduled sync, job still running", "running_job_id", running.JobID)
	case ctx.Err() != nil:
	default:
		// Execute has already logged the failure with the job id.
		r.logger.Debug("scheduled sync did not finish", "error", err)
	}
}

func (r *Reconciler) Latest(ctx context.Context) (*models.SyncJob, error) {
	return r.jobs.GetLatest(ctx)
}

func (r *Reconciler) execute(ctx context.Context, job *models.SyncJob) error {
	collections, err := r.backfillCollections(ctx)
	job.CollectionsBackfilled = collections
	if err != nil {
		return fmt.Errorf("collection backfill: %w", err)
	}

	documents, err := r.backfillDocuments(ctx)
	job.DocumentsBackfilled = documents
	if err != nil {
		return fmt.Errorf("document backfill: %w", err)
	}

	submitted, synced, err := r.sweep(ctx)
	job.EventsSubmitted = submitted
	job.EventsSynced = synced
	if err != nil {
		return fmt.Errorf("retry sweep: %w", err)
	}
	return nil
}

func (r *Reconciler) backfillCollections(ctx context.Context) (int, error) {
	missing, err := r.sources.CollectionsWithoutCreateEvent(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, obj := range missing {
		event := models.NewEvent(obj.ID, models.ObjectTypeCollection, models.EventTypeCreate, models.SyncJobUserID, obj.CreatedAt)
		inserted, err := r.events.Insert(ctx, event)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

func (r *Reconciler) backfillDocuments(ctx context.Context) (int, error) {
	missing, err := r.sources.DocumentsWithoutCreateEvent(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, obj := range missing {
		if obj.ParentID == nil {
			r.logger.Warn("document has no collection, not backfilled", "object_id", obj.ID)
			continue
		}
		event := models.NewDocumentEvent(obj.ID, *obj.ParentID, models.EventTypeCreate, models.SyncJobUserID, obj.CreatedAt)
		inserted, err := r.events.Insert(ctx, event)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// sweep drains collections before documents so that document events see their
// collection's CREATE already synced within the same run.
func (r *Reconciler) sweep(ctx context.Context) (int, int, error) {
	events, err := r.events.ListRetryable(ctx, r.cfg.Policy.MaxAttempts)
	if err != nil {
		return 0, 0, err
	}

	var collections, documents [][]*models.Event
	for _, backlog := range groupByObject(events) {
		if backlog[0].ObjectType == models.ObjectTypeCollection {
			collections = append(collections, backlog)
		} else {
			documents = append(documents, backlog)
		}
	}

	var submitted, synced atomic.Int64
	for _, phase := range [][][]*models.Event{collections, documents} {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Workers)
		for _, backlog := range phase {
			backlog := backlog
			g.Go(func() error {
				return r.drain(gctx, backlog, &submitted, &synced)
			})
		}
		if err := g.Wait(); err != nil {
			return int(submitted.Load()), int(synced.Load()), err
		}
	}
	return int(submitted.Load()), int(synced.Load()), nil
}

// drain processes one object's backlog strictly in sequence order and stops at the
// first event that is still open afterwards.
func (r *Reconciler) drain(ctx context.Context, backlog []*models.Event, submitted, synced *atomic.Int64) error {
	for _, event := range backlog {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := r.now().UTC()
		switch event.Status {
		case models.StatusFailed:
			if !r.cfg.Policy.Due(event, now) {
				continue
			}
		case models.StatusProcessing:
			// A live worker still holds this one.
			if event.ProcessingStartedAt != nil && event.ProcessingStartedAt.After(now.Add(-r.cfg.StaleAfter)) {
				return nil
			}
		}

		submitted.Add(1)
		outcome, err := r.processor.process(ctx, event)
		if err != nil {
			return err
		}
		switch outcome {
		case OutcomeSynced:
			synced.Add(1)
		case OutcomeFailed:
		default:
			return nil
		}
	}
	return nil
}

func (r *Reconciler) markInitialised(ctx context.Context) error {
	initialised, err := r.config.IsInitialised(ctx)
	if err != nil {
		return err
	}
	if initialised {
		return nil
	}
	if err := r.config.SetInitialised(ctx, true); err != nil {
		return err
	}
	r.logger.Info("relay initialised, notifications are now tracked")
	return nil
}

// groupByObject splits events ordered by (object, sequence) into per-object backlogs,
// keeping the first-seen order of objects.
func groupByObject(events []*models.Event) [][]*models.Event {
	var groups [][]*models.Event
	index := make(map[uuid.UUID]int)
	for _, e := range events {
		i, ok := index[e.ObjectID]
		if !ok {
			i = len(groups)
			index[e.ObjectID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}
