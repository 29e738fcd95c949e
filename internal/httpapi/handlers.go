package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/repositories"
	"github.com/prudhvinik1/auditrelay/internal/services"
)

type collectionCreatedRequest struct {
	CollectionID uuid.UUID `json:"collection_id"`
	CreatedAt    time.Time `json:"created_at"`
	UserID       string    `json:"user_id"`
}

type documentChangedRequest struct {
	DocumentID   uuid.UUID `json:"document_id"`
	CollectionID uuid.UUID `json:"collection_id"`
	Change       string    `json:"change"`
	OccurredAt   time.Time `json:"occurred_at"`
	UserID       string    `json:"user_id"`
}

type documentReadRequest struct {
	DocumentID   uuid.UUID `json:"document_id"`
	CollectionID uuid.UUID `json:"collection_id"`
	UserID       string    `json:"user_id"`
}

// notificationResponse is returned with 202 whether or not the occurrence was tracked;
// the caller's action never fails because of the relay.
type notificationResponse struct {
	Tracked bool          `json:"tracked"`
	Event   *models.Event `json:"event,omitempty"`
}

func (s *Server) handleCollectionCreated(w http.ResponseWriter, r *http.Request) {
	var req collectionCreatedRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.CollectionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "collection_id is required")
		return
	}

	event, err := s.relay.OnCollectionCreated(r.Context(), req.CollectionID, req.CreatedAt, req.UserID)
	s.writeNotification(w, r, event, err)
}

func (s *Server) handleDocumentChanged(w http.ResponseWriter, r *http.Request) {
	var req documentChangedRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.DocumentID == uuid.Nil || req.CollectionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "document_id and collection_id are required")
		return
	}
	change, err := models.ParseEventType(req.Change)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	event, err := s.relay.OnDocumentChanged(r.Context(), req.DocumentID, req.CollectionID, change, req.OccurredAt, req.UserID)
	s.writeNotification(w, r, event, err)
}

func (s *Server) handleDocumentRead(w http.ResponseWriter, r *http.Request) {
	var req documentReadRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.DocumentID == uuid.Nil || req.CollectionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "document_id and collection_id are required")
		return
	}

	event, err := s.relay.OnDocumentRead(r.Context(), req.DocumentID, req.CollectionID, req.UserID)
	s.writeNotification(w, r, event, err)
}

func (s *Server) writeNotification(w http.ResponseWriter, r *http.Request, event *models.Event, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, notificationResponse{Tracked: true, Event: event})
	case errors.Is(err, services.ErrNotInitialised):
		writeJSON(w, http.StatusAccepted, notificationResponse{Tracked: false})
	case errors.Is(err, services.ErrInvalidChange):
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.logger.Error("failed to record notification",
			"error", err, "caller", subject(r.Context()), "correlation_id", correlationID(r))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to record event")
	}
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	job, err := s.syncs.Begin(r.Context())
	var running *repositories.SyncJobRunningError
	if errors.As(err, &running) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":           "sync_job_running",
			"message":        err.Error(),
			"running_job_id": running.JobID,
			"correlationId":  correlationID(r),
		})
		return
	}
	if err != nil {
		s.logger.Error("failed to start sync job", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to start sync job")
		return
	}

	s.logger.Info("sync job requested", "sync_job_id", job.ID, "caller", subject(r.Context()))
	snapshot := *job

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		// Execute logs and records its own failure.
		_ = s.syncs.Execute(s.ctx, job)
	}()

	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) handleLatestSync(w http.ResponseWriter, r *http.Request) {
	job, err := s.syncs.Latest(r.Context())
	if errors.Is(err, repositories.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "no sync job has run")
		return
	}
	if err != nil {
		s.logger.Error("failed to load latest sync job", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load sync job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleObjectEvents(w http.ResponseWriter, r *http.Request) {
	objectID, ok := pathUUID(w, r, "objectID")
	if !ok {
		return
	}
	events, err := s.relay.Events(r.Context(), objectID)
	if err != nil {
		s.logger.Error("failed to list events", "object_id", objectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list events")
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object_id": objectID, "events": events})
}

func (s *Server) handleRetryEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	event, err := s.relay.RetryEvent(r.Context(), eventID)
	switch {
	case err == nil:
		s.logger.Info("event reset for retry", "event_id", eventID, "caller", subject(r.Context()))
		writeJSON(w, http.StatusAccepted, event)
	case errors.Is(err, repositories.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "event not found")
	case errors.Is(err, repositories.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "not_failed", "only failed events can be retried")
	default:
		s.logger.Error("failed to reset event", "event_id", eventID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to reset event")
	}
}
