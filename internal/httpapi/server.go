package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/services"
)

const maxBodyBytes = 1 << 20

// Notifier is the notification path plus the per-event operator actions.
type Notifier interface {
	OnCollectionCreated(ctx context.Context, collectionID uuid.UUID, createdAt time.Time, userID string) (*models.Event, error)
	OnDocumentChanged(ctx context.Context, documentID, collectionID uuid.UUID, change models.EventType, occurredAt time.Time, userID string) (*models.Event, error)
	OnDocumentRead(ctx context.Context, documentID, collectionID uuid.UUID, userID string) (*models.Event, error)
	RetryEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	Events(ctx context.Context, objectID uuid.UUID) ([]*models.Event, error)
}

type SyncRunner interface {
	Begin(ctx context.Context) (*models.SyncJob, error)
	Execute(ctx context.Context, job *models.SyncJob) error
	Latest(ctx context.Context) (*models.SyncJob, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (*services.TokenClaims, error)
}

type Server struct {
	relay  Notifier
	syncs  SyncRunner
	auth   TokenVerifier
	logger *slog.Logger

	// ctx outlives requests; sync jobs started over HTTP run under it.
	ctx  context.Context
	jobs sync.WaitGroup
}

func NewServer(ctx context.Context, relay Notifier, syncs SyncRunner, auth TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		relay:  relay,
		syncs:  syncs,
		auth:   auth,
		logger: logger,
		ctx:    ctx,
	}
}

func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/notifications/collection-created", s.handleCollectionCreated)
		r.Post("/notifications/document-changed", s.handleDocumentChanged)
		r.Post("/notifications/document-read", s.handleDocumentRead)

		r.Post("/sync-jobs", s.handleStartSync)
		r.Get("/sync-jobs/latest", s.handleLatestSync)

		r.Get("/objects/{objectID}/events", s.handleObjectEvents)
		r.Post("/events/{eventID}/retry", s.handleRetryEvent)
	})

	return router
}

// Wait blocks until sync jobs started over HTTP have finished.
func (s *Server) Wait() {
	s.jobs.Wait()
}

type subjectKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

func correlationID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID(r),
	})
}
