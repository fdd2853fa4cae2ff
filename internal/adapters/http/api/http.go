// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/roastlog/internal/adapters/repository"
	"github.com/okian/roastlog/internal/domain/hook"
	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/rebuild"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	TimelineReader
	StatsProvider
	RebuildController
	MutationSink
	EntityWriter
}

// TimelineReader pages through the feed.
type TimelineReader interface {
	Timeline(ctx context.Context, page repository.Page) (repository.PageResult, error)
}

// StatsProvider returns the published stats snapshot.
type StatsProvider interface {
	Stats() *model.Stats
}

// RebuildController queues rebuilds and reports on them.
type RebuildController interface {
	RequestRebuild(ctx context.Context, scope string) error
	RebuildStatus() rebuild.Status
}

// MutationSink receives mutation notifications from the CRUD collaborator.
type MutationSink interface {
	SeenAndRecord(ctx context.Context, id string) bool
	Unrecord(ctx context.Context, id string)
	Notify(ctx context.Context, op string, t model.EntityType, id string, changed []string) (hook.Outcome, error)
}

// EntityWriter writes entities and notifies the hook in one call.
type EntityWriter interface {
	PutEntity(ctx context.Context, e model.Entity) (model.Entity, hook.Outcome, error)
	DeleteEntity(ctx context.Context, ref model.Ref) (hook.Outcome, error)
}

// Limits bounds GET /timeline page sizes.
type Limits struct {
	Default int
	Max     int
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	timelineHandler  *TimelineHandler
	rebuildHandler   *RebuildHandler
	mutationsHandler *MutationsHandler
	entitiesHandler  *EntitiesHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, limits Limits) *Server {
	return &Server{
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(deps),
		timelineHandler:  NewTimelineHandler(deps, limits),
		rebuildHandler:   NewRebuildHandler(deps),
		mutationsHandler: NewMutationsHandler(deps),
		entitiesHandler:  NewEntitiesHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/timeline", MetricsMiddleware(s.timelineHandler.HandleGetTimeline, "timeline"))
	mux.HandleFunc("/admin/rebuild", MetricsMiddleware(s.rebuildHandler.HandleRebuild, "admin_rebuild"))
	mux.HandleFunc("/mutations", MetricsMiddleware(s.mutationsHandler.HandlePostMutation, "mutations"))
	mux.HandleFunc("/entities/", MetricsMiddleware(s.entitiesHandler.HandleEntity, "entities"))
}

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// decodeBody decodes a capped JSON body into v. Oversized bodies are
// answered with 413 and every other decode failure with 400; ok is false
// when a response has been written.
func decodeBody(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", WrapKind(op, ErrBadRequest, err))
		return false
	}
	writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
	return false
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// statusFor maps errors from the layers below to an HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, repository.ErrInvalidLimit),
		errors.Is(err, repository.ErrInvalidEntity),
		errors.Is(err, rebuild.ErrInvalidScope):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, repository.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, ErrUnavailable), errors.Is(err, rebuild.ErrStopped):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
