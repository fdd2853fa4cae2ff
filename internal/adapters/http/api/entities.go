package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/okian/roastlog/internal/domain/hook"
	"github.com/okian/roastlog/internal/domain/model"
)

const entitiesPrefix = "/entities/"

// EntitiesHandler is a minimal CRUD surface over the shared entity table.
// Each write runs the mutation hook before responding.
type EntitiesHandler struct {
	deps EntityWriter
}

// NewEntitiesHandler creates a new entities handler.
func NewEntitiesHandler(deps EntityWriter) *EntitiesHandler {
	return &EntitiesHandler{deps: deps}
}

type entityRequest struct {
	Name       string            `json:"name"`
	Slug       string            `json:"slug"`
	Refs       map[string]string `json:"refs"`
	Attrs      map[string]string `json:"attrs"`
	OccurredAt string            `json:"occurred_at"`
}

func (e entityRequest) toEntity(ref model.Ref) (model.Entity, error) {
	if strings.TrimSpace(e.Name) == "" {
		return model.Entity{}, errors.New("missing name")
	}
	out := model.Entity{
		Type:  ref.Type,
		ID:    ref.ID,
		Name:  e.Name,
		Slug:  e.Slug,
		Attrs: e.Attrs,
	}
	if len(e.Refs) > 0 {
		out.Refs = make(map[model.EntityType]string, len(e.Refs))
		for k, v := range e.Refs {
			t, err := model.ParseEntityType(k)
			if err != nil {
				return model.Entity{}, err
			}
			out.Refs[t] = v
		}
	}
	if e.OccurredAt != "" {
		ts, err := time.Parse(time.RFC3339, e.OccurredAt)
		if err != nil {
			return model.Entity{}, errors.New("invalid occurred_at; must be RFC3339")
		}
		out.OccurredAt = ts.UTC()
	}
	return out, nil
}

type entityResponse struct {
	Entity  *model.Entity `json:"entity,omitempty"`
	Status  string        `json:"status"`
	Rebuild string        `json:"rebuild,omitempty"`
}

// HandleEntity handles PUT and DELETE /entities/{type}/{id} requests.
func (h *EntitiesHandler) HandleEntity(w http.ResponseWriter, r *http.Request) {
	const op = "api.entity"
	ref, err := parseEntityPath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	}

	var (
		saved model.Entity
		out   hook.Outcome
		opErr error
	)
	switch r.Method {
	case http.MethodPut:
		var req entityRequest
		if !decodeBody(w, r, op, &req) {
			return
		}
		e, err := req.toEntity(ref)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
			return
		}
		saved, out, opErr = h.deps.PutEntity(r.Context(), e)
	case http.MethodDelete:
		out, opErr = h.deps.DeleteEntity(r.Context(), ref)
	default:
		http.NotFound(w, r)
		return
	}

	resp := entityResponse{Status: statusAccepted, Rebuild: out.Rebuild}
	switch {
	case opErr == nil:
	case errors.Is(opErr, hook.ErrDegraded):
		resp.Status = statusDegraded
	default:
		status, code := statusFor(opErr)
		writeError(w, status, code, Wrap(op, opErr))
		return
	}
	if saved.ID != "" {
		resp.Entity = &saved
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseEntityPath(path string) (model.Ref, error) {
	rest, ok := strings.CutPrefix(path, entitiesPrefix)
	if !ok {
		return model.Ref{}, errors.New("not an entity path")
	}
	typ, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return model.Ref{}, errors.New("expected /entities/{type}/{id}")
	}
	t, err := model.ParseEntityType(typ)
	if err != nil {
		return model.Ref{}, err
	}
	return model.Ref{Type: t, ID: id}, nil
}
