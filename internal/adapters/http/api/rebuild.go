package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/rebuild"
)

// RebuildHandler exposes the rebuild coordinator to operators.
type RebuildHandler struct {
	deps RebuildController
}

// NewRebuildHandler creates a new rebuild handler.
func NewRebuildHandler(deps RebuildController) *RebuildHandler {
	return &RebuildHandler{deps: deps}
}

// HandleRebuild handles POST /admin/rebuild[?entity_type=&entity_id=] and
// GET /admin/rebuild.
func (h *RebuildHandler) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	const op = "api.admin_rebuild"
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.RebuildStatus())
	case http.MethodPost:
		scope, err := scopeFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
			return
		}
		if err := h.deps.RequestRebuild(r.Context(), scope); err != nil {
			status, code := statusFor(err)
			writeError(w, status, code, Wrap(op, err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func scopeFromQuery(r *http.Request) (string, error) {
	q := r.URL.Query()
	typ := strings.TrimSpace(q.Get("entity_type"))
	id := strings.TrimSpace(q.Get("entity_id"))
	switch {
	case typ == "" && id == "":
		return rebuild.ScopeAll, nil
	case typ == "" || id == "":
		return "", errors.New("entity_type and entity_id go together")
	}
	t, err := model.ParseEntityType(typ)
	if err != nil {
		return "", err
	}
	return rebuild.EntityScope(model.Ref{Type: t, ID: id}), nil
}
