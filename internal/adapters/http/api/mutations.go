package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/okian/roastlog/internal/domain/hook"
	"github.com/okian/roastlog/internal/domain/model"
)

// Acknowledgement statuses of POST /mutations.
const (
	statusAccepted  = "accepted"
	statusDuplicate = "duplicate"
	statusDegraded  = "degraded"
)

// MutationsHandler runs the mutation hook for CRUD collaborators that live
// in another process.
type MutationsHandler struct {
	deps MutationSink
}

// NewMutationsHandler creates a new mutations handler.
func NewMutationsHandler(deps MutationSink) *MutationsHandler {
	return &MutationsHandler{deps: deps}
}

// mutationRequest mirrors the OpenAPI schema for POST /mutations.
type mutationRequest struct {
	MutationID    string   `json:"mutation_id"`
	Op            string   `json:"op"`
	EntityType    string   `json:"entity_type"`
	EntityID      string   `json:"entity_id"`
	ChangedFields []string `json:"changed_fields"`
}

func (m mutationRequest) validate() (model.EntityType, error) {
	switch {
	case strings.TrimSpace(m.MutationID) == "":
		return "", errors.New("missing mutation_id")
	case strings.TrimSpace(m.EntityID) == "":
		return "", errors.New("missing entity_id")
	}
	switch m.Op {
	case hook.OpCreated, hook.OpUpdated, hook.OpDeleted:
	default:
		return "", errors.New("op must be created, updated or deleted")
	}
	return model.ParseEntityType(m.EntityType)
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
	Rebuild   string `json:"rebuild,omitempty"`
	Message   string `json:"message,omitempty"`
}

// HandlePostMutation handles POST /mutations requests.
func (h *MutationsHandler) HandlePostMutation(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_mutation"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req mutationRequest
	if !decodeBody(w, r, op, &req) {
		return
	}
	t, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	// Idempotency check - mark as seen first
	if h.deps.SeenAndRecord(r.Context(), req.MutationID) {
		writeJSON(w, http.StatusOK, ackResponse{Status: statusDuplicate, Duplicate: true})
		return
	}

	out, err := h.deps.Notify(r.Context(), req.Op, t, strings.TrimSpace(req.EntityID), req.ChangedFields)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, ackResponse{Status: statusAccepted, Rebuild: out.Rebuild})
	case errors.Is(err, hook.ErrDegraded) && out.Rebuild != "":
		// The feed repairs itself; a retry would only repeat the work.
		writeJSON(w, http.StatusAccepted, ackResponse{Status: statusDegraded, Rebuild: out.Rebuild, Message: err.Error()})
	default:
		h.deps.Unrecord(r.Context(), req.MutationID)
		writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
	}
}
