package api

import (
	"net/http"
	"strconv"

	"github.com/okian/roastlog/internal/adapters/repository"
	"github.com/okian/roastlog/internal/domain/model"
)

// TimelineHandler serves the feed.
type TimelineHandler struct {
	deps   TimelineReader
	limits Limits
}

// NewTimelineHandler creates a new timeline handler.
func NewTimelineHandler(deps TimelineReader, limits Limits) *TimelineHandler {
	if limits.Default < 1 {
		limits.Default = 20
	}
	if limits.Max < limits.Default {
		limits.Max = limits.Default
	}
	return &TimelineHandler{deps: deps, limits: limits}
}

type timelineResponse struct {
	Events     []model.TimelineEvent `json:"events"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// HandleGetTimeline handles GET /timeline?limit=&cursor=&entity_type= requests.
func (h *TimelineHandler) HandleGetTimeline(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_timeline"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()

	page := repository.Page{Limit: h.limits.Default, Cursor: q.Get("cursor")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
			return
		}
		if n > h.limits.Max {
			writeError(w, http.StatusBadRequest, "limit_exceeded", NewKind(op, ErrBadRequest))
			return
		}
		page.Limit = n
	}
	if raw := q.Get("entity_type"); raw != "" {
		t, err := model.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
			return
		}
		page.EntityType = t
	}

	res, err := h.deps.Timeline(r.Context(), page)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, Wrap(op, err))
		return
	}
	events := res.Events
	if events == nil {
		events = []model.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, timelineResponse{Events: events, NextCursor: res.Next})
}
