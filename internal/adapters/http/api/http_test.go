package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/roastlog/internal/adapters/repository"
	"github.com/okian/roastlog/internal/domain/hook"
	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/rebuild"
	. "github.com/smartystreets/goconvey/convey"
)

// mockDeps records calls and returns canned results.
type mockDeps struct {
	seen map[string]bool

	page      repository.Page
	pageRes   repository.PageResult
	pageErr   error
	stats     *model.Stats
	scopes    []string
	reqErr    error
	status    rebuild.Status
	notified  []string
	notifyOut hook.Outcome
	notifyErr error
	put       []model.Entity
	putErr    error
	deleted   []model.Ref
}

func (m *mockDeps) Timeline(_ context.Context, page repository.Page) (repository.PageResult, error) {
	m.page = page
	return m.pageRes, m.pageErr
}

func (m *mockDeps) Stats() *model.Stats { return m.stats }

func (m *mockDeps) RequestRebuild(_ context.Context, scope string) error {
	if m.reqErr != nil {
		return m.reqErr
	}
	m.scopes = append(m.scopes, scope)
	return nil
}

func (m *mockDeps) RebuildStatus() rebuild.Status { return m.status }

func (m *mockDeps) SeenAndRecord(_ context.Context, id string) bool {
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[id] {
		return true
	}
	m.seen[id] = true
	return false
}

func (m *mockDeps) Unrecord(_ context.Context, id string) {
	delete(m.seen, id)
}

func (m *mockDeps) Notify(_ context.Context, op string, t model.EntityType, id string, changed []string) (hook.Outcome, error) {
	m.notified = append(m.notified, fmt.Sprintf("%s %s:%s %v", op, t, id, changed))
	return m.notifyOut, m.notifyErr
}

func (m *mockDeps) PutEntity(_ context.Context, e model.Entity) (model.Entity, hook.Outcome, error) {
	if m.putErr != nil && !errors.Is(m.putErr, hook.ErrDegraded) {
		return model.Entity{}, hook.Outcome{}, m.putErr
	}
	m.put = append(m.put, e)
	return e, m.notifyOut, m.putErr
}

func (m *mockDeps) DeleteEntity(_ context.Context, ref model.Ref) (hook.Outcome, error) {
	m.deleted = append(m.deleted, ref)
	return m.notifyOut, nil
}

func serve(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder, v any) {
	So(json.Unmarshal(w.Body.Bytes(), v), ShouldBeNil)
}

func newMux(deps *mockDeps) *http.ServeMux {
	mux := http.NewServeMux()
	NewServer(deps, Limits{Default: 20, Max: 100}).Register(context.Background(), mux)
	return mux
}

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		deps := &mockDeps{stats: model.EmptyStats(), status: rebuild.Status{Pending: []string{}}}
		mux := newMux(deps)

		Convey("healthz serves Prometheus metrics", func() {
			w := serve(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "roastlog_")
		})

		Convey("Unknown paths are not found", func() {
			w := serve(mux, http.MethodGet, "/unknown", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Wrong methods are not found", func() {
			So(serve(mux, http.MethodPost, "/timeline", "").Code, ShouldEqual, http.StatusNotFound)
			So(serve(mux, http.MethodGet, "/mutations", "").Code, ShouldEqual, http.StatusNotFound)
			So(serve(mux, http.MethodPost, "/stats", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestTimelineHandler(t *testing.T) {
	Convey("Given a timeline with one event", t, func() {
		at := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)
		deps := &mockDeps{pageRes: repository.PageResult{
			Events: []model.TimelineEvent{{ID: 7, EntityType: model.Cup, EntityID: "c1", Kind: model.KindCupTasted,
				OccurredAt: at, CreatedAt: at, Snapshot: model.Snapshot{"cup_name": "Morning"}}},
			Next: "abc",
		}}
		mux := newMux(deps)

		Convey("No limit uses the default page size", func() {
			w := serve(mux, http.MethodGet, "/timeline", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.page.Limit, ShouldEqual, 20)

			var body timelineResponse
			decode(w, &body)
			So(body.NextCursor, ShouldEqual, "abc")
			So(body.Events, ShouldHaveLength, 1)
			So(body.Events[0].Snapshot["cup_name"], ShouldEqual, "Morning")
		})

		Convey("Query parameters are passed through", func() {
			w := serve(mux, http.MethodGet, "/timeline?limit=5&cursor=xyz&entity_type=Cup", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.page, ShouldResemble, repository.Page{Limit: 5, Cursor: "xyz", EntityType: model.Cup})
		})

		Convey("Bad limits are rejected", func() {
			for _, q := range []string{"limit=0", "limit=abc", "limit=-3"} {
				w := serve(mux, http.MethodGet, "/timeline?"+q, "")
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			}
			w := serve(mux, http.MethodGet, "/timeline?limit=101", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			var body errorResponse
			decode(w, &body)
			So(body.Code, ShouldEqual, "limit_exceeded")
		})

		Convey("An unknown entity type is rejected", func() {
			w := serve(mux, http.MethodGet, "/timeline?entity_type=teapot", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A malformed cursor maps to invalid_cursor", func() {
			deps.pageErr = fmt.Errorf("decode: %w", repository.ErrInvalidCursor)
			w := serve(mux, http.MethodGet, "/timeline?cursor=zz", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			var body errorResponse
			decode(w, &body)
			So(body.Code, ShouldEqual, "invalid_cursor")
		})

		Convey("Storage failures are internal errors", func() {
			deps.pageErr = repository.ErrStorage
			w := serve(mux, http.MethodGet, "/timeline", "")
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
		})

		Convey("An empty page renders an empty list", func() {
			deps.pageRes = repository.PageResult{}
			w := serve(mux, http.MethodGet, "/timeline", "")
			So(w.Body.String(), ShouldContainSubstring, `"events":[]`)
			So(w.Body.String(), ShouldNotContainSubstring, "next_cursor")
		})
	})
}

func TestStatsHandler(t *testing.T) {
	Convey("Given a published snapshot", t, func() {
		st := model.EmptyStats()
		st.Generation = 3
		st.Counts[model.Cup] = 2
		mux := newMux(&mockDeps{stats: st})

		Convey("GET /stats returns it", func() {
			w := serve(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var body model.Stats
			decode(w, &body)
			So(body.Generation, ShouldEqual, 3)
			So(body.Counts[model.Cup], ShouldEqual, 2)
		})
	})
}

func TestRebuildHandler(t *testing.T) {
	Convey("Given the admin rebuild endpoint", t, func() {
		deps := &mockDeps{status: rebuild.Status{Runs: 4, Pending: []string{"all"}}}
		mux := newMux(deps)

		Convey("POST without parameters queues a full rebuild", func() {
			w := serve(mux, http.MethodPost, "/admin/rebuild", "")
			So(w.Code, ShouldEqual, http.StatusNoContent)
			So(deps.scopes, ShouldResemble, []string{rebuild.ScopeAll})
		})

		Convey("POST with an entity queues a scoped rebuild", func() {
			w := serve(mux, http.MethodPost, "/admin/rebuild?entity_type=bag&entity_id=b1", "")
			So(w.Code, ShouldEqual, http.StatusNoContent)
			So(deps.scopes, ShouldResemble, []string{"entity:bag:b1"})
		})

		Convey("Half a scope is rejected", func() {
			w := serve(mux, http.MethodPost, "/admin/rebuild?entity_type=bag", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.scopes, ShouldBeEmpty)
		})

		Convey("A stopped coordinator is unavailable", func() {
			deps.reqErr = rebuild.ErrStopped
			w := serve(mux, http.MethodPost, "/admin/rebuild", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("GET reports the status", func() {
			w := serve(mux, http.MethodGet, "/admin/rebuild", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var body rebuild.Status
			decode(w, &body)
			So(body.Runs, ShouldEqual, 4)
			So(body.Pending, ShouldResemble, []string{"all"})
		})
	})
}

func TestMutationsHandler(t *testing.T) {
	Convey("Given the mutations endpoint", t, func() {
		deps := &mockDeps{}
		mux := newMux(deps)
		const body = `{"mutation_id":"m1","op":"updated","entity_type":"roaster","entity_id":"r1","changed_fields":["name"]}`

		Convey("A new mutation is accepted and runs the hook", func() {
			deps.notifyOut = hook.Outcome{Rebuild: rebuild.ScopeAll}
			w := serve(mux, http.MethodPost, "/mutations", body)
			So(w.Code, ShouldEqual, http.StatusAccepted)

			var ack ackResponse
			decode(w, &ack)
			So(ack.Status, ShouldEqual, statusAccepted)
			So(ack.Rebuild, ShouldEqual, rebuild.ScopeAll)
			So(deps.notified, ShouldResemble, []string{"updated roaster:r1 [name]"})
		})

		Convey("A repeated mutation id is acknowledged without running the hook", func() {
			serve(mux, http.MethodPost, "/mutations", body)
			w := serve(mux, http.MethodPost, "/mutations", body)
			So(w.Code, ShouldEqual, http.StatusOK)

			var ack ackResponse
			decode(w, &ack)
			So(ack.Duplicate, ShouldBeTrue)
			So(deps.notified, ShouldHaveLength, 1)
		})

		Convey("A degraded write is reported and not retried", func() {
			deps.notifyOut = hook.Outcome{Rebuild: "entity:roaster:r1"}
			deps.notifyErr = fmt.Errorf("%w: disk full", hook.ErrDegraded)
			w := serve(mux, http.MethodPost, "/mutations", body)
			So(w.Code, ShouldEqual, http.StatusAccepted)

			var ack ackResponse
			decode(w, &ack)
			So(ack.Status, ShouldEqual, statusDegraded)
			So(deps.seen["m1"], ShouldBeTrue)
		})

		Convey("A hard failure forgets the id so the caller can retry", func() {
			deps.notifyErr = errors.New("not started")
			w := serve(mux, http.MethodPost, "/mutations", body)
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(deps.seen["m1"], ShouldBeFalse)
		})

		Convey("Malformed requests are rejected", func() {
			for _, bad := range []string{
				`{`,
				`{"op":"updated","entity_type":"roaster","entity_id":"r1"}`,
				`{"mutation_id":"m2","op":"renamed","entity_type":"roaster","entity_id":"r1"}`,
				`{"mutation_id":"m2","op":"created","entity_type":"teapot","entity_id":"r1"}`,
				`{"mutation_id":"m2","op":"created","entity_type":"roaster","entity_id":" "}`,
			} {
				w := serve(mux, http.MethodPost, "/mutations", bad)
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			}
			So(deps.notified, ShouldBeEmpty)
		})

		Convey("Oversized bodies are refused before decoding", func() {
			huge := `{"mutation_id":"m3","op":"updated","entity_type":"roaster","entity_id":"r1","changed_fields":["` +
				strings.Repeat("x", maxBodyBytes) + `"]}`
			w := serve(mux, http.MethodPost, "/mutations", huge)
			So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
			So(w.Body.String(), ShouldContainSubstring, "payload_too_large")
			So(deps.notified, ShouldBeEmpty)
			So(deps.seen["m3"], ShouldBeFalse)
		})
	})
}

func TestEntitiesHandler(t *testing.T) {
	Convey("Given the entities endpoint", t, func() {
		deps := &mockDeps{}
		mux := newMux(deps)

		Convey("PUT stores the entity", func() {
			w := serve(mux, http.MethodPut, "/entities/roast/x1",
				`{"name":"Blend","refs":{"roaster":"r1"},"attrs":{"origin":"Kenya"},"occurred_at":"2024-03-09T08:00:00Z"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.put, ShouldHaveLength, 1)

			e := deps.put[0]
			So(e.Key(), ShouldResemble, model.Ref{Type: model.Roast, ID: "x1"})
			So(e.Refs[model.Roaster], ShouldEqual, "r1")
			So(e.Attr(model.AttrOrigin), ShouldEqual, "Kenya")
			So(e.OccurredAt.Equal(time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)), ShouldBeTrue)
		})

		Convey("PUT reports a degraded hook", func() {
			deps.putErr = hook.ErrDegraded
			w := serve(mux, http.MethodPut, "/entities/gear/g1", `{"name":"V60"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			var resp entityResponse
			decode(w, &resp)
			So(resp.Status, ShouldEqual, statusDegraded)
		})

		Convey("PUT surfaces storage failures", func() {
			deps.putErr = repository.ErrStorage
			w := serve(mux, http.MethodPut, "/entities/gear/g1", `{"name":"V60"}`)
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
		})

		Convey("PUT validates the body", func() {
			So(serve(mux, http.MethodPut, "/entities/gear/g1", `{}`).Code, ShouldEqual, http.StatusBadRequest)
			So(serve(mux, http.MethodPut, "/entities/gear/g1", `{"name":"V60","refs":{"teapot":"t"}}`).Code,
				ShouldEqual, http.StatusBadRequest)
			So(serve(mux, http.MethodPut, "/entities/gear/g1", `{"name":"V60","occurred_at":"yesterday"}`).Code,
				ShouldEqual, http.StatusBadRequest)
		})

		Convey("PUT refuses oversized bodies", func() {
			huge := `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
			So(serve(mux, http.MethodPut, "/entities/gear/g1", huge).Code, ShouldEqual, http.StatusRequestEntityTooLarge)
			So(deps.put, ShouldBeEmpty)
		})

		Convey("DELETE removes the entity", func() {
			deps.notifyOut = hook.Outcome{Rebuild: rebuild.ScopeAll}
			w := serve(mux, http.MethodDelete, "/entities/roaster/r1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.deleted, ShouldResemble, []model.Ref{{Type: model.Roaster, ID: "r1"}})
			So(w.Body.String(), ShouldContainSubstring, `"rebuild":"all"`)
		})

		Convey("Bad paths are not found", func() {
			for _, p := range []string{"/entities/roaster", "/entities/teapot/1", "/entities/roaster/r1/extra"} {
				So(serve(mux, http.MethodDelete, p, "").Code, ShouldEqual, http.StatusNotFound)
			}
		})
	})
}
