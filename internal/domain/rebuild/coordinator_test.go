package rebuild_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/rebuild"
	"github.com/okian/roastlog/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.InitWithWriter(io.Discard, "text")
	os.Exit(m.Run())
}

// goSubmitter runs jobs on their own goroutine.
type goSubmitter struct{}

func (goSubmitter) Submit(_ context.Context, job model.Job) error {
	go func() { _ = job.Run(context.Background()) }()
	return nil
}

// heldSubmitter keeps jobs until release is called.
type heldSubmitter struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (h *heldSubmitter) Submit(_ context.Context, job model.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job)
	return nil
}

func (h *heldSubmitter) release() int {
	h.mu.Lock()
	jobs := h.jobs
	h.jobs = nil
	h.mu.Unlock()
	for _, job := range jobs {
		go func() { _ = job.Run(context.Background()) }()
	}
	return len(jobs)
}

type rejectingSubmitter struct{}

func (rejectingSubmitter) Submit(context.Context, model.Job) error {
	return errors.New("queue full")
}

// fakeRebuilder counts runs per scope and detects concurrent runs.
type fakeRebuilder struct {
	mu      sync.Mutex
	runs    map[string]int
	gate    chan struct{}
	started chan string
	fail    error
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newFakeRebuilder() *fakeRebuilder {
	return &fakeRebuilder{runs: map[string]int{}, started: make(chan string, 100)}
}

func (f *fakeRebuilder) do(key string) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.started <- key
	if f.gate != nil {
		<-f.gate
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[key]++
	return f.fail
}

func (f *fakeRebuilder) RebuildAll(context.Context) error { return f.do(rebuild.ScopeAll) }

func (f *fakeRebuilder) RebuildEntity(_ context.Context, ref model.Ref) error {
	return f.do(rebuild.EntityScope(ref))
}

func (f *fakeRebuilder) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[key]
}

func flush(c *rebuild.Coordinator) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Flush(ctx)
}

func TestCoordinator(t *testing.T) {
	ctx := context.Background()

	Convey("Given a coordinator", t, func() {
		rb := newFakeRebuilder()

		Convey("A single request runs once and is reported in status", func() {
			c := rebuild.NewCoordinator(rb, goSubmitter{})
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			So(flush(c), ShouldBeNil)

			So(rb.count(rebuild.ScopeAll), ShouldEqual, 1)
			st := c.Status()
			So(st.Runs, ShouldEqual, 1)
			So(st.LastRunID, ShouldNotBeEmpty)
			So(st.LastScope, ShouldEqual, rebuild.ScopeAll)
			So(st.LastError, ShouldBeEmpty)
			So(st.Pending, ShouldBeEmpty)
			So(c.State(rebuild.ScopeAll), ShouldEqual, rebuild.Idle)
		})

		Convey("Requests while pending coalesce into one run", func() {
			sub := &heldSubmitter{}
			c := rebuild.NewCoordinator(rb, sub)
			for range 5 {
				So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			}
			So(c.State(rebuild.ScopeAll), ShouldEqual, rebuild.Pending)
			So(sub.release(), ShouldEqual, 1)
			So(flush(c), ShouldBeNil)
			So(rb.count(rebuild.ScopeAll), ShouldEqual, 1)
		})

		Convey("Requests while running produce exactly one follow-up", func() {
			rb.gate = make(chan struct{})
			c := rebuild.NewCoordinator(rb, goSubmitter{}, rebuild.WithLogger(logger.Discard()))
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			<-rb.started
			So(c.State(rebuild.ScopeAll), ShouldEqual, rebuild.Running)

			for range 5 {
				So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			}
			close(rb.gate)
			So(flush(c), ShouldBeNil)
			So(rb.count(rebuild.ScopeAll), ShouldEqual, 2)
			So(c.Status().Runs, ShouldEqual, 2)
		})

		Convey("Only one rebuild runs at a time across scopes", func() {
			c := rebuild.NewCoordinator(rb, goSubmitter{})
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					key := rebuild.ScopeAll
					if i%2 == 1 {
						key = rebuild.EntityScope(model.Ref{Type: model.Roast, ID: string(rune('a' + i))})
					}
					_ = c.Request(ctx, key)
				}()
			}
			wg.Wait()
			So(flush(c), ShouldBeNil)
			So(rb.maxSeen.Load(), ShouldEqual, 1)
			So(rb.count(rebuild.ScopeAll), ShouldBeGreaterThanOrEqualTo, 1)
		})

		Convey("A failed run returns the scope to idle and is recorded", func() {
			rb.fail = errors.New("disk full")
			c := rebuild.NewCoordinator(rb, goSubmitter{})
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			So(flush(c), ShouldBeNil)

			st := c.Status()
			So(st.Failures, ShouldEqual, 1)
			So(st.LastError, ShouldContainSubstring, "disk full")
			So(c.State(rebuild.ScopeAll), ShouldEqual, rebuild.Idle)

			rb.mu.Lock()
			rb.fail = nil
			rb.mu.Unlock()
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			So(flush(c), ShouldBeNil)
			So(c.Status().LastError, ShouldBeEmpty)
		})

		Convey("A rejected submit leaves the scope idle", func() {
			c := rebuild.NewCoordinator(rb, rejectingSubmitter{})
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			So(c.State(rebuild.ScopeAll), ShouldEqual, rebuild.Idle)
			So(flush(c), ShouldBeNil)
			So(rb.count(rebuild.ScopeAll), ShouldEqual, 0)
		})

		Convey("Finished scopes are forgotten", func() {
			c := rebuild.NewCoordinator(rb, goSubmitter{})
			for i := range 10 {
				ref := model.Ref{Type: model.Cup, ID: string(rune('a' + i))}
				So(c.Request(ctx, rebuild.EntityScope(ref)), ShouldBeNil)
			}
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			So(flush(c), ShouldBeNil)

			So(c.TrackedScopes(), ShouldEqual, 0)
			So(c.State(rebuild.ScopeAll), ShouldEqual, rebuild.Idle)

			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			So(flush(c), ShouldBeNil)
			So(rb.count(rebuild.ScopeAll), ShouldEqual, 2)
		})

		Convey("A scope with a follow-up stays tracked until the follow-up ran", func() {
			rb.gate = make(chan struct{})
			c := rebuild.NewCoordinator(rb, goSubmitter{})
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			<-rb.started
			So(c.Request(ctx, rebuild.ScopeAll), ShouldBeNil)
			So(c.TrackedScopes(), ShouldEqual, 1)

			close(rb.gate)
			So(flush(c), ShouldBeNil)
			So(rb.count(rebuild.ScopeAll), ShouldEqual, 2)
			So(c.TrackedScopes(), ShouldEqual, 0)
		})

		Convey("Flush waits for a request made before it", func() {
			sub := &heldSubmitter{}
			c := rebuild.NewCoordinator(rb, sub)
			So(c.Request(ctx, rebuild.EntityScope(model.Ref{Type: model.Bag, ID: "b1"})), ShouldBeNil)

			short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			So(errors.Is(c.Flush(short), context.DeadlineExceeded), ShouldBeTrue)

			So(sub.release(), ShouldEqual, 1)
			So(flush(c), ShouldBeNil)
			So(rb.count(rebuild.EntityScope(model.Ref{Type: model.Bag, ID: "b1"})), ShouldEqual, 1)
		})

		Convey("Concurrent requests are always covered by a later flush", func() {
			c := rebuild.NewCoordinator(rb, goSubmitter{})
			var wg sync.WaitGroup
			for i := range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					key := rebuild.EntityScope(model.Ref{Type: model.Brew, ID: string(rune('a' + i))})
					for range 10 {
						if c.Request(ctx, key) != nil || flush(c) != nil {
							return
						}
						if c.State(key) != rebuild.Idle {
							t.Errorf("scope %s still %s after flush", key, c.State(key))
							return
						}
					}
				}()
			}
			wg.Wait()
			So(flush(c), ShouldBeNil)
			So(c.TrackedScopes(), ShouldEqual, 0)
		})

		Convey("Invalid scopes and stopped coordinators are rejected", func() {
			c := rebuild.NewCoordinator(rb, goSubmitter{})
			So(errors.Is(c.Request(ctx, "everything"), rebuild.ErrInvalidScope), ShouldBeTrue)
			c.Stop()
			So(errors.Is(c.Request(ctx, rebuild.ScopeAll), rebuild.ErrStopped), ShouldBeTrue)
		})
	})
}

func TestParseScope(t *testing.T) {
	Convey("Scope keys round-trip", t, func() {
		ref := model.Ref{Type: model.Bag, ID: "b:1"}
		key := rebuild.EntityScope(ref)
		So(key, ShouldEqual, "entity:bag:b:1")

		got, scoped, err := rebuild.ParseScope(key)
		So(err, ShouldBeNil)
		So(scoped, ShouldBeTrue)
		So(got, ShouldResemble, ref)

		_, scoped, err = rebuild.ParseScope(rebuild.ScopeAll)
		So(err, ShouldBeNil)
		So(scoped, ShouldBeFalse)

		for _, bad := range []string{"", "entity:", "entity:bag", "entity:bag:", "entity:teapot:1"} {
			_, _, err = rebuild.ParseScope(bad)
			So(errors.Is(err, rebuild.ErrInvalidScope), ShouldBeTrue)
		}
	})
}
