package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When creating a manager with custom options", func() {
			m := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then collectors are registered under the namespace", func() {
				So(m, ShouldNotBeNil)
				m.rebuildRequests.WithLabelValues("all").Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_unit_rebuild_requests_total" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		})
	})
}

func TestPackageRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording rebuild activity", func() {
			before := testutil.ToFloat64(globalManager.rebuildRuns.WithLabelValues("all", ResultOK))
			RecordRebuildRequest("all")
			RecordRebuildCoalesced("all")
			RecordRebuildRun("all", ResultOK, 12)
			SetRebuildRunning(true)

			Convey("Then counters and gauges move", func() {
				So(testutil.ToFloat64(globalManager.rebuildRuns.WithLabelValues("all", ResultOK)), ShouldEqual, before+1)
				So(testutil.ToFloat64(globalManager.rebuildRunning), ShouldEqual, 1)
				SetRebuildRunning(false)
				So(testutil.ToFloat64(globalManager.rebuildRunning), ShouldEqual, 0)
			})
		})

		Convey("When recording the rest of the surface", func() {
			So(func() {
				RecordTimelineAppend("roast", 2)
				RecordTimelineAppendError("roast")
				RecordTimelineDelete()
				RecordDanglingReference("roaster")
				UpdateRebuildEvents(10)
				RecordDebounceTrigger("stats")
				RecordDebounceFire("stats", ResultOK)
				RecordDebounceDropped("stats")
				RecordStatsRecompute(ResultOK, 3)
				UpdateStatsGeneration(4)
				RecordMutation("created")
				RecordMutationDuplicate()
				UpdateQueueSize(1)
				UpdateQueueCapacity(10)
				RecordQueueEnqueue()
				RecordQueueEnqueueError("full")
				UpdateWorkerCount(2)
				RecordWorkerJob("rebuild", ResultOK, 5)
				RecordHTTPRequest("timeline", "GET", "200", 1)
				UpdateSystemMemoryUsage(1024)
				UpdateSystemGoroutineCount(8)
			}, ShouldNotPanic)
			So(testutil.ToFloat64(globalManager.statsGeneration), ShouldEqual, 4)
		})

		Convey("Then the registry exposes roastlog metrics", func() {
			RecordMutation("updated")
			families, err := GetRegistry().Gather()
			So(err, ShouldBeNil)
			names := make([]string, 0, len(families))
			for _, f := range families {
				names = append(names, f.GetName())
			}
			So(strings.Join(names, ","), ShouldContainSubstring, "roastlog_engine_mutations_total")
		})
	})
}

func TestResult(t *testing.T) {
	Convey("Result maps errors to labels", t, func() {
		So(Result(nil), ShouldEqual, ResultOK)
		So(Result(errors.New("boom")), ShouldEqual, ResultError)
	})
}
