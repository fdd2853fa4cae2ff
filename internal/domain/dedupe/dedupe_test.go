package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/roastlog/internal/domain/dedupe"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new InMemoryDeduper", t, func() {
		Convey("When created with default options", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("Then it should be empty", func() {
				So(d, ShouldNotBeNil)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When recording mutation ids", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("A new id is recorded", func() {
				So(d.SeenAndRecord(ctx, "m-1"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("A repeated id is reported as seen", func() {
				d.SeenAndRecord(ctx, "m-1")
				So(d.SeenAndRecord(ctx, "m-1"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("An unrecorded id can be recorded again", func() {
				d.SeenAndRecord(ctx, "m-1")
				d.Unrecord(ctx, "m-1")
				d.Unrecord(ctx, "missing")
				So(d.Size(), ShouldEqual, 0)
				So(d.SeenAndRecord(ctx, "m-1"), ShouldBeFalse)
			})
		})

		Convey("When bounded and at capacity", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
			for _, id := range []string{"a", "b", "c"} {
				d.SeenAndRecord(ctx, id)
			}
			// Touch a so b becomes the least recently seen.
			So(d.SeenAndRecord(ctx, "a"), ShouldBeTrue)
			So(d.SeenAndRecord(ctx, "d"), ShouldBeFalse)

			Convey("Then the least recently seen id is forgotten", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "a"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "b"), ShouldBeFalse)
			})
		})

		Convey("When unbounded", func() {
			for _, size := range []int{0, -1} {
				d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(size))
				for i := range 20_000 {
					d.SeenAndRecord(ctx, fmt.Sprintf("m-%d", i))
				}
				So(d.Size(), ShouldEqual, 20_000)
				So(d.SeenAndRecord(ctx, "m-0"), ShouldBeTrue)
			}
		})
	})
}

func TestInMemoryDeduper_Concurrent(t *testing.T) {
	Convey("Given a deduper shared by many goroutines", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(1000))
		ctx := context.Background()

		Convey("Each id is reported new exactly once", func() {
			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				fresh = map[string]int{}
			)
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range 100 {
						id := fmt.Sprintf("m-%d", i)
						if !d.SeenAndRecord(ctx, id) {
							mu.Lock()
							fresh[id]++
							mu.Unlock()
						}
					}
				}()
			}
			wg.Wait()

			So(fresh, ShouldHaveLength, 100)
			for _, n := range fresh {
				So(n, ShouldEqual, 1)
			}
		})
	})
}
