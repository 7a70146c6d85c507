package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"podcastd/internal/errs"
	"podcastd/internal/runtime/scope"
	"podcastd/internal/runtime/supervisor"
	"podcastd/internal/schedule"
	"podcastd/internal/store"
)

var epoch = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// everySecond returns a builder registering one Seconds(1) job that counts its firings.
func everySecond(fired *atomic.Int64, adj ...schedule.Adjustment) Builder {
	return func(sc *SchedulingContext) error {
		_, err := sc.Add("tick", schedule.Every(schedule.Seconds(1), adj...), func(context.Context) error {
			fired.Add(1)
			return nil
		})
		return err
	}
}

func newTestWorker(t *testing.T, root *scope.Scope, clk *schedule.FakeClock, b Builder) *Worker {
	t.Helper()
	return New(t.Name(), b, root, schedule.UTC, WithClock(clk), WithExecutor(schedule.InlineExecutor))
}

// tick advances the fake clock one cadence and waits until n loops re-armed.
func tick(clk *schedule.FakeClock, n int) {
	clk.BlockUntil(n)
	clk.Advance(DefaultCadence)
	clk.BlockUntil(n)
}

func TestStopOnIdleWorkerIsNoop(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	clk := schedule.NewFakeClock(epoch)
	var fired atomic.Int64
	w := newTestWorker(t, root, clk, everySecond(&fired))

	w.Stop()
	w.Stop()
	if w.State() != Idle || w.Loops() != 0 || w.Scope() != nil {
		t.Fatalf("state=%v loops=%d scope=%v", w.State(), w.Loops(), w.Scope())
	}
	if n := clk.TimerCount(); n != 0 {
		t.Fatalf("Stop armed %d timers", n)
	}
	if root.Children() != 0 {
		t.Fatalf("Stop derived a scope")
	}
}

func TestRebuildTwiceLeavesOneLoop(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	clk := schedule.NewFakeClock(epoch)
	var builds atomic.Int64
	var fired atomic.Int64
	b := everySecond(&fired)
	w := newTestWorker(t, root, clk, func(sc *SchedulingContext) error {
		builds.Add(1)
		return b(sc)
	})

	if err := w.ScheduleOrRebuild(t.Context()); err != nil {
		t.Fatal(err)
	}
	first := w.Scope()
	if err := w.ScheduleOrRebuild(t.Context()); err != nil {
		t.Fatal(err)
	}

	if !first.Cancelled() {
		t.Fatal("first generation scope not cancelled")
	}
	waitFor(t, "old loop to exit", func() bool { return w.Loops() == 1 })
	if w.State() != Running || w.Generation() != 2 || builds.Load() != 2 {
		t.Fatalf("state=%v gen=%d builds=%d", w.State(), w.Generation(), builds.Load())
	}
	if n := root.Children(); n != 1 {
		t.Fatalf("root has %d live children, want 1", n)
	}

	// Only the surviving loop advances: one firing per tick, not two.
	tick(clk, 1)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times after one tick, want 1", got)
	}
}

func TestRootCancelStopsEveryWorker(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	clk := schedule.NewFakeClock(epoch)
	var a, b atomic.Int64
	wa := newTestWorker(t, root, clk, everySecond(&a))
	wb := newTestWorker(t, root, clk, everySecond(&b))
	for _, w := range []*Worker{wa, wb} {
		if err := w.ScheduleOrRebuild(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	tick(clk, 2)
	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("fired a=%d b=%d before cancel, want 1 each", a.Load(), b.Load())
	}

	root.Cancel()
	waitFor(t, "loops to exit", func() bool { return wa.Loops() == 0 && wb.Loops() == 0 })
	clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("fired after root cancel: a=%d b=%d", a.Load(), b.Load())
	}
	if wa.State() != Idle || wb.State() != Idle {
		t.Fatalf("states %v %v after root cancel", wa.State(), wb.State())
	}
}

func TestStopAffectsOnlyThatWorker(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	clk := schedule.NewFakeClock(epoch)
	var a, b atomic.Int64
	wa := newTestWorker(t, root, clk, everySecond(&a))
	wb := newTestWorker(t, root, clk, everySecond(&b))
	for _, w := range []*Worker{wa, wb} {
		if err := w.ScheduleOrRebuild(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	wa.Stop()
	waitFor(t, "stopped loop to exit", func() bool { return wa.Loops() == 0 })
	tick(clk, 1)
	if a.Load() != 0 || b.Load() != 1 {
		t.Fatalf("fired a=%d b=%d, want 0 and 1", a.Load(), b.Load())
	}
	if wb.State() != Running {
		t.Fatal("sibling stopped")
	}
}

func TestFailedRebuildLeavesWorkerIdle(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	clk := schedule.NewFakeClock(epoch)
	var fail atomic.Bool
	var fired atomic.Int64
	ok := everySecond(&fired)
	w := newTestWorker(t, root, clk, func(sc *SchedulingContext) error {
		if fail.Load() {
			// Register something first: it must not survive the error.
			if err := ok(sc); err != nil {
				return err
			}
			return errs.Configf("podcasts/show.update_schedule", "Count(0) is not allowed")
		}
		return ok(sc)
	})

	if err := w.ScheduleOrRebuild(t.Context()); err != nil {
		t.Fatal(err)
	}
	prev := w.Scope()

	fail.Store(true)
	err := w.ScheduleOrRebuild(t.Context())
	if !errs.IsConfig(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if w.State() != Idle || w.Scope() != nil || w.Jobs() != nil {
		t.Fatalf("state=%v scope=%v jobs=%v", w.State(), w.Scope(), w.Jobs())
	}
	if !prev.Cancelled() {
		t.Fatal("previous generation still live")
	}
	waitFor(t, "previous loop to exit", func() bool { return w.Loops() == 0 })

	clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times while idle", got)
	}

	// The next successful build brings the worker back.
	fail.Store(false)
	if err := w.ScheduleOrRebuild(t.Context()); err != nil {
		t.Fatal(err)
	}
	if w.State() != Running || w.Generation() != 2 {
		t.Fatalf("state=%v gen=%d", w.State(), w.Generation())
	}
}

func TestTickLoopHonoursCount(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	clk := schedule.NewFakeClock(epoch)
	var fired atomic.Int64
	w := newTestWorker(t, root, clk, everySecond(&fired, schedule.Count(3)))
	if err := w.ScheduleOrRebuild(t.Context()); err != nil {
		t.Fatal(err)
	}
	for range 10 {
		tick(clk, 1)
	}
	if got := fired.Load(); got != 3 {
		t.Fatalf("fired %d times in 10s, want 3", got)
	}
	if w.Ticks() != 10 {
		t.Fatalf("Ticks() = %d, want 10", w.Ticks())
	}
	jobs := w.Jobs()
	if len(jobs) != 1 || !jobs[0].Dormant || jobs[0].Runs != 3 {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestFailingActionKeepsLoopTicking(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	clk := schedule.NewFakeClock(epoch)
	var calls atomic.Int64
	w := newTestWorker(t, root, clk, func(sc *SchedulingContext) error {
		_, err := sc.Add("flaky", schedule.Every(schedule.Seconds(1)), func(context.Context) error {
			if calls.Add(1)%2 == 1 {
				panic("boom")
			}
			return errors.New("download failed")
		})
		return err
	})
	if err := w.ScheduleOrRebuild(t.Context()); err != nil {
		t.Fatal(err)
	}
	for range 4 {
		tick(clk, 1)
	}
	if calls.Load() != 4 || w.State() != Running {
		t.Fatalf("calls=%d state=%v", calls.Load(), w.State())
	}
}

func TestBuilderReadsStoreThroughContext(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	mem := store.NewMemory()
	defer mem.Close()
	ctx := t.Context()
	for _, k := range []string{"podcasts/a", "podcasts/b", "config"} {
		if err := mem.Put(ctx, k, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	sup := supervisor.New(context.Background())
	w := New("podcasts", func(sc *SchedulingContext) error {
		entries, err := sc.Store.Scan(sc.Context(), "podcasts/")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := sc.Add(e.Key, schedule.Every(schedule.Minutes(5)), nil); err != nil {
				return err
			}
		}
		return nil
	}, root, schedule.UTC, WithStore(mem), WithSupervisor(sup), WithClock(schedule.NewFakeClock(epoch)))

	if err := w.ScheduleOrRebuild(ctx); err != nil {
		t.Fatal(err)
	}
	jobs := w.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "podcasts/a" || jobs[1].Name != "podcasts/b" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if want := epoch.Add(5 * time.Minute); !jobs[0].Next.Equal(want) {
		t.Fatalf("next = %v, want %v", jobs[0].Next, want)
	}

	root.Cancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		t.Fatalf("supervisor stop: %v", err)
	}
}

func TestAddWithoutActionFailsBuild(t *testing.T) {
	t.Parallel()
	root := scope.NewRoot("test")
	defer root.Cancel()
	w := newTestWorker(t, root, schedule.NewFakeClock(epoch), func(sc *SchedulingContext) error {
		_, err := sc.Add("orphan", schedule.Every(schedule.Minutes(1)), nil)
		return err
	})
	if err := w.ScheduleOrRebuild(t.Context()); !errors.Is(err, schedule.ErrNoAction) {
		t.Fatalf("err = %v, want ErrNoAction", err)
	}
	if w.State() != Idle {
		t.Fatal("worker running after failed build")
	}
}
