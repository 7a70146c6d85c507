package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"podcastd/internal/errs"
	"podcastd/internal/runtime/scope"
	"podcastd/internal/schedule"
	"podcastd/internal/store"
	"podcastd/internal/worker"
)

type countingRebuilder struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRebuilder) Name() string { return "counting" }

func (c *countingRebuilder) ScheduleOrRebuild(context.Context) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

func (c *countingRebuilder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// startWatcher runs w until the test ends and returns a func that waits for
// Run's result.
func startWatcher(t *testing.T, w *Watcher) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	wait := sync.OnceValue(func() error { return <-done })
	t.Cleanup(func() {
		cancel()
		if err := wait(); err != nil && !errors.Is(err, ErrStreamClosed) {
			t.Errorf("Run: %v", err)
		}
	})
	select {
	case <-w.Ready():
	case <-time.After(time.Second):
		t.Fatal("watcher never subscribed")
	}
	return wait
}

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

func TestOneRebuildPerNotification(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	defer mem.Close()
	target := &countingRebuilder{}
	var seen []store.Event
	var mu sync.Mutex
	w := New(target, mem, "podcasts/", OnRebuild(func(ev store.Event, err error) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}))
	startWatcher(t, w)

	ctx := t.Context()
	script := []func() error{
		func() error { return mem.Put(ctx, "podcasts/a", []byte(`{}`)) },
		func() error { return mem.Put(ctx, "podcasts/a", []byte(`{}`)) }, // identical rewrite still counts
		func() error { return mem.Put(ctx, "podcasts/b", []byte(`{}`)) },
		func() error { return mem.Put(ctx, "config", []byte(`{}`)) }, // other prefix
		func() error { return mem.Delete(ctx, "podcasts/a") },
		func() error { return mem.Delete(ctx, "podcasts/missing") }, // no event
	}
	for i, step := range script {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	waitFor(t, "four rebuilds", func() bool { return target.count() >= 4 })
	time.Sleep(30 * time.Millisecond)
	if got := target.count(); got != 4 {
		t.Fatalf("rebuilds = %d, want 4", got)
	}
	if w.Rebuilds() != 4 || w.Failures() != 0 {
		t.Fatalf("counters rebuilds=%d failures=%d", w.Rebuilds(), w.Failures())
	}
	mu.Lock()
	defer mu.Unlock()
	wantKeys := []string{"podcasts/a", "podcasts/a", "podcasts/b", "podcasts/a"}
	for i, ev := range seen {
		if ev.Key != wantKeys[i] {
			t.Fatalf("event %d key = %q, want %q", i, ev.Key, wantKeys[i])
		}
	}
	if seen[3].Op != store.OpDelete {
		t.Fatalf("last op = %v", seen[3].Op)
	}
}

func TestFailedRebuildStopsWorkerUntilNextChange(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	defer mem.Close()
	root := scope.NewRoot("test")
	defer root.Cancel()

	var builds atomic.Int64
	wk := worker.New("podcasts", func(sc *worker.SchedulingContext) error {
		builds.Add(1)
		if _, ok, err := sc.Store.Get(sc.Context(), "podcasts/broken"); err != nil {
			return err
		} else if ok {
			return errs.Configf("podcasts/broken", "malformed update schedule")
		}
		return nil
	}, root, schedule.UTC, worker.WithStore(mem), worker.WithClock(schedule.NewFakeClock(time.Unix(0, 0))))

	if err := wk.ScheduleOrRebuild(t.Context()); err != nil {
		t.Fatal(err)
	}
	results := make(chan error, 4)
	w := New(wk, mem, "podcasts/", OnRebuild(func(_ store.Event, err error) { results <- err }))
	startWatcher(t, w)

	ctx := t.Context()
	if err := mem.Put(ctx, "podcasts/broken", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := <-results; !errs.IsConfig(err) {
		t.Fatalf("rebuild err = %v, want configuration error", err)
	}
	if wk.State() != worker.Idle {
		t.Fatal("worker kept running after failed rebuild")
	}

	if err := mem.Delete(ctx, "podcasts/broken"); err != nil {
		t.Fatal(err)
	}
	if err := <-results; err != nil {
		t.Fatalf("rebuild err = %v", err)
	}
	if wk.State() != worker.Running {
		t.Fatal("worker not restored by the next change")
	}
	if builds.Load() != 3 || w.Failures() != 1 || w.Rebuilds() != 2 {
		t.Fatalf("builds=%d failures=%d rebuilds=%d", builds.Load(), w.Failures(), w.Rebuilds())
	}
}

func TestRunEndsWhenStoreCloses(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	w := New(&countingRebuilder{}, mem, "")
	wait := startWatcher(t, w)
	_ = mem.Close()
	if err := wait(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Run = %v, want ErrStreamClosed", err)
	}
}
