package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"podcastd/internal/errs"
	"podcastd/internal/runtime/scope"
	"podcastd/pkg/logx"
)

func openForTest(t *testing.T, driver string) Store {
	t.Helper()
	cfg := Config{Driver: driver, PollInterval: 20 * time.Millisecond}
	switch driver {
	case "file":
		cfg.Path = t.TempDir()
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "podcastd.db")
	}
	st, err := Open(t.Context(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	return Event{}
}

func expectQuiet(t *testing.T, ch <-chan Event, d time.Duration) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(d):
	}
}

var localDrivers = []string{"memory", "file", "sqlite"}

func TestContract(t *testing.T) {
	t.Parallel()
	for _, driver := range localDrivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()
			st := openForTest(t, driver)

			if _, ok, err := st.Get(ctx, "podcasts/none"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v err %v", ok, err)
			}

			for _, k := range []string{"podcasts/b", "config", "podcasts/a"} {
				if err := st.Put(ctx, k, []byte(`{"k":"`+k+`"}`)); err != nil {
					t.Fatalf("Put(%s): %v", k, err)
				}
			}
			got, err := st.Scan(ctx, "podcasts/")
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			want := []Entry{
				{Key: "podcasts/a", Value: []byte(`{"k":"podcasts/a"}`)},
				{Key: "podcasts/b", Value: []byte(`{"k":"podcasts/b"}`)},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Scan mismatch (-want +got):\n%s", diff)
			}

			v, ok, err := st.Get(ctx, "config")
			if err != nil || !ok || string(v) != `{"k":"config"}` {
				t.Fatalf("Get(config) = %q %v %v", v, ok, err)
			}
		})
	}
}

func TestWatchEmitsOncePerWrite(t *testing.T) {
	t.Parallel()
	for _, driver := range localDrivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()
			st := openForTest(t, driver)
			ch, err := st.Watch(ctx, "podcasts/")
			if err != nil {
				t.Fatalf("Watch: %v", err)
			}

			if err := st.Put(ctx, "podcasts/show", []byte(`{}`)); err != nil {
				t.Fatal(err)
			}
			if e := recv(t, ch); e.Op != OpPut || e.Key != "podcasts/show" {
				t.Fatalf("event = %+v", e)
			}
			if err := st.Put(ctx, "config", []byte(`{}`)); err != nil {
				t.Fatal(err)
			}
			if err := st.Delete(ctx, "podcasts/show"); err != nil {
				t.Fatal(err)
			}
			if e := recv(t, ch); e.Op != OpDelete || e.Key != "podcasts/show" {
				t.Fatalf("event = %+v", e)
			}
			// Deleting a missing key is a no-op.
			if err := st.Delete(ctx, "podcasts/show"); err != nil {
				t.Fatalf("Delete(missing): %v", err)
			}
			expectQuiet(t, ch, 150*time.Millisecond)
		})
	}
}

func TestClosedStoreFails(t *testing.T) {
	t.Parallel()
	for _, driver := range localDrivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()
			st := openForTest(t, driver)
			ch, err := st.Watch(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			select {
			case _, ok := <-ch:
				if ok {
					t.Fatal("event after close")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("watch channel not closed by Close")
			}
			_, err = st.Scan(ctx, "")
			if !errs.IsStore(err) || !errors.Is(err, ErrClosed) {
				t.Fatalf("Scan after close err = %v, want store error wrapping ErrClosed", err)
			}
			if _, err := st.Watch(ctx, ""); !errs.IsStore(err) {
				t.Fatalf("Watch after close err = %v", err)
			}
		})
	}
}

func TestFileStoreSeesExternalEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(t.Context(), Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ch, err := st.Watch(t.Context(), "podcasts/")
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "podcasts%2Fexternal.json")
	if err := os.WriteFile(path, []byte(`{"name":"External"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if e := recv(t, ch); e.Op != OpPut || e.Key != "podcasts/external" {
		t.Fatalf("event = %+v", e)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if e := recv(t, ch); e.Op != OpDelete || e.Key != "podcasts/external" {
		t.Fatalf("event = %+v", e)
	}
}

func TestSQLiteSeesOtherConnections(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shared.db")
	cfg := Config{Driver: "sqlite", Path: path, PollInterval: 20 * time.Millisecond}
	a, err := Open(t.Context(), cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(t.Context(), cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ch, err := a.Watch(t.Context(), "podcasts/")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Put(t.Context(), "podcasts/remote", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if e := recv(t, ch); e.Op != OpPut || e.Key != "podcasts/remote" {
		t.Fatalf("event = %+v", e)
	}
	expectQuiet(t, ch, 100*time.Millisecond)
}

type failingStore struct {
	*Memory
	calls int
}

func (f *failingStore) Scan(context.Context, string) ([]Entry, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	inner := &failingStore{Memory: NewMemory()}
	st := WithBreaker(inner, BreakerConfig{Enabled: true, MaxFailures: 2, OpenTimeout: time.Hour}, logx.Nop())

	for i := 0; i < 2; i++ {
		if _, err := st.Scan(t.Context(), ""); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := st.Scan(t.Context(), "podcasts/")
	if !errs.IsStore(err) {
		t.Fatalf("open breaker err = %v, want StoreError", err)
	}
	if inner.calls != 2 {
		t.Fatalf("backend called %d times, want 2 (open breaker must not call through)", inner.calls)
	}
	if got := st.(*breakerStore).State(); got != "open" {
		t.Fatalf("State() = %q", got)
	}
}

type cancelledStore struct {
	*Memory
	calls int
}

func (c *cancelledStore) Scan(ctx context.Context, _ string) ([]Entry, error) {
	c.calls++
	return nil, errs.Store("scan", "", ctx.Err())
}

func TestBreakerIgnoresScopeCancellation(t *testing.T) {
	t.Parallel()
	inner := &cancelledStore{Memory: NewMemory()}
	st := WithBreaker(inner, BreakerConfig{Enabled: true, MaxFailures: 2, OpenTimeout: time.Hour}, logx.Nop())

	root := scope.NewRoot("root")
	ctx, cancel := context.WithCancel(root.Child("watch"))
	defer cancel()
	root.Cancel()

	for i := 0; i < 5; i++ {
		if _, err := st.Scan(ctx, "podcasts/"); err == nil {
			t.Fatal("expected cancellation error")
		}
	}
	if inner.calls != 5 {
		t.Fatalf("backend called %d times, want 5", inner.calls)
	}
	if got := st.(*breakerStore).State(); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
}
