package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPublishNeverDrops(t *testing.T) {
	t.Parallel()
	bus := New()
	defer bus.Close()
	ch := bus.Subscribe(t.Context(), "podcasts/")

	// Nobody reads while publishing; every event must still arrive.
	for i := 0; i < 100; i++ {
		bus.Publish(Event{Op: OpPut, Key: fmt.Sprintf("podcasts/%d", i)})
	}
	bus.Publish(Event{Op: OpPut, Key: "config"})

	for i := 0; i < 100; i++ {
		select {
		case e := <-ch:
			if want := fmt.Sprintf("podcasts/%d", i); e.Key != want {
				t.Fatalf("event %d key = %q, want %q", i, e.Key, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event outside prefix: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()
	bus := New()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx, "")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received event after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	deadline := time.Now().Add(time.Second)
	for bus.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := bus.Subscribers(); n != 0 {
		t.Fatalf("Subscribers() = %d after cancel", n)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()
	bus := New()
	ch := bus.Subscribe(t.Context(), "")
	bus.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if _, ok := <-bus.Subscribe(t.Context(), ""); ok {
		t.Fatal("subscribe after Close must return a closed channel")
	}
}
