package scope

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCancelPropagatesToDescendants(t *testing.T) {
	t.Parallel()
	root := NewRoot("root")
	a := root.Child("a")
	b := a.Child("b")
	sibling := root.Child("sibling")

	a.Cancel()

	if !a.Cancelled() || !b.Cancelled() {
		t.Fatalf("a=%v b=%v, want both cancelled", a.Cancelled(), b.Cancelled())
	}
	if sibling.Cancelled() || root.Cancelled() {
		t.Fatalf("sibling=%v root=%v, want neither cancelled", sibling.Cancelled(), root.Cancelled())
	}
	select {
	case <-b.Done():
	default:
		t.Fatal("b.Done() not closed")
	}
}

func TestFreshChildAfterSiblingCancel(t *testing.T) {
	t.Parallel()
	root := NewRoot("root")
	old := root.Child("gen-1")
	old.Cancel()

	fresh := root.Child("gen-2")
	if fresh.Cancelled() {
		t.Fatal("fresh child must not inherit a sibling's cancellation")
	}
	if got := root.Children(); got != 1 {
		t.Fatalf("root.Children() = %d, want 1 (cancelled child detached)", got)
	}
}

func TestChildOfCancelledParentIsCancelled(t *testing.T) {
	t.Parallel()
	root := NewRoot("root")
	root.Cancel()
	if c := root.Child("late"); !c.Cancelled() {
		t.Fatal("child of cancelled parent must be cancelled")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewRoot("root").Child("x")
	s.Cancel()
	s.Cancel()
	if s.Err() != ErrCancelled {
		t.Fatalf("Err() = %v", s.Err())
	}
}

func TestScopeAsContext(t *testing.T) {
	t.Parallel()
	root := NewRoot("root")
	ctx, cancel := context.WithTimeout(root.Child("req"), time.Minute)
	defer cancel()

	root.Cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context not cancelled by root scope")
	}
	if !errors.Is(root.Err(), context.Canceled) {
		t.Fatalf("root.Err() = %v, want context.Canceled", root.Err())
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("derived Err() = %v, want context.Canceled", ctx.Err())
	}
	if got := root.Child("x").String(); got != "root/x" {
		t.Fatalf("String() = %q", got)
	}
}
