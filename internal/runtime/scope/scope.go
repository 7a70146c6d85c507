// Package scope implements an explicit tree of cancellation signals.
//
// A Scope is created once per process with NewRoot and handed down by
// construction. Child derives a new node; Cancel marks a node and every
// descendant. Cancelled children detach from their parent so long-lived roots
// don't accumulate orphaned generations.
//
// Scope implements context.Context so blocking calls can observe it directly.
package scope

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrCancelled is returned by Err after Cancel. It matches context.Canceled.
var ErrCancelled = fmt.Errorf("scope cancelled: %w", context.Canceled)

type Scope struct {
	name   string
	parent *Scope

	mu       sync.Mutex
	children map[*Scope]struct{}
	done     chan struct{}
	err      error
}

var _ context.Context = (*Scope)(nil)

// NewRoot returns a process-lifetime scope with no parent.
func NewRoot(name string) *Scope {
	return &Scope{name: name, done: make(chan struct{})}
}

// Child derives a scope that is cancelled when s is cancelled.
// If s is already cancelled the child is returned cancelled.
func (s *Scope) Child(name string) *Scope {
	c := &Scope{name: name, parent: s, done: make(chan struct{})}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		c.cancel(false)
		return c
	}
	if s.children == nil {
		s.children = map[*Scope]struct{}{}
	}
	s.children[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// Cancel cancels s and all of its descendants. It is idempotent and never blocks
// on anything observing the scope.
func (s *Scope) Cancel() { s.cancel(true) }

func (s *Scope) cancel(detach bool) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = ErrCancelled
	children := s.children
	s.children = nil
	close(s.done)
	s.mu.Unlock()

	for c := range children {
		c.cancel(false)
	}
	if detach && s.parent != nil {
		s.parent.mu.Lock()
		delete(s.parent.children, s)
		s.parent.mu.Unlock()
	}
}

func (s *Scope) Name() string { return s.name }

// Cancelled reports whether Cancel has reached this scope.
func (s *Scope) Cancelled() bool { return s.Err() != nil }

// Children returns the number of live direct children.
func (s *Scope) Children() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

func (s *Scope) Done() <-chan struct{} { return s.done }

func (s *Scope) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Scope) Deadline() (time.Time, bool) { return time.Time{}, false }

func (s *Scope) Value(any) any { return nil }

func (s *Scope) String() string {
	if s.parent == nil {
		return s.name
	}
	return s.parent.String() + "/" + s.name
}
