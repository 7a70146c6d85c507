package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Op names the kind of change an Event reports.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Event is a change notification for one key.
//
// Contract:
//   - Publish never blocks and never drops: each subscription queues events
//     until its consumer reads them.
//   - A subscription ends (its channel closes) when its context ends or the
//     bus is closed.
type Event struct {
	Op   Op
	Key  string
	Time time.Time
}

type Bus interface {
	Publish(e Event)
	Subscribe(ctx context.Context, prefix string) <-chan Event
	Subscribers() int
	Close()
}

// New returns an in-memory fanout bus. Each subscription owns one pump
// goroutine that exits with the subscription.
func New() Bus {
	return &memBus{subs: map[*sub]struct{}{}, done: make(chan struct{})}
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[*sub]struct{}
	closed bool
	done   chan struct{}
}

type sub struct {
	prefix string
	out    chan Event

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !strings.HasPrefix(e.Key, s.prefix) {
			continue
		}
		s.mu.Lock()
		s.queue = append(s.queue, e)
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (b *memBus) Subscribe(ctx context.Context, prefix string) <-chan Event {
	s := &sub{prefix: prefix, out: make(chan Event), notify: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go b.pump(ctx, s)
	return s.out
}

func (b *memBus) pump(ctx context.Context, s *sub) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.out)
	}()
	for {
		s.mu.Lock()
		var (
			next Event
			ok   bool
		)
		if len(s.queue) > 0 {
			next, ok = s.queue[0], true
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-s.notify:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case s.out <- next:
		}
	}
}

func (b *memBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Publish after Close is a no-op.
func (b *memBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
