package store

import (
	"context"
	"sort"
	"sync"

	"podcastd/internal/errs"
	"podcastd/internal/eventbus"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
	bus    eventbus.Bus
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}, bus: eventbus.New()}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, errs.Store("get", key, ErrClosed)
	}
	v, ok := m.data[key]
	return clone(v), ok, nil
}

func (m *Memory) Scan(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errs.Store("scan", prefix, ErrClosed)
	}
	var out []Entry
	for k, v := range m.data {
		if hasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errs.Store("watch", prefix, ErrClosed)
	}
	return m.bus.Subscribe(ctx, prefix), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.Store("put", key, ErrClosed)
	}
	m.data[key] = clone(value)
	m.mu.Unlock()
	m.bus.Publish(Event{Op: OpPut, Key: key})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.Store("delete", key, ErrClosed)
	}
	_, ok := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()
	if ok {
		m.bus.Publish(Event{Op: OpDelete, Key: key})
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.bus.Close()
	}
	return nil
}
