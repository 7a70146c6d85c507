package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"podcastd/internal/errs"
	"podcastd/pkg/logx"
)

type BreakerConfig struct {
	Enabled bool
	// MaxFailures consecutive failures open the breaker. 0 means 5.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing. 0 means 30s.
	OpenTimeout time.Duration
}

// breakerStore fails fast with a StoreError while the backend keeps failing,
// so a rebuild against a dead store returns promptly instead of hanging on
// every read. Context cancellation does not count as a backend failure.
type breakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps st in a circuit breaker.
func WithBreaker(st Store, cfg BreakerConfig, log logx.Logger) Store {
	maxFail := cfg.MaxFailures
	if maxFail == 0 {
		maxFail = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFail
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("store breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	return &breakerStore{Store: st, cb: cb}
}

func (b *breakerStore) run(op, key string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errs.Store(op, key, err)
	}
	return v, err
}

type getResult struct {
	value []byte
	ok    bool
}

func (b *breakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.run("get", key, func() (any, error) {
		val, ok, err := b.Store.Get(ctx, key)
		return getResult{val, ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(getResult)
	return r.value, r.ok, nil
}

func (b *breakerStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	v, err := b.run("scan", prefix, func() (any, error) {
		return b.Store.Scan(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (b *breakerStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	v, err := b.run("watch", prefix, func() (any, error) {
		return b.Store.Watch(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.(<-chan Event), nil
}

func (b *breakerStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.run("put", key, func() (any, error) {
		return nil, b.Store.Put(ctx, key, value)
	})
	return err
}

func (b *breakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.run("delete", key, func() (any, error) {
		return nil, b.Store.Delete(ctx, key)
	})
	return err
}

// State reports the breaker state ("closed", "half-open", "open").
func (b *breakerStore) State() string { return b.cb.State().String() }
