// Package watch turns store change notifications into Worker rebuilds.
//
// Reconciliation is coarse: every notification under the prefix, whatever the
// key or operation, triggers exactly one full ScheduleOrRebuild. Events are
// neither batched nor deduplicated. A failed rebuild leaves the Worker stopped
// until a later notification rebuilds it successfully; there is no retry.
package watch

import (
	"context"
	"errors"
	"sync/atomic"

	"podcastd/internal/store"
	"podcastd/pkg/logx"
)

// ErrStreamClosed is returned by Run when the store ends the stream while the
// watcher's context is still live (typically the store was closed).
var ErrStreamClosed = errors.New("change stream closed")

// Rebuilder is the part of worker.Worker the watcher drives.
type Rebuilder interface {
	Name() string
	ScheduleOrRebuild(ctx context.Context) error
}

type Option func(*Watcher)

func WithLogger(l logx.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// OnRebuild is called after every rebuild attempt with the triggering event
// and the rebuild result.
func OnRebuild(fn func(ev store.Event, err error)) Option {
	return func(w *Watcher) { w.onRebuild = fn }
}

type Watcher struct {
	target Rebuilder
	store  store.Reader
	prefix string
	log    logx.Logger

	onRebuild func(store.Event, error)
	ready     chan struct{}

	rebuilds atomic.Uint64
	failures atomic.Uint64
}

func New(target Rebuilder, st store.Reader, prefix string, opts ...Option) *Watcher {
	w := &Watcher{target: target, store: st, prefix: prefix, ready: make(chan struct{})}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.With(
		logx.String("comp", "watch"),
		logx.String("worker", target.Name()),
		logx.String("prefix", prefix),
	)
	return w
}

// Ready is closed once Run has subscribed; changes after that are seen.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Rebuilds counts rebuild attempts, successful or not.
func (w *Watcher) Rebuilds() uint64 { return w.rebuilds.Load() }

// Failures counts rebuild attempts that returned an error.
func (w *Watcher) Failures() uint64 { return w.failures.Load() }

// Run blocks until ctx ends (returning nil) or the stream breaks. It must be
// called at most once per Watcher.
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.store.Watch(ctx, w.prefix)
	if err != nil {
		return err
	}
	close(w.ready)
	w.log.Debug("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Warn("change stream closed")
				return ErrStreamClosed
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev store.Event) {
	w.rebuilds.Add(1)
	err := w.target.ScheduleOrRebuild(ctx)
	if err != nil {
		w.failures.Add(1)
		w.log.Warn("rebuild after change failed; worker stopped until next change",
			logx.String("key", ev.Key),
			logx.String("op", string(ev.Op)),
			logx.Err(err),
		)
	} else {
		w.log.Debug("rebuilt after change", logx.String("key", ev.Key), logx.String("op", string(ev.Op)))
	}
	if w.onRebuild != nil {
		w.onRebuild(ev, err)
	}
}
