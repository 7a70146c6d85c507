// Package worker owns the lifecycle of one scheduler: build it from the store,
// drive it on a fixed cadence, and throw it away on rebuild or stop.
//
// Each successful ScheduleOrRebuild creates a new generation: a fresh
// schedule.Scheduler, a child scope of the root, and one tick-loop goroutine
// bound to both. Cancelling the child (Stop, the next rebuild, or the root
// going away) ends that loop at its next wait. Actions the loop already fired
// are not interrupted.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"podcastd/internal/runtime/scope"
	"podcastd/internal/runtime/supervisor"
	"podcastd/internal/schedule"
	"podcastd/internal/store"
	"podcastd/pkg/logx"
)

const DefaultCadence = time.Second

type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// SchedulingContext is handed to a Builder. It carries everything a builder
// may touch; builders should not capture a store of their own.
type SchedulingContext struct {
	Scheduler *schedule.Scheduler
	Store     store.Reader
	Log       logx.Logger
	Timezone  schedule.Timezone

	ctx context.Context
}

// Context is the context of the ScheduleOrRebuild call; use it for store reads.
func (sc *SchedulingContext) Context() context.Context {
	if sc.ctx == nil {
		return context.Background()
	}
	return sc.ctx
}

// Add compiles expr onto the fresh scheduler and binds action to it.
func (sc *SchedulingContext) Add(name string, expr schedule.Expression, action schedule.Action) (*schedule.Job, error) {
	if action == nil {
		return nil, fmt.Errorf("%s: %w", name, schedule.ErrNoAction)
	}
	job, err := schedule.Compile(expr, sc.Scheduler)
	if err != nil {
		return nil, err
	}
	return job.Named(name).Do(action), nil
}

// Builder registers jobs on sc.Scheduler. A builder that returns an error
// leaves nothing running: the scheduler it populated is discarded.
type Builder func(sc *SchedulingContext) error

type Option func(*Worker)

// WithCadence sets the tick interval. Non-positive values keep the default.
func WithCadence(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.cadence = d
		}
	}
}

func WithClock(c schedule.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

func WithExecutor(e schedule.Executor) Option {
	return func(w *Worker) { w.exec = e }
}

func WithStore(r store.Reader) Option {
	return func(w *Worker) { w.store = r }
}

func WithLogger(l logx.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithSupervisor runs tick loops as named supervisor goroutines.
func WithSupervisor(s *supervisor.Supervisor) Option {
	return func(w *Worker) { w.sup = s }
}

// Worker is safe for concurrent use. ScheduleOrRebuild and Stop serialize on
// an internal mutex; a slow builder therefore delays a concurrent Stop on the
// same Worker but never touches other Workers.
type Worker struct {
	name    string
	build   Builder
	root    *scope.Scope
	tz      schedule.Timezone
	cadence time.Duration
	clock   schedule.Clock
	exec    schedule.Executor
	store   store.Reader
	log     logx.Logger
	sup     *supervisor.Supervisor

	mu     sync.Mutex
	active *scope.Scope
	sched  *schedule.Scheduler
	gen    uint64

	loops atomic.Int64
	ticks atomic.Uint64
}

// New returns an Idle worker. Every generation's scope is derived from root.
func New(name string, build Builder, root *scope.Scope, tz schedule.Timezone, opts ...Option) *Worker {
	w := &Worker{
		name:    name,
		build:   build,
		root:    root,
		tz:      tz,
		cadence: DefaultCadence,
		clock:   schedule.RealClock{},
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.With(logx.String("comp", "worker"), logx.String("worker", name))
	return w
}

func (w *Worker) Name() string { return w.name }

// ScheduleOrRebuild cancels the running generation (without waiting for its
// loop to exit), builds a fresh scheduler and, if the builder succeeds, starts
// a new tick loop. On builder error the Worker is left Idle and the error is
// returned as is.
func (w *Worker) ScheduleOrRebuild(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active != nil {
		w.active.Cancel()
		w.active, w.sched = nil, nil
	}

	s := schedule.New(w.tz,
		schedule.WithClock(w.clock),
		schedule.WithExecutor(w.exec),
		schedule.WithLogger(w.log.With(logx.Uint64("generation", w.gen+1))),
		schedule.WithContext(w.root),
	)
	sc := &SchedulingContext{Scheduler: s, Store: w.store, Log: w.log, Timezone: w.tz, ctx: ctx}

	start := time.Now()
	if err := w.build(sc); err != nil {
		w.log.Warn("schedule build failed; worker idle", logx.Err(err), logx.Duration("took", time.Since(start)))
		return err
	}

	w.gen++
	child := w.root.Child(fmt.Sprintf("%s#%d", w.name, w.gen))
	w.active, w.sched = child, s
	w.spawn(child, s)

	w.log.Info("schedule built",
		logx.Uint64("generation", w.gen),
		logx.Int("jobs", s.Len()),
		logx.String("tz", w.tz.String()),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// Stop cancels the running generation. It is a no-op on an Idle Worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return
	}
	w.active.Cancel()
	w.active, w.sched = nil, nil
	w.log.Info("worker stopped", logx.Uint64("generation", w.gen))
}

// State is Running while a generation is active and its scope is live.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil && !w.active.Cancelled() {
		return Running
	}
	return Idle
}

// Generation counts successful builds.
func (w *Worker) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

// Scope returns the active generation's scope, or nil when Idle.
func (w *Worker) Scope() *scope.Scope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Jobs snapshots the active generation's jobs.
func (w *Worker) Jobs() []schedule.JobInfo {
	w.mu.Lock()
	s := w.sched
	w.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Jobs()
}

// Loops is the number of tick loops that have not yet exited. Loops of
// cancelled generations count until they observe the cancellation.
func (w *Worker) Loops() int { return int(w.loops.Load()) }

// Ticks is the total number of Advance calls across generations.
func (w *Worker) Ticks() uint64 { return w.ticks.Load() }

func (w *Worker) spawn(sc *scope.Scope, s *schedule.Scheduler) {
	w.loops.Add(1)
	run := func(context.Context) error {
		defer w.loops.Add(-1)
		w.tickLoop(sc, s)
		return nil
	}
	if w.sup != nil {
		w.sup.GoScoped(sc, "worker."+sc.Name(), run)
		return
	}
	go func() { _ = run(sc) }()
}

func (w *Worker) tickLoop(sc *scope.Scope, s *schedule.Scheduler) {
	log := w.log.With(logx.String("scope", sc.String()))
	log.Debug("tick loop started", logx.Duration("cadence", w.cadence))
	for {
		t := w.clock.NewTimer(w.cadence)
		select {
		case <-sc.Done():
			t.Stop()
			log.Debug("tick loop stopped")
			return
		case <-t.C():
		}
		// The timer and the cancel may become ready together.
		if sc.Cancelled() {
			log.Debug("tick loop stopped")
			return
		}
		if n := s.Advance(); n > 0 {
			log.Trace("tick", logx.Int("fired", n))
		}
		w.ticks.Add(1)
	}
}
