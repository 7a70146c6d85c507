package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"podcastd/pkg/logx"
)

// Executor runs a fired action. It must not block the caller for long.
type Executor func(run func())

// GoExecutor runs every action on its own goroutine.
func GoExecutor(run func()) { go run() }

// InlineExecutor runs actions on the advancing goroutine. Tests only.
func InlineExecutor(run func()) { run() }

// Scheduler holds the jobs of one Worker generation. It has no loop of its
// own; callers drive it with Advance.
type Scheduler struct {
	mu   sync.Mutex
	jobs []*Job

	tz    Timezone
	loc   *time.Location
	clock Clock
	exec  Executor
	ctx   context.Context
	log   logx.Logger
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithExecutor(e Executor) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.exec = e
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithContext sets the context handed to actions.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

func New(tz Timezone, opts ...Option) *Scheduler {
	s := &Scheduler{
		tz:    tz,
		loc:   tz.Location(),
		clock: RealClock{},
		exec:  GoExecutor,
		ctx:   context.Background(),
		log:   logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

func (s *Scheduler) Timezone() Timezone { return s.tz }
func (s *Scheduler) Clock() Clock       { return s.clock }

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) register(j *Job) {
	s.mu.Lock()
	if j.name == "" {
		j.name = fmt.Sprintf("job-%d", len(s.jobs)+1)
	}
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
}

// Jobs returns a snapshot of every registered job in registration order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info())
	}
	return out
}

// Advance fires every due job at the clock's current time.
func (s *Scheduler) Advance() int { return s.AdvanceAt(s.clock.Now()) }

// AdvanceAt fires every job due at now, in registration order, and returns the
// number fired. Next fire times are recomputed from now.
func (s *Scheduler) AdvanceAt(now time.Time) int {
	type firing struct {
		name   string
		run    uint32
		action Action
	}
	var due []firing

	s.mu.Lock()
	for _, j := range s.jobs {
		if !j.due(now) {
			continue
		}
		j.plan.fired(&j.cur, now, j.loc)
		due = append(due, firing{name: j.name, run: j.cur.runs, action: j.action})
	}
	s.mu.Unlock()

	for _, f := range due {
		if f.action == nil {
			s.log.Debug("job fired without action", logx.String("job", f.name))
			continue
		}
		s.dispatch(f.name, f.run, f.action)
	}
	return len(due)
}

func (s *Scheduler) dispatch(name string, run uint32, action Action) {
	log := s.log.With(
		logx.String("job", name),
		logx.String("run_id", uuid.NewString()),
		logx.Uint64("run", uint64(run)),
	)
	s.exec(func() {
		start := s.clock.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		if err := action(s.ctx); err != nil {
			log.Warn("job failed", logx.Err(err), logx.Duration("took", s.clock.Now().Sub(start)))
			return
		}
		log.Debug("job done", logx.Duration("took", s.clock.Now().Sub(start)))
	})
}
