package schedule

import (
	"context"
	"errors"
	"time"
)

// ErrNoAction is returned when a job is registered without an Action.
var ErrNoAction = errors.New("schedule: job has no action")

// Action is the work bound to a Job. Errors are logged by the scheduler.
type Action func(ctx context.Context) error

// Job is a compiled Expression registered on a Scheduler.
//
// Named and Do are meant to be called by the builder right after Compile,
// before the scheduler is advanced.
type Job struct {
	name   string
	expr   Expression
	plan   plan
	loc    *time.Location
	action Action
	cur    cursor
}

func (j *Job) Named(name string) *Job {
	j.name = name
	return j
}

func (j *Job) Do(a Action) *Job {
	j.action = a
	return j
}

func (j *Job) Name() string           { return j.name }
func (j *Job) Expression() Expression { return j.expr }

// JobInfo is a point-in-time view of a Job.
type JobInfo struct {
	Name    string
	Expr    string
	Next    time.Time
	Runs    uint32
	Dormant bool
}

func (j *Job) info() JobInfo {
	return JobInfo{
		Name:    j.name,
		Expr:    j.expr.String(),
		Next:    j.cur.next,
		Runs:    j.cur.runs,
		Dormant: j.cur.next.IsZero(),
	}
}

func (j *Job) due(now time.Time) bool {
	return !j.cur.next.IsZero() && !now.Before(j.cur.next)
}

// Compile validates expr and registers the resulting job on s. On error
// nothing is registered.
func Compile(expr Expression, s *Scheduler) (*Job, error) {
	p, err := newPlan(expr)
	if err != nil {
		return nil, err
	}
	j := &Job{expr: expr, plan: p, loc: s.loc}
	p.start(&j.cur, s.clock.Now(), s.loc)
	s.register(j)
	return j, nil
}

// Preview returns up to n fire times of expr after from, in tz, without
// registering anything. Sub-fires and Count are included.
func Preview(expr Expression, tz Timezone, from time.Time, n int) ([]time.Time, error) {
	p, err := newPlan(expr)
	if err != nil {
		return nil, err
	}
	loc := tz.Location()
	var c cursor
	p.start(&c, from, loc)
	out := make([]time.Time, 0, n)
	for len(out) < n && !c.next.IsZero() {
		at := c.next
		out = append(out, at.In(loc))
		p.fired(&c, at, loc)
	}
	return out, nil
}
