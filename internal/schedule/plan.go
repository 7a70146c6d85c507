package schedule

import (
	"time"

	"podcastd/internal/errs"
)

// runConfig is one independent firing condition of a job.
type runConfig struct {
	base    Interval
	hasAt   bool
	at      TimeOfDay
	offsets []Interval
}

func (rc runConfig) shift() time.Duration {
	var sum time.Duration
	for _, o := range rc.offsets {
		d, _ := o.Duration()
		sum += d
	}
	return sum
}

func (rc runConfig) next(from time.Time, loc *time.Location) time.Time {
	if rc.hasAt {
		return rc.nextAt(from.In(loc), loc)
	}
	off := rc.shift()
	return rc.base.next(from.Add(-off), loc).Add(off)
}

// nextAt handles At(t). Day-or-longer bases fire at t on each selected day.
// Sub-day bases restart their cycle at t every day.
func (rc runConfig) nextAt(from time.Time, loc *time.Location) time.Time {
	at := rc.at.seconds()
	if rc.base.subDay() {
		p, _ := rc.base.Duration()
		period := int(p / time.Second)
		y, m, d := from.Date()
		sfm := secondsFromMidnight(from)
		if sfm < at {
			return time.Date(y, m, d, 0, 0, at, 0, loc)
		}
		c := at + ((sfm-at)/period+1)*period
		if c < 86400 {
			return time.Date(y, m, d, 0, 0, c, 0, loc)
		}
		return time.Date(y, m, d+1, 0, 0, at, 0, loc)
	}
	day := rc.base.next(from.Add(-time.Duration(at)*time.Second), loc)
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, at, 0, loc)
}

type repeatRule struct {
	every time.Duration
	times uint32
}

// plan is the result of folding an Expression's adjustments into run configs
// and job-level limits.
type plan struct {
	runs   []runConfig
	limit  uint32
	repeat *repeatRule
}

func newPlan(e Expression) (plan, error) {
	if err := e.Base.Validate(); err != nil {
		return plan{}, errs.Config("base", err)
	}
	p := plan{runs: []runConfig{{base: e.Base}}}
	for i, a := range e.Adjustments {
		f := adjField(i)
		last := &p.runs[len(p.runs)-1]
		switch a.Kind {
		case AdjustAt:
			if err := a.Time.Validate(); err != nil {
				return plan{}, errs.Config(f, err)
			}
			if last.base.Unit == UnitCron {
				return plan{}, errs.Configf(f, "at cannot refine a cron interval")
			}
			last.hasAt, last.at, last.offsets = true, a.Time, nil
		case AdjustPlus:
			if err := a.Interval.Validate(); err != nil {
				return plan{}, errs.Config(f, err)
			}
			if _, ok := a.Interval.Duration(); !ok {
				return plan{}, errs.Configf(f, "plus needs a fixed-length interval, got %s", a.Interval)
			}
			last.hasAt = false
			last.offsets = append(last.offsets, a.Interval)
		case AdjustAndEvery:
			if err := a.Interval.Validate(); err != nil {
				return plan{}, errs.Config(f, err)
			}
			p.runs = append(p.runs, runConfig{base: a.Interval})
		case AdjustCount:
			if a.N == 0 {
				return plan{}, errs.Configf(f, "count must be >= 1")
			}
			p.limit = a.N
		case AdjustRepeatingEvery:
			if err := a.Interval.Validate(); err != nil {
				return plan{}, errs.Config(f, err)
			}
			d, ok := a.Interval.Duration()
			if !ok {
				return plan{}, errs.Configf(f, "repeating every needs a fixed-length interval, got %s", a.Interval)
			}
			if a.N == 0 {
				return plan{}, errs.Configf(f, "repeat times must be >= 1")
			}
			p.repeat = &repeatRule{every: d, times: a.N}
		default:
			return plan{}, errs.Configf(f, "unknown adjustment kind %d", a.Kind)
		}
	}
	return p, nil
}

// next returns the earliest regular fire time strictly after from.
func (p plan) next(from time.Time, loc *time.Location) time.Time {
	var best time.Time
	for _, rc := range p.runs {
		t := rc.next(from, loc)
		if t.IsZero() {
			continue
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best
}

// cursor is the per-job firing state derived from a plan.
type cursor struct {
	next        time.Time
	nextRegular time.Time
	anchor      time.Time
	sub         uint32
	runs        uint32
}

func (p plan) exhausted(c *cursor) bool { return p.limit > 0 && c.runs >= p.limit }

func (p plan) start(c *cursor, from time.Time, loc *time.Location) {
	c.nextRegular = p.next(from, loc)
	c.next = c.nextRegular
}

// fired records a firing at now and recomputes the next fire time from the
// definition. A firing at or after the regular time counts as regular and
// drops any pending sub-fires of the previous cycle.
func (p plan) fired(c *cursor, now time.Time, loc *time.Location) {
	regular := !now.Before(c.nextRegular)
	c.runs++
	if p.exhausted(c) {
		c.next = time.Time{}
		return
	}
	if regular {
		c.nextRegular = p.next(now, loc)
		c.anchor = now
		c.sub = 1
	} else {
		c.sub++
	}
	c.next = c.nextRegular
	r := p.repeat
	if r == nil || c.anchor.IsZero() {
		return
	}
	for k := c.sub; k <= r.times; k++ {
		t := c.anchor.Add(time.Duration(k) * r.every)
		if !t.After(now) {
			continue
		}
		if t.Before(c.nextRegular) {
			c.next, c.sub = t, k
		}
		break
	}
}
