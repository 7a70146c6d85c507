package schedule

import (
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour, Minute, Second int
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("time of day %02d:%02d:%02d out of range", t.Hour, t.Minute, t.Second)
	}
	return nil
}

func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 + t.Second }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// ParseTimeOfDay accepts HH:MM, HH:MM:SS and HH:MM:SS.fff (fraction dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if tt, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: tt.Hour(), Minute: tt.Minute(), Second: tt.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM or HH:MM:SS)", s)
}

// AdjustmentKind tags the Adjustment variant.
type AdjustmentKind uint8

const (
	AdjustAt AdjustmentKind = iota + 1
	AdjustPlus
	AdjustAndEvery
	AdjustCount
	AdjustRepeatingEvery
)

func (k AdjustmentKind) String() string {
	switch k {
	case AdjustAt:
		return "At"
	case AdjustPlus:
		return "Plus"
	case AdjustAndEvery:
		return "AndEvery"
	case AdjustCount:
		return "Count"
	case AdjustRepeatingEvery:
		return "RepeatingEvery"
	}
	return fmt.Sprintf("AdjustmentKind(%d)", k)
}

// Adjustment refines a base Interval. Only the fields of its Kind are set.
type Adjustment struct {
	Kind     AdjustmentKind
	Time     TimeOfDay // At
	Interval Interval  // Plus, AndEvery, RepeatingEvery
	N        uint32    // Count, RepeatingEvery
}

func At(t TimeOfDay) Adjustment      { return Adjustment{Kind: AdjustAt, Time: t} }
func Plus(i Interval) Adjustment     { return Adjustment{Kind: AdjustPlus, Interval: i} }
func AndEvery(i Interval) Adjustment { return Adjustment{Kind: AdjustAndEvery, Interval: i} }
func Count(n uint32) Adjustment      { return Adjustment{Kind: AdjustCount, N: n} }
func RepeatingEvery(i Interval, n uint32) Adjustment {
	return Adjustment{Kind: AdjustRepeatingEvery, Interval: i, N: n}
}

// AtClock is shorthand for At(TimeOfDay{h, m, s}).
func AtClock(h, m, s int) Adjustment { return At(TimeOfDay{Hour: h, Minute: m, Second: s}) }

func (a Adjustment) String() string {
	switch a.Kind {
	case AdjustAt:
		return "at " + a.Time.String()
	case AdjustPlus:
		return "plus " + a.Interval.String()
	case AdjustAndEvery:
		return "and every " + a.Interval.String()
	case AdjustCount:
		return fmt.Sprintf("count %d", a.N)
	case AdjustRepeatingEvery:
		return fmt.Sprintf("repeating every %s x%d", a.Interval, a.N)
	}
	return a.Kind.String()
}

// Expression is a declarative recurrence: a base interval refined by
// adjustments applied in list order. Nil and empty Adjustments are equivalent.
type Expression struct {
	Base        Interval
	Adjustments []Adjustment
}

// Every starts an expression on the given base interval.
func Every(base Interval, adj ...Adjustment) Expression {
	return Expression{Base: base, Adjustments: adj}
}

func (e Expression) String() string {
	var b strings.Builder
	b.WriteString("every ")
	b.WriteString(e.Base.String())
	for _, a := range e.Adjustments {
		b.WriteString("; ")
		b.WriteString(a.String())
	}
	return b.String()
}

// Validate reports the first ConfigError in e without compiling it.
func (e Expression) Validate() error {
	_, err := newPlan(e)
	return err
}

func adjField(i int) string { return fmt.Sprintf("adjustment[%d]", i) }
