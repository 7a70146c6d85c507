package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Unit is the recurrence unit of an Interval.
type Unit uint8

const (
	UnitSeconds Unit = iota + 1
	UnitMinutes
	UnitHours
	UnitDays
	UnitWeeks
	UnitMonday
	UnitTuesday
	UnitWednesday
	UnitThursday
	UnitFriday
	UnitSaturday
	UnitSunday
	UnitWeekday
	UnitCron
)

var unitNames = map[Unit]string{
	UnitSeconds:   "Seconds",
	UnitMinutes:   "Minutes",
	UnitHours:     "Hours",
	UnitDays:      "Days",
	UnitWeeks:     "Weeks",
	UnitMonday:    "Monday",
	UnitTuesday:   "Tuesday",
	UnitWednesday: "Wednesday",
	UnitThursday:  "Thursday",
	UnitFriday:    "Friday",
	UnitSaturday:  "Saturday",
	UnitSunday:    "Sunday",
	UnitWeekday:   "Weekday",
	UnitCron:      "Cron",
}

func (u Unit) String() string {
	if n, ok := unitNames[u]; ok {
		return n
	}
	return "Unit(" + strconv.Itoa(int(u)) + ")"
}

func unitByName(name string) (Unit, bool) {
	for u, n := range unitNames {
		if strings.EqualFold(n, name) {
			return u, true
		}
	}
	return 0, false
}

// counted reports whether the unit carries a multiplier.
func (u Unit) counted() bool { return u >= UnitSeconds && u <= UnitWeeks }

func (u Unit) weekday() (time.Weekday, bool) {
	switch u {
	case UnitMonday:
		return time.Monday, true
	case UnitTuesday:
		return time.Tuesday, true
	case UnitWednesday:
		return time.Wednesday, true
	case UnitThursday:
		return time.Thursday, true
	case UnitFriday:
		return time.Friday, true
	case UnitSaturday:
		return time.Saturday, true
	case UnitSunday:
		return time.Sunday, true
	}
	return 0, false
}

// Interval is a recurrence unit with an optional multiplier. It is a
// comparable value type.
type Interval struct {
	Unit Unit
	N    uint32
	// Expr holds the cron expression for UnitCron.
	Expr string
}

func Seconds(n uint32) Interval { return Interval{Unit: UnitSeconds, N: n} }
func Minutes(n uint32) Interval { return Interval{Unit: UnitMinutes, N: n} }
func Hours(n uint32) Interval   { return Interval{Unit: UnitHours, N: n} }
func Days(n uint32) Interval    { return Interval{Unit: UnitDays, N: n} }
func Weeks(n uint32) Interval   { return Interval{Unit: UnitWeeks, N: n} }
func Cron(expr string) Interval { return Interval{Unit: UnitCron, Expr: strings.TrimSpace(expr)} }

var (
	Monday    = Interval{Unit: UnitMonday}
	Tuesday   = Interval{Unit: UnitTuesday}
	Wednesday = Interval{Unit: UnitWednesday}
	Thursday  = Interval{Unit: UnitThursday}
	Friday    = Interval{Unit: UnitFriday}
	Saturday  = Interval{Unit: UnitSaturday}
	Sunday    = Interval{Unit: UnitSunday}
	Weekday   = Interval{Unit: UnitWeekday}
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the multiplier and, for cron intervals, the expression.
func (i Interval) Validate() error {
	switch {
	case i.Unit.counted():
		if i.N == 0 {
			return fmt.Errorf("%s multiplier must be >= 1", i.Unit)
		}
	case i.Unit == UnitCron:
		if i.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cronParser.Parse(i.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", i.Expr, err)
		}
	case i.Unit == UnitWeekday:
	default:
		if _, ok := i.Unit.weekday(); !ok {
			return fmt.Errorf("unknown interval unit %d", i.Unit)
		}
	}
	return nil
}

// subDay reports whether the interval repeats within a day.
func (i Interval) subDay() bool {
	return i.Unit == UnitSeconds || i.Unit == UnitMinutes || i.Unit == UnitHours
}

// Duration returns the fixed length of counted intervals; ok is false for
// weekday and cron intervals.
func (i Interval) Duration() (time.Duration, bool) {
	n := time.Duration(i.N)
	switch i.Unit {
	case UnitSeconds:
		return n * time.Second, true
	case UnitMinutes:
		return n * time.Minute, true
	case UnitHours:
		return n * time.Hour, true
	case UnitDays:
		return n * 24 * time.Hour, true
	case UnitWeeks:
		return n * 7 * 24 * time.Hour, true
	}
	return 0, false
}

// String renders the interval in the text form accepted by ParseInterval.
func (i Interval) String() string {
	switch i.Unit {
	case UnitSeconds:
		return fmt.Sprintf("%ds", i.N)
	case UnitMinutes:
		return fmt.Sprintf("%dm", i.N)
	case UnitHours:
		return fmt.Sprintf("%dh", i.N)
	case UnitDays:
		return fmt.Sprintf("%dd", i.N)
	case UnitWeeks:
		return fmt.Sprintf("%dw", i.N)
	case UnitCron:
		return "cron:" + i.Expr
	}
	return strings.ToLower(i.Unit.String())
}

// next returns the first cycle boundary strictly after from, in loc.
func (i Interval) next(from time.Time, loc *time.Location) time.Time {
	from = from.In(loc)
	y, mo, d := from.Date()
	switch i.Unit {
	case UnitSeconds, UnitMinutes, UnitHours:
		// Counted from the Unix epoch so periods that don't divide a day stay
		// evenly spaced across midnight.
		p, _ := i.Duration()
		s := int64(p / time.Second)
		u := from.Unix()
		return time.Unix(u-u%s+s, 0).In(loc)
	case UnitDays:
		mod := int(civilDays(from) % int64(i.N))
		return time.Date(y, mo, d+int(i.N)-mod, 0, 0, 0, 0, loc)
	case UnitWeeks:
		days := civilDays(from)
		// 1970-01-01 was a Thursday; shift so week numbers start on Monday.
		week := (days + 3) / 7
		mod := int(week % int64(i.N))
		dow := (int(from.Weekday()) + 6) % 7
		return time.Date(y, mo, d-dow+7*(int(i.N)-mod), 0, 0, 0, 0, loc)
	case UnitWeekday:
		for k := 1; k <= 7; k++ {
			c := time.Date(y, mo, d+k, 0, 0, 0, 0, loc)
			if wd := c.Weekday(); wd != time.Saturday && wd != time.Sunday {
				return c
			}
		}
	case UnitCron:
		sched, err := cronParser.Parse(i.Expr)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(from)
	}
	if wd, ok := i.Unit.weekday(); ok {
		ahead := (int(wd) - int(from.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return time.Date(y, mo, d+ahead, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}

func secondsFromMidnight(t time.Time) int {
	h, m, s := t.Clock()
	return h*3600 + m*60 + s
}

// civilDays counts calendar days from 1970-01-01 to t's wall-clock date.
func civilDays(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}
