package schedule

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reHHMM  = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reCount = regexp.MustCompile(`^(\d+)\s*([a-zA-Z]+)$`)
)

var unitSuffixes = map[string]Unit{
	"s": UnitSeconds, "sec": UnitSeconds, "secs": UnitSeconds, "second": UnitSeconds, "seconds": UnitSeconds,
	"m": UnitMinutes, "min": UnitMinutes, "mins": UnitMinutes, "minute": UnitMinutes, "minutes": UnitMinutes,
	"h": UnitHours, "hr": UnitHours, "hour": UnitHours, "hours": UnitHours,
	"d": UnitDays, "day": UnitDays, "days": UnitDays,
	"w": UnitWeeks, "week": UnitWeeks, "weeks": UnitWeeks,
}

// ParseInterval parses the interval text form.
//
// Supported forms:
//   - Counted: "30s", "5m", "2h", "1d", "2w", "10 minutes"
//   - Day names: "monday" .. "sunday", "weekday"
//   - Cron: "cron:0 */6 * * *", or anything with whitespace or a leading '@'
//   - HH:MM: "01:30" (every 90 minutes)
//   - Go duration: "90s", "1h30m" (kept in the largest exact unit)
func ParseInterval(raw string) (Interval, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Interval{}, fmt.Errorf("interval required")
	}
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Interval{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Cron(expr), nil
	}

	if u, ok := unitByName(strings.TrimSuffix(low, "s")); ok && !u.counted() && u != UnitCron {
		return Interval{Unit: u}, nil
	}

	if m := reCount.FindStringSubmatch(low); m != nil {
		u, ok := unitSuffixes[m[2]]
		if !ok {
			return Interval{}, fmt.Errorf("invalid interval %q: unknown unit %q", raw, m[2])
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil || n == 0 {
			return Interval{}, fmt.Errorf("invalid interval %q: multiplier must be >= 1", raw)
		}
		return Interval{Unit: u, N: uint32(n)}, nil
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Cron(s), nil
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Interval{}, fmt.Errorf("invalid minutes in %q", raw)
		}
		if total := hh*60 + mm; total > 0 {
			return Minutes(uint32(total)), nil
		}
		return Interval{}, fmt.Errorf("interval must be > 0")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return fromDuration(d)
	}

	return Interval{}, fmt.Errorf(
		"invalid interval %q (use '5m', 'monday', 'weekday', HH:MM like '02:30', or cron like 'cron:*/5 * * * *')",
		raw,
	)
}

func fromDuration(d time.Duration) (Interval, error) {
	if d < time.Second || d%time.Second != 0 {
		return Interval{}, fmt.Errorf("interval must be a positive whole number of seconds, got %s", d)
	}
	switch {
	case d%(24*time.Hour) == 0:
		return Days(uint32(d / (24 * time.Hour))), nil
	case d%time.Hour == 0:
		return Hours(uint32(d / time.Hour)), nil
	case d%time.Minute == 0:
		return Minutes(uint32(d / time.Minute)), nil
	}
	return Seconds(uint32(d / time.Second)), nil
}

// ParseExpression parses either the JSON wire form or the text form
// produced by Expression.String, e.g.
//
//	every 5m; at 08:00:00; plus 30s; and every monday; count 3; repeating every 1m x2
func ParseExpression(raw string) (Expression, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "{") {
		var e Expression
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return Expression{}, err
		}
		return e, nil
	}
	parts := strings.Split(s, ";")
	head := strings.TrimSpace(parts[0])
	if len(head) > 6 && strings.EqualFold(head[:6], "every ") {
		head = head[6:]
	}
	base, err := ParseInterval(head)
	if err != nil {
		return Expression{}, err
	}
	e := Expression{Base: base}
	for _, p := range parts[1:] {
		a, err := parseAdjustment(strings.TrimSpace(p))
		if err != nil {
			return Expression{}, err
		}
		e.Adjustments = append(e.Adjustments, a)
	}
	return e, nil
}

func parseAdjustment(s string) (Adjustment, error) {
	low := strings.ToLower(s)
	cut := func(prefix string) (string, bool) {
		if strings.HasPrefix(low, prefix) {
			return strings.TrimSpace(s[len(prefix):]), true
		}
		return "", false
	}
	if v, ok := cut("at "); ok {
		t, err := ParseTimeOfDay(v)
		if err != nil {
			return Adjustment{}, err
		}
		return At(t), nil
	}
	if v, ok := cut("plus "); ok {
		i, err := ParseInterval(v)
		return Plus(i), err
	}
	if v, ok := cut("and every "); ok {
		i, err := ParseInterval(v)
		return AndEvery(i), err
	}
	if v, ok := cut("count "); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Adjustment{}, fmt.Errorf("invalid count %q", v)
		}
		return Count(uint32(n)), nil
	}
	if v, ok := cut("repeating every "); ok {
		idx := strings.LastIndex(v, " x")
		if idx < 0 {
			return Adjustment{}, fmt.Errorf("invalid repeat %q (use 'repeating every 1m x2')", s)
		}
		i, err := ParseInterval(v[:idx])
		if err != nil {
			return Adjustment{}, err
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v[idx+2:]), 10, 32)
		if err != nil {
			return Adjustment{}, fmt.Errorf("invalid repeat times in %q", s)
		}
		return RepeatingEvery(i, uint32(n)), nil
	}
	return Adjustment{}, fmt.Errorf("unknown adjustment %q", s)
}
