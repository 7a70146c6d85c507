package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ZoneKind selects how a Timezone resolves to a *time.Location.
type ZoneKind uint8

const (
	ZoneUTC ZoneKind = iota
	ZoneFixed
	ZoneNamed
	ZoneLocal
)

// Timezone is a runtime timezone value fixed per Worker. The zero value is UTC.
type Timezone struct {
	Kind ZoneKind
	// Offset in seconds east of UTC, for ZoneFixed.
	Offset int
	// IANA name, for ZoneNamed.
	Name string
}

var (
	UTC   = Timezone{Kind: ZoneUTC}
	Local = Timezone{Kind: ZoneLocal}
)

func FixedZone(offsetSeconds int) Timezone {
	return Timezone{Kind: ZoneFixed, Offset: offsetSeconds}
}

// NamedZone validates name against the tz database.
func NamedZone(name string) (Timezone, error) {
	if _, err := loadZone(name); err != nil {
		return Timezone{}, err
	}
	return Timezone{Kind: ZoneNamed, Name: name}, nil
}

// ParseTimezone accepts "", "UTC", "Z", "Local", "+02:00", "-0530" or an IANA name.
func ParseTimezone(s string) (Timezone, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "UTC", "Z":
		return UTC, nil
	case "LOCAL":
		return Local, nil
	}
	if s[0] == '+' || s[0] == '-' {
		off, err := parseOffset(s)
		if err != nil {
			return Timezone{}, err
		}
		return FixedZone(off), nil
	}
	return NamedZone(s)
}

func parseOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := strings.ReplaceAll(s[1:], ":", "")
	if len(body) != 2 && len(body) != 4 {
		return 0, fmt.Errorf("invalid utc offset %q", s)
	}
	h, err := strconv.Atoi(body[:2])
	if err != nil {
		return 0, fmt.Errorf("invalid utc offset %q", s)
	}
	m := 0
	if len(body) == 4 {
		if m, err = strconv.Atoi(body[2:]); err != nil {
			return 0, fmt.Errorf("invalid utc offset %q", s)
		}
	}
	if h > 14 || m > 59 {
		return 0, fmt.Errorf("utc offset %q out of range", s)
	}
	return sign * (h*3600 + m*60), nil
}

// Location resolves the timezone. A named zone that no longer loads falls back to UTC.
func (tz Timezone) Location() *time.Location {
	switch tz.Kind {
	case ZoneFixed:
		return time.FixedZone(tz.String(), tz.Offset)
	case ZoneNamed:
		if loc, err := loadZone(tz.Name); err == nil {
			return loc
		}
	case ZoneLocal:
		return time.Local
	}
	return time.UTC
}

func (tz Timezone) String() string {
	switch tz.Kind {
	case ZoneFixed:
		sign, off := '+', tz.Offset
		if off < 0 {
			sign, off = '-', -off
		}
		return fmt.Sprintf("%c%02d:%02d", sign, off/3600, off%3600/60)
	case ZoneNamed:
		return tz.Name
	case ZoneLocal:
		return "Local"
	}
	return "UTC"
}

var zoneCache sync.Map // name -> *time.Location

func loadZone(name string) (*time.Location, error) {
	if v, ok := zoneCache.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	zoneCache.Store(name, loc)
	return loc, nil
}
