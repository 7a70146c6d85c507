package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// The JSON encoding uses externally tagged variants:
//
//	{"Minutes": 5}  "Monday"  {"Cron": "0 */6 * * *"}
//	{"At": "08:00:00"}  {"Plus": {"Seconds": 30}}  {"Count": 3}
//	{"RepeatingEvery": [{"Minutes": 1}, 2]}
//	{"base": {"Minutes": 5}, "adjustment": [{"At": "08:00:00"}]}

func (i Interval) MarshalJSON() ([]byte, error) {
	switch {
	case i.Unit.counted():
		return json.Marshal(map[string]uint32{i.Unit.String(): i.N})
	case i.Unit == UnitCron:
		return json.Marshal(map[string]string{"Cron": i.Expr})
	case i.Unit == UnitWeekday:
		return json.Marshal(i.Unit.String())
	}
	if _, ok := i.Unit.weekday(); ok {
		return json.Marshal(i.Unit.String())
	}
	return nil, fmt.Errorf("interval: cannot encode unit %d", i.Unit)
}

func (i *Interval) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		u, ok := unitByName(name)
		if !ok || u.counted() || u == UnitCron {
			return fmt.Errorf("interval: %q needs a value", name)
		}
		*i = Interval{Unit: u}
		return nil
	}
	key, raw, err := singleVariant(b)
	if err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	u, ok := unitByName(key)
	if !ok {
		return fmt.Errorf("interval: unknown unit %q", key)
	}
	switch {
	case u == UnitCron:
		var expr string
		if err := json.Unmarshal(raw, &expr); err != nil {
			return fmt.Errorf("interval: Cron: %w", err)
		}
		*i = Cron(expr)
	case u.counted():
		var n uint32
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("interval: %s: %w", key, err)
		}
		*i = Interval{Unit: u, N: n}
	default:
		*i = Interval{Unit: u}
	}
	return nil
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day: %w", err)
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (a Adjustment) MarshalJSON() ([]byte, error) {
	var v any
	switch a.Kind {
	case AdjustAt:
		v = a.Time
	case AdjustPlus, AdjustAndEvery:
		v = a.Interval
	case AdjustCount:
		v = a.N
	case AdjustRepeatingEvery:
		v = []any{a.Interval, a.N}
	default:
		return nil, fmt.Errorf("adjustment: cannot encode kind %d", a.Kind)
	}
	return json.Marshal(map[string]any{a.Kind.String(): v})
}

func (a *Adjustment) UnmarshalJSON(b []byte) error {
	key, raw, err := singleVariant(b)
	if err != nil {
		return fmt.Errorf("adjustment: %w", err)
	}
	var out Adjustment
	switch key {
	case "At":
		out.Kind = AdjustAt
		err = json.Unmarshal(raw, &out.Time)
	case "Plus":
		out.Kind = AdjustPlus
		err = json.Unmarshal(raw, &out.Interval)
	case "AndEvery":
		out.Kind = AdjustAndEvery
		err = json.Unmarshal(raw, &out.Interval)
	case "Count":
		out.Kind = AdjustCount
		err = json.Unmarshal(raw, &out.N)
	case "RepeatingEvery":
		out.Kind = AdjustRepeatingEvery
		var pair []json.RawMessage
		if err = json.Unmarshal(raw, &pair); err == nil {
			if len(pair) != 2 {
				err = errors.New("expected [interval, times]")
			} else if err = json.Unmarshal(pair[0], &out.Interval); err == nil {
				err = json.Unmarshal(pair[1], &out.N)
			}
		}
	default:
		return fmt.Errorf("adjustment: unknown variant %q", key)
	}
	if err != nil {
		return fmt.Errorf("adjustment: %s: %w", key, err)
	}
	*a = out
	return nil
}

type wireExpression struct {
	Base       *Interval    `json:"base"`
	Adjustment []Adjustment `json:"adjustment,omitempty"`
}

func (e Expression) MarshalJSON() ([]byte, error) {
	base := e.Base
	return json.Marshal(wireExpression{Base: &base, Adjustment: e.Adjustments})
}

func (e *Expression) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wireExpression
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if w.Base == nil {
		return errors.New("schedule: base is required")
	}
	*e = Expression{Base: *w.Base, Adjustments: w.Adjustment}
	return nil
}

func singleVariant(b []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return "", nil, err
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	return "", nil, nil
}
