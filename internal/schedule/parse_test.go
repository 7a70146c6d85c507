package schedule

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Interval
	}{
		{"30s", Seconds(30)},
		{"5m", Minutes(5)},
		{"10 minutes", Minutes(10)},
		{"2h", Hours(2)},
		{"1d", Days(1)},
		{"2w", Weeks(2)},
		{"Monday", Monday},
		{"sundays", Sunday},
		{"weekday", Weekday},
		{"01:30", Minutes(90)},
		{"1h30m", Minutes(90)},
		{"48h0m", Days(2)},
		{"cron:0 */6 * * *", Cron("0 */6 * * *")},
		{"*/5 * * * *", Cron("*/5 * * * *")},
		{"@hourly", Cron("@hourly")},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if err != nil {
			t.Fatalf("ParseInterval(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseInterval(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}

	for _, in := range []string{"", "0m", "5 fortnights", "00:00", "1500ms", "cron:", "soon"} {
		if got, err := ParseInterval(in); err == nil {
			t.Fatalf("ParseInterval(%q) = %+v, want error", in, got)
		}
	}
}

func TestExpressionTextRoundTrip(t *testing.T) {
	t.Parallel()
	exprs := []Expression{
		Every(Minutes(5)),
		Every(Minutes(5), AtClock(8, 0, 0), Plus(Seconds(30)), AndEvery(Monday), Count(3), RepeatingEvery(Minutes(1), 2)),
		Every(Cron("0 0,12 * * *"), Plus(Minutes(5))),
	}
	for _, e := range exprs {
		got, err := ParseExpression(e.String())
		if err != nil {
			t.Fatalf("ParseExpression(%q): %v", e.String(), err)
		}
		if diff := cmp.Diff(e, got); diff != "" {
			t.Fatalf("round trip of %q (-want +got):\n%s", e.String(), diff)
		}
	}
}

func TestParseExpressionJSON(t *testing.T) {
	t.Parallel()
	got, err := ParseExpression(` {"base":{"Seconds":1},"adjustment":[{"Count":3}]} `)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Every(Seconds(1), Count(3)), got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, err := ParseExpression("every 5m; sometimes"); err == nil {
		t.Fatal("unknown adjustment accepted")
	}
}
