package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAlertsSinkKeepsWarnAndAbove(t *testing.T) {
	dir := t.TempDir()
	alerts := filepath.Join(dir, "alerts.log")
	svc, log := New(Config{
		Level:  "debug",
		File:   FileConfig{Enabled: true, Path: filepath.Join(dir, "all.log")},
		Alerts: AlertsConfig{Enabled: true, Path: alerts, RatePerSec: 100},
	})

	log = log.With(String("comp", "test"))
	log.Info("routine tick")
	log.Warn("rebuild failed", Err(errors.New("store unreachable")), String("prefix", "podcasts/"))
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(alerts)
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	if strings.Contains(got, "routine tick") {
		t.Fatalf("info line reached alerts file:\n%s", got)
	}
	for _, want := range []string{"[WARN] rebuild failed", "comp=test", "err=store unreachable", "prefix=podcasts/"} {
		if !strings.Contains(got, want) {
			t.Fatalf("alerts file missing %q:\n%s", want, got)
		}
	}
}

func TestAlertsRateLimit(t *testing.T) {
	dir := t.TempDir()
	svc, log := New(Config{
		Level:  "info",
		File:   FileConfig{Enabled: true, Path: filepath.Join(dir, "all.log")},
		Alerts: AlertsConfig{Enabled: true, Path: filepath.Join(dir, "alerts.log"), RatePerSec: 1},
	})
	for i := 0; i < 5; i++ {
		log.Error("burst")
	}
	_ = svc.Close()
	if d := svc.Dropped(); d < 3 {
		t.Fatalf("Dropped() = %d, want at least 3 of 5 lines limited", d)
	}
}

func TestWithFieldsAreStructured(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "worker"), Uint64("generation", 3))
	log.Debug("rebuilt", Int("jobs", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if m["comp"] != "worker" || m["generation"] != float64(3) || m["jobs"] != float64(2) || m["message"] != "rebuilt" {
		t.Fatalf("unexpected fields: %v", m)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger must report IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop() must not report IsZero")
	}
}
