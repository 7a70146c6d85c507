package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"

	"podcastd/pkg/logx"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newManager(t *testing.T, path string, env map[string]string) *ConfigManager {
	t.Helper()
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	m.SetEnvLookuper(envconfig.MapLookuper(env))
	return m
}

func TestLoadYAMLAndJSONAgree(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yml := filepath.Join(dir, "podcastd.yaml")
	writeFile(t, yml, `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/podcastd.db
  breaker:
    enabled: true
    max_failures: 3
scheduler:
  tick: 500ms
  timezone: Europe/Berlin
`)
	js := filepath.Join(dir, "podcastd.json")
	writeFile(t, js, `{
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/podcastd.db", "breaker": {"enabled": true, "max_failures": 3}},
  "scheduler": {"tick": "500ms", "timezone": "Europe/Berlin"}
}`)

	a, err := newManager(t, yml, nil).Load(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	b, err := newManager(t, js, nil).Load(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("yaml vs json (-yaml +json):\n%s", diff)
	}
	tick, tz, err := a.Scheduler.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if tick != 500*time.Millisecond || tz.String() != "Europe/Berlin" {
		t.Fatalf("Resolve = %v, %v", tick, tz)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"c.json": `{"storage": {"driver": "memory", "drvier": "x"}}`,
		"c.yaml": "storage:\n  driver: memory\nextra: 1\n",
	} {
		p := filepath.Join(dir, name)
		writeFile(t, p, body)
		if _, err := newManager(t, p, nil).Load(t.Context()); err == nil {
			t.Errorf("%s: unknown field accepted", name)
		}
	}
}

func TestMissingFileMeansDefaults(t *testing.T) {
	t.Parallel()
	m := newManager(t, filepath.Join(t.TempDir(), "absent.yaml"), nil)
	cfg, err := m.Load(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&Config{}, cfg); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, p, "storage:\n  driver: file\n  path: ./a\nlogging:\n  level: info\n")

	cfg, err := newManager(t, p, map[string]string{
		"PODCASTD_STORAGE_PATH":                 "/var/lib/podcastd",
		"PODCASTD_LOG_LEVEL":                    "warn",
		"PODCASTD_SCHEDULER_TIMEZONE":           "+02:00",
		"PODCASTD_STORAGE_BREAKER_MAX_FAILURES": "7",
		"STORAGE_DRIVER":                        "redis",
	}).Load(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("unprefixed variable applied: driver = %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path != "/var/lib/podcastd" || cfg.Logging.Level != "warn" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Scheduler.Timezone != "+02:00" || cfg.Storage.Breaker.MaxFailures != 7 {
		t.Errorf("nested overrides not applied: %+v", cfg)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{
		Storage:   StorageConfig{Driver: "redis", PollInterval: "soon"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"},
		Logging:   LoggingConfig{Alerts: LoggingAlerts{RatePerSec: -1}},
	})
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"storage.poll_interval", "storage.addr", "scheduler.timezone", "rate_per_sec"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if err := Validate(&Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://x"}}); err != nil {
		t.Errorf("valid postgres config rejected: %v", err)
	}
	if err := Validate(&Config{Storage: StorageConfig{Driver: "etcd"}}); err == nil {
		t.Error("unknown driver accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://a"}}
	next := *old
	next.Logging.Level = "debug"

	changed, _, restart := SummarizeConfigChange(old, &next)
	if diff := cmp.Diff([]string{"logging"}, changed); diff != "" || restart {
		t.Fatalf("logging only: changed=%v restart=%v", changed, restart)
	}

	next.Storage.DSN = "postgres://b"
	next.Scheduler.Tick = "2s"
	changed, _, restart = SummarizeConfigChange(old, &next)
	if diff := cmp.Diff([]string{"logging", "scheduler", "storage"}, changed); diff != "" || !restart {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, p, "logging:\n  level: info\n")
	m := newManager(t, p, nil)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(t.Context()); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := t.Context()
	go func() { _ = m.Watch(ctx) }()

	// fsnotify needs the watch installed before the first write; keep writing
	// until a reload lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
reloaded:
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level %q", cfg.Logging.Level)
			}
			break reloaded
		case <-tick.C:
			writeFile(t, p, "logging:\n  level: debug\n")
		case <-deadline:
			t.Fatal("no reload published")
		}
	}

	writeFile(t, p, "storage:\n  driver: carrier-pigeon\n")
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed config replaced by invalid one: %+v", m.Get())
	}
}
