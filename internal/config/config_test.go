package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

const sampleYAML = `
logging:
  level: info
  console: true
  file: { enabled: false, path: "" }
  alert: { enabled: false, min_level: error, rate_per_sec: 1 }
storage:
  driver: sqlite
  path: ./duewatch.db
  op_timeout: 3s
scheduler:
  enabled: true
  timezone: Africa/Lagos
  dispatch_schedule: "*/15 * * * *"
  sweep_schedule: "@hourly"
  run_timeout: 10m
dispatch:
  workers: 4
  retry_max: 2
  rate_per_sec: { email: 5, whatsapp: 1 }
rules:
  VAT: { type: fixed_day, day: 21 }
calendars:
  STAMP:
    - { label: T-3, days_before: 3, at: "09:00" }
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "duewatch.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Timezone != "Africa/Lagos" || cfg.Dispatch.Workers != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Dispatch.RatePerSec["email"] != 5 || cfg.Rules["VAT"].Day != 21 {
		t.Fatalf("maps not decoded: %+v %+v", cfg.Dispatch.RatePerSec, cfg.Rules)
	}
	if got := cfg.Calendars["STAMP"]; len(got) != 1 || got[0].At != "09:00" {
		t.Fatalf("calendar = %+v", got)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		path string
		body string
		want string
	}{
		"unknown key":      {"c.yaml", "storage: { driver: sqlite, pth: x }", "unknown field"},
		"trailing json":    {"c.json", `{"storage":{"driver":"memory"}}{}`, "trailing"},
		"bad duration":     {"c.yaml", "storage: { driver: sqlite, op_timeout: soon }", "storage.op_timeout"},
		"bad driver":       {"c.yaml", "storage: { driver: mongo }", "unknown driver"},
		"postgres no dsn":  {"c.yaml", "storage: { driver: postgres }", "dsn"},
		"bad tz":           {"c.yaml", "scheduler: { timezone: Mars/Olympus }", "scheduler.timezone"},
		"alert no bot":     {"c.yaml", "logging: { alert: { enabled: true } }", "telegram.token"},
		"public ops":       {"c.yaml", "ops: { enabled: true, addr: \"0.0.0.0:8089\" }", "not loopback"},
		"empty calendar":   {"c.yaml", "calendars: { VAT: [] }", "calendars.VAT"},
		"email no host":    {"c.yaml", "channels: { email: { enabled: true } }", "channels.email"},
		"redis no addr":    {"c.yaml", "ledger: { driver: redis }", "ledger.redis.addr"},
		"negative rate":    {"c.yaml", "dispatch: { rate_per_sec: { email: -1 } }", "rate_per_sec"},
		"nats without url": {"c.yaml", "events: { nats: { enabled: true } }", "events.nats.url"},
		"negative renewal": {"c.yaml", "renewals: { days: [7, -1] }", "renewals.days[1]"},
		"bad renewal time": {"c.yaml", "renewals: { at: \"9am\" }", "renewals.at"},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestDecodeJSONWithoutExtension(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("duewatch.conf", []byte(`{"storage":{"driver":"memory"},"ops":{"enabled":true}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Ops.ListenAddr() != DefaultOpsAddr {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8089":          false,
		"0.0.0.0:8089":   false,
		"10.0.0.5:80":    false,
	} {
		if got := IsLoopback(addr); got != want {
			t.Errorf("IsLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()

	var d Durations
	if got := d.Get("a", "", time.Second); got != time.Second {
		t.Fatalf("default = %s", got)
	}
	if got := d.Get("b", "250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("parsed = %s", got)
	}
	if d.Err() != nil {
		t.Fatalf("unexpected err: %v", d.Err())
	}
	_ = d.Get("c", "nope", time.Second)
	_ = d.Get("d", "-1s", time.Second)
	err := d.Err()
	if err == nil || !strings.Contains(err.Error(), "c:") || !strings.Contains(err.Error(), "d:") {
		t.Fatalf("Err = %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg.Dispatch.Workers = 8
	newCfg.Storage.Path = "./other.db"
	newCfg.Ops.JWTSecret = "s3cret"
	newCfg.Renewals.Days = []int{14, 7}

	c := SummarizeChange(oldCfg, newCfg)
	for _, s := range []string{"dispatch", "storage", "ops", "renewals"} {
		if !c.Has(s) {
			t.Fatalf("missing section %s in %v", s, c.Sections)
		}
	}
	if c.Has("logging") {
		t.Fatalf("logging did not change")
	}
	if strings.Join(c.Restart, ",") != "storage,ops" {
		t.Fatalf("restart = %v", c.Restart)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "duewatch.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rejected := make(chan struct{}, 1)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Dispatch.Workers > 100 {
			rejected <- struct{}{}
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "workers: 4", "workers: 6", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Dispatch.Workers != 6 {
			t.Fatalf("workers = %d", cfg.Dispatch.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}

	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "workers: 4", "workers: 500", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-rejected:
	case <-time.After(5 * time.Second):
		t.Fatalf("validator not consulted")
	}
	if m.Get().Dispatch.Workers != 6 {
		t.Fatalf("rejected config was committed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := NewManager(filepath.Join("..", "..", "config.example.yaml")).Load()
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Scheduler.Timezone != "Africa/Lagos" || cfg.Ops.Pprof.Enabled {
		t.Fatalf("unexpected example values: %+v", cfg.Scheduler)
	}
	if got := cfg.Calendars["CIT"]; len(got) != 4 || got[3].DaysBefore != -1 {
		t.Fatalf("CIT calendar = %+v", got)
	}
}
