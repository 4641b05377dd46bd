package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 30s
logging:
  level: debug
  console: true
http:
  enabled: true
  addr: 127.0.0.1:8086
storage:
  driver: sqlite
  path: ./triaged.db
triage:
  daily_push_max: 6
  daily_push_min: 0
  quiet_hours: { start: "22:00", end: "07:00" }
  half_lives: { perishable: 20m }
  auto_resolve: { P3: 6h }
  categories:
    deploy: { urgency: 0.6, impact: 0.5, time_sensitivity: 0.6, decay_profile: short }
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("triaged.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.OwnerUserIDs[0] != 42 || cfg.Logging.Level != "debug" || !cfg.HTTP.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	tr := cfg.Triage
	if tr.DailyPushMax != 6 || tr.DailyPushMin == nil || *tr.DailyPushMin != 0 {
		t.Fatalf("push limits = %d %v", tr.DailyPushMax, tr.DailyPushMin)
	}
	if tr.QuietHours == nil || tr.QuietHours.Start != "22:00" {
		t.Fatalf("quiet = %+v", tr.QuietHours)
	}
	if c := tr.Categories["deploy"]; c.Urgency != 0.6 || c.DecayProfile != "short" {
		t.Fatalf("category = %+v", c)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, data string
	}{
		{"unknown json field", "c.json", `{"telegram":{"tokn":"x"}}`},
		{"unknown yaml field", "c.yml", "triage:\n  daily_max: 3\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "telegram: [\n"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.path, []byte(tc.data)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"token without owner", Config{Telegram: TelegramConfig{Token: "x"}}, "owner_user_ids"},
		{"storage driver", Config{Storage: &StorageConfig{Driver: "redis", Path: "x"}}, "unknown driver"},
		{"storage path", Config{Storage: &StorageConfig{Driver: "file"}}, "path required"},
		{"p1 policy", Config{Triage: TriageConfig{P1OverCap: "drop"}}, "p1_over_cap"},
		{"min", Config{Triage: TriageConfig{DailyPushMin: &neg}}, "daily_push_min"},
		{"profile", Config{Triage: TriageConfig{HalfLives: map[string]string{"weekly": "1h"}}}, "decay profile"},
		{"p1 auto resolve", Config{Triage: TriageConfig{AutoResolve: map[string]string{"P1": "1h"}}}, "never auto-resolves"},
	}
	for _, tc := range cases {
		err := Validate(&tc.cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want %q", tc.name, err, tc.want)
		}
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config: %v", err)
	}
}

func TestParseClockHours(t *testing.T) {
	t.Parallel()
	cases := map[string]float64{"06:30": 6.5, "21:00": 21, "00:15": 0.25, "24:00": 24}
	for in, want := range cases {
		got, err := ParseClockHours("x", in)
		if err != nil || got != want {
			t.Fatalf("ParseClockHours(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"25:00", "24:30", "7", "07:61", ""} {
		if _, err := ParseClockHours("x", bad); err == nil {
			t.Fatalf("ParseClockHours(%q) expected error", bad)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("parsed = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "secret-a"}, HTTP: HTTPConfig{Addr: ":1"}}
	b := &Config{Telegram: TelegramConfig{Token: "secret-b"}, HTTP: HTTPConfig{Addr: ":2"}, Triage: TriageConfig{DailyPushMax: 3}}
	changed, _, restart := SummarizeChange(a, b)
	for _, want := range []string{"telegram", "http", "triage"} {
		if !slices.Contains(changed, want) {
			t.Fatalf("changed = %v, missing %s", changed, want)
		}
	}
	if !slices.Contains(restart, "telegram.token") || !slices.Contains(restart, "http") {
		t.Fatalf("restart = %v", restart)
	}
	if changed, _, _ := SummarizeChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triaged.json")
	if err := os.WriteFile(path, []byte(`{"triage":{"daily_push_max":5}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid change is rejected and not published.
	if err := os.WriteFile(path, []byte(`{"triage":{"p1_over_cap":"drop"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(reloadDebounce * 3)
	if err := os.WriteFile(path, []byte(`{"triage":{"daily_push_max":7}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Triage.DailyPushMax != 7 {
			t.Fatalf("published = %+v", cfg.Triage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Triage.DailyPushMax != 7 {
		t.Fatalf("committed = %+v", m.Get().Triage)
	}
}
