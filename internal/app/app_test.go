package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"triaged/internal/config"
	"triaged/internal/router"
	"triaged/internal/triage"
)

func decode(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("triaged.yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cfg
}

func TestMapPipelineConfig(t *testing.T) {
	t.Parallel()
	cfg := decode(t, `
triage:
  timezone: UTC
  quiet_hours: { start: "22:30", end: "07:00" }
  deep_work: { start: "13:00", end: "15:00", weekdays_only: true }
  daily_push_max: 8
  daily_push_min: 0
  p1_over_cap: batch
  dedup_window: 10m
  half_lives: { perishable: 20m }
  auto_resolve: { P3: 6h }
  categories:
    deploy: { urgency: 0.6, impact: 0.5, time_sensitivity: 0.6, decay_profile: short }
`)
	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if pc.Router.QuietHours != (triage.HourWindow{Start: 22.5, End: 7}) {
		t.Fatalf("quiet hours = %+v", pc.Router.QuietHours)
	}
	if pc.Location == nil || pc.Location.String() != "UTC" {
		t.Fatalf("location = %v", pc.Location)
	}
	if !pc.Scorer.DeepWork.WeekdaysOnly || pc.Scorer.DeepWork.Start != 13 {
		t.Fatalf("deep work = %+v", pc.Scorer.DeepWork)
	}
	if pc.Router.DailyMax != 8 || pc.Router.DailyMin != 0 || pc.Router.P1OverCap != router.P1OverCapBatch {
		t.Fatalf("router = %+v", pc.Router)
	}
	if pc.Dedup.Window != 10*time.Minute {
		t.Fatalf("dedup window = %v", pc.Dedup.Window)
	}
	if pc.Scorer.HalfLives[triage.DecayPerishable] != 20*time.Minute || pc.Scorer.HalfLives[triage.DecayDay] != 24*time.Hour {
		t.Fatalf("half lives = %v", pc.Scorer.HalfLives)
	}
	if pc.Grouper.AutoResolve[triage.P3] != 6*time.Hour {
		t.Fatalf("auto resolve = %v", pc.Grouper.AutoResolve)
	}
	pol, ok := pc.Policies.Lookup("deploy")
	if !ok || pol.Decay != triage.DecayShort || pol.Urgency != 0.6 {
		t.Fatalf("deploy policy = %+v ok=%v", pol, ok)
	}
	if _, ok := pc.Policies.Lookup("security"); !ok {
		t.Fatal("built-in categories must survive overrides")
	}
}

func TestMapPipelineDefaults(t *testing.T) {
	t.Parallel()
	pc, err := mapPipelineConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if pc.Router.QuietHours != router.DefaultQuietHours {
		t.Fatalf("quiet hours = %+v", pc.Router.QuietHours)
	}
	if pc.Router.DailyMax != router.DefaultDailyMax || pc.Router.DailyMin != router.DefaultDailyMin {
		t.Fatalf("budget = %d/%d", pc.Router.DailyMax, pc.Router.DailyMin)
	}
	if pc.FamilyTime != triage.DefaultFamilyTime || pc.WorkTime != triage.DefaultWorkTime {
		t.Fatalf("windows = %+v %+v", pc.FamilyTime, pc.WorkTime)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad window", `triage: { quiet_hours: { start: "25:00", end: "07:00" } }`, "triage.quiet_hours.start"},
		{"bad duration", `triage: { dedup_window: soon }`, "triage.dedup_window"},
		{"bad timezone", `triage: { timezone: Mars/Olympus }`, "triage.timezone"},
		{"bad schedule", `scheduler: { digest: "every tuesday" }`, "scheduler.digest"},
		{"bad notifier", `notifier: { enabled: true, retry_base: nope }`, "notifier.retry_base"},
		{"bad http timeout", `http: { read_timeout: "-1s" }`, "http.read_timeout"},
		{"long category", `triage: { categories: { infrastructure-capacity: { urgency: 0.5 } } }`, "triage.categories"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validate(decode(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("validate = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestValidateAcceptsOff(t *testing.T) {
	t.Parallel()
	cfg := decode(t, `scheduler: { digest: "off", flush_ready: "30m", cleanup: "cron:0 */2 * * *" }`)
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNotifierTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want int64
	}{
		{"first owner", `telegram: { owner_user_ids: [42, 7] }`, 42},
		{"explicit chat", `telegram: { owner_user_ids: [42], chat_id: -100123 }`, -100123},
	}
	for _, tc := range tests {
		nc, err := mapNotifierConfig(decode(t, tc.yaml))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if nc.Target.ChatID != tc.want || !nc.Enabled || !nc.FeedbackButtons {
			t.Fatalf("%s: config = %+v", tc.name, nc)
		}
	}

	nc, err := mapNotifierConfig(decode(t, `notifier: { enabled: true, feedback_buttons: false, retry_max: 5 }`))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if nc.FeedbackButtons || nc.RetryMax != 5 {
		t.Fatalf("config = %+v", nc)
	}
}

func TestAppLogOnlyLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triaged.yaml")
	yaml := `
logging: { level: error }
http: { enabled: true, addr: "127.0.0.1:0" }
storage: { driver: file, path: ` + filepath.Join(dir, "state.db") + ` }
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for a.http.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("http never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	body := `{"source":"scanner","title":"CVE in openssl","category":"security"}`
	resp, err := http.Post("http://"+a.http.Addr()+"/v1/notifications", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var out struct {
		ID        string `json:"id"`
		Delivered bool   `json:"delivered"`
		Reason    string `json:"reason"`
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID == "" || out.Delivered {
		t.Fatalf("outcome = %+v; log-only mode must not deliver", out)
	}

	a.Pipeline().Feedback("security", true)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "state.engagement.json")); err != nil {
		t.Fatalf("engagement not persisted on stop: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "state.audit.jsonl")); err != nil {
		t.Fatalf("audit log missing: %v", err)
	}
}
