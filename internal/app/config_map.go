package app

import (
	"fmt"
	"strings"
	"time"

	"triaged/internal/config"
	"triaged/internal/httpapi"
	"triaged/internal/notifier"
	"triaged/internal/pipeline"
	"triaged/internal/router"
	"triaged/internal/scheduler"
	"triaged/internal/storage"
	kit "triaged/internal/transport"
	"triaged/internal/transport/telegram"
	"triaged/internal/triage"
	logx "triaged/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapTelegramConfig reports enabled=false when no token is configured; the
// daemon then runs log-only.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return telegram.Config{}, false, nil
	}
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{Token: token, PollTimeout: pt}, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// notifyTarget is the chat that receives notifications: chat_id, or the
// first owner's private chat.
func notifyTarget(cfg *config.Config) kit.ChatTarget {
	t := kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
	if t.ChatID == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		t.ChatID = cfg.Telegram.OwnerUserIDs[0]
	}
	return t
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := notifier.Config{
		Enabled:         true,
		Target:          notifyTarget(cfg),
		RetryMax:        3,
		FeedbackButtons: true,
	}
	n := cfg.Notifier
	if n == nil {
		return nc, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	nc.Enabled = n.Enabled
	nc.Workers = n.Workers
	nc.QueueSize = n.QueueSize
	nc.RatePerSec = n.RatePerSec
	if n.RetryMax > 0 {
		nc.RetryMax = n.RetryMax
	}
	nc.RetryBase = base
	nc.RetryMaxDelay = maxDelay
	if n.FeedbackButtons != nil {
		nc.FeedbackButtons = *n.FeedbackButtons
	}
	return nc, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Triage.Timezone)
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz}, nil
}

func mapWindow(path string, w *config.WindowConfig, def triage.HourWindow) (triage.HourWindow, error) {
	if w == nil {
		return def, nil
	}
	start, err := config.ParseClockHours(path+".start", w.Start)
	if err != nil {
		return triage.HourWindow{}, err
	}
	end, err := config.ParseClockHours(path+".end", w.End)
	if err != nil {
		return triage.HourWindow{}, err
	}
	return triage.HourWindow{Start: start, End: end, WeekdaysOnly: w.WeekdaysOnly}, nil
}

// mapPipelineConfig converts the triage section. Unset values keep the
// built-in defaults.
func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	pc := pipeline.DefaultConfig()
	t := cfg.Triage
	var err error

	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			return pipeline.Config{}, fmt.Errorf("triage.timezone: invalid %q: %w", tz, lerr)
		}
		pc.Location = loc
	}

	if pc.Router.QuietHours, err = mapWindow("triage.quiet_hours", t.QuietHours, router.DefaultQuietHours); err != nil {
		return pipeline.Config{}, err
	}
	if pc.FamilyTime, err = mapWindow("triage.family_time", t.FamilyTime, triage.DefaultFamilyTime); err != nil {
		return pipeline.Config{}, err
	}
	if pc.WorkTime, err = mapWindow("triage.work_time", t.WorkTime, triage.DefaultWorkTime); err != nil {
		return pipeline.Config{}, err
	}
	if pc.Scorer.DeepWork, err = mapWindow("triage.deep_work", t.DeepWork, triage.DefaultDeepWork); err != nil {
		return pipeline.Config{}, err
	}

	pc.Router.DailyMax = router.DefaultDailyMax
	if t.DailyPushMax > 0 {
		pc.Router.DailyMax = t.DailyPushMax
	}
	pc.Router.DailyMin = router.DefaultDailyMin
	if t.DailyPushMin != nil {
		pc.Router.DailyMin = *t.DailyPushMin
	}
	if p := strings.ToLower(strings.TrimSpace(t.P1OverCap)); p != "" {
		pc.Router.P1OverCap = p
	}

	if pc.Dedup.Window, err = config.ParseDurationField("triage.dedup_window", t.DedupWindow); err != nil {
		return pipeline.Config{}, err
	}
	if pc.Dedup.SweepEvery, err = config.ParseDurationField("triage.dedup_sweep", t.DedupSweep); err != nil {
		return pipeline.Config{}, err
	}
	pc.Dedup.Persist = t.PersistDedup
	if pc.RecentWindow, err = config.ParseDurationOrDefault("triage.recent_window", t.RecentWindow, pipeline.DefaultRecentWindow); err != nil {
		return pipeline.Config{}, err
	}

	if len(t.HalfLives) > 0 {
		pc.Scorer.HalfLives = triage.DefaultHalfLives()
		for k, raw := range t.HalfLives {
			d, err := config.ParseDurationField("triage.half_lives."+k, raw)
			if err != nil {
				return pipeline.Config{}, err
			}
			if d > 0 {
				pc.Scorer.HalfLives[triage.ParseDecayProfile(k)] = d
			}
		}
	}

	if len(t.AutoResolve) > 0 {
		pc.Grouper.AutoResolve = map[triage.Level]time.Duration{}
		for k, raw := range t.AutoResolve {
			lvl, ok := triage.ParseLevel(k)
			if !ok || lvl <= triage.P1 {
				return pipeline.Config{}, fmt.Errorf("triage.auto_resolve: invalid level %q", k)
			}
			d, err := config.ParseDurationField("triage.auto_resolve."+k, raw)
			if err != nil {
				return pipeline.Config{}, err
			}
			pc.Grouper.AutoResolve[lvl] = d
		}
	}
	if pc.Grouper.Retention, err = config.ParseDurationField("triage.group_retention", t.GroupRetention); err != nil {
		return pipeline.Config{}, err
	}

	if len(t.Categories) > 0 {
		overrides := make(map[string]triage.CategoryPolicy, len(t.Categories))
		for name, c := range t.Categories {
			if n := len(triage.NormalizeCategory(name)); n > notifier.MaxFeedbackCategory {
				return pipeline.Config{}, fmt.Errorf("triage.categories: name %q is %d bytes, max %d", name, n, notifier.MaxFeedbackCategory)
			}
			overrides[name] = triage.CategoryPolicy{
				Urgency:         c.Urgency,
				Impact:          c.Impact,
				TimeSensitivity: c.TimeSensitivity,
				Decay:           triage.ParseDecayProfile(c.DecayProfile),
			}
		}
		pc.Policies = triage.NewPolicyTable(overrides)
	}
	return pc, nil
}
