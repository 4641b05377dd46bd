package config

// Config is the on-disk configuration (.json, .yaml or .yml).
//
// All durations are Go duration strings ("15m", "4h"); clock times are "HH:MM".
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Triage    TriageConfig    `json:"triage"`
}

// TelegramConfig configures the push channel. Without a token the daemon
// runs log-only.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// ChatID receives notifications; defaults to the first owner (private chat).
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the inbound API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8086").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8086"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./triaged.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async delivery queue.
// If the section is omitted the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	// FeedbackButtons attaches useful/noise buttons; nil means true.
	FeedbackButtons *bool `json:"feedback_buttons,omitempty"`
}

// SchedulerConfig holds maintenance schedules (cron expressions, Go
// durations or HH:MM intervals). Empty values use the defaults below; "off"
// disables a job.
type SchedulerConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	Digest            string `json:"digest,omitempty"`             // default "0 8,13,18 * * *"
	FlushReady        string `json:"flush_ready,omitempty"`        // default "15m"
	AutoResolve       string `json:"auto_resolve,omitempty"`       // default "10m"
	Cleanup           string `json:"cleanup,omitempty"`            // default "1h"
	PersistEngagement string `json:"persist_engagement,omitempty"` // default "5m"
}

const (
	DefaultDigestSchedule            = "0 8,13,18 * * *"
	DefaultFlushReadySchedule        = "15m"
	DefaultAutoResolveSchedule       = "10m"
	DefaultCleanupSchedule           = "1h"
	DefaultPersistEngagementSchedule = "5m"
)

// TriageConfig holds the scoring, routing and grouping tunables. Zero values
// keep the built-in defaults.
type TriageConfig struct {
	Timezone   string        `json:"timezone,omitempty"`
	QuietHours *WindowConfig `json:"quiet_hours,omitempty"`
	FamilyTime *WindowConfig `json:"family_time,omitempty"`
	WorkTime   *WindowConfig `json:"work_time,omitempty"`
	DeepWork   *WindowConfig `json:"deep_work,omitempty"`

	DailyPushMax int `json:"daily_push_max,omitempty"`
	// DailyPushMin is a pointer so an explicit 0 can disable the target.
	DailyPushMin *int   `json:"daily_push_min,omitempty"`
	P1OverCap    string `json:"p1_over_cap,omitempty"` // "push" | "batch"

	DedupWindow  string `json:"dedup_window,omitempty"`
	DedupSweep   string `json:"dedup_sweep,omitempty"`
	PersistDedup bool   `json:"persist_dedup,omitempty"`
	RecentWindow string `json:"recent_window,omitempty"`

	// HalfLives maps decay profile (perishable, short, day, persistent) to a duration.
	HalfLives map[string]string `json:"half_lives,omitempty"`
	// AutoResolve maps level (P2, P3, P4) to a timeout. P0/P1 never auto-resolve.
	AutoResolve    map[string]string `json:"auto_resolve,omitempty"`
	GroupRetention string            `json:"group_retention,omitempty"`

	// Categories overrides or extends the built-in category policy table.
	Categories map[string]CategoryConfig `json:"categories,omitempty"`
}

// WindowConfig is a daily window; End before Start wraps midnight.
type WindowConfig struct {
	Start        string `json:"start"`
	End          string `json:"end"`
	WeekdaysOnly bool   `json:"weekdays_only,omitempty"`
}

type CategoryConfig struct {
	Urgency         float64 `json:"urgency"`
	Impact          float64 `json:"impact"`
	TimeSensitivity float64 `json:"time_sensitivity"`
	DecayProfile    string  `json:"decay_profile"`
}
