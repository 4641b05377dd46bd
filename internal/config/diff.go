package config

import (
	"reflect"
	"strings"

	logx "triaged/pkg/logx"
)

// SummarizeChange returns the changed sections, safe log fields (never the
// token values), and the sections whose change only takes effect after a
// restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		restart = append(restart, "telegram.token")
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if newCfg.Notifier != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
				logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			)
		}
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.digest", newCfg.Scheduler.Digest))
	}

	if !reflect.DeepEqual(oldCfg.Triage, newCfg.Triage) {
		changed = append(changed, "triage")
		attrs = append(attrs,
			logx.Int("triage.daily_push_max", newCfg.Triage.DailyPushMax),
			logx.Int("triage.categories", len(newCfg.Triage.Categories)),
		)
		if oldCfg.Triage.PersistDedup != newCfg.Triage.PersistDedup {
			restart = append(restart, "triage.persist_dedup")
		}
	}
	return changed, attrs, restart
}
