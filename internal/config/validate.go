package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the structural rules that do not need the domain
// packages. Durations, windows and schedules are checked when the app
// converts the config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) != "" && len(cfg.Telegram.OwnerUserIDs) == 0 && cfg.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram: owner_user_ids or chat_id required when token is set"))
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				errs = append(errs, errors.New("storage: path required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage: unknown driver %q", cfg.Storage.Driver))
		}
	}

	t := cfg.Triage
	switch strings.ToLower(strings.TrimSpace(t.P1OverCap)) {
	case "", "push", "batch":
	default:
		errs = append(errs, fmt.Errorf("triage.p1_over_cap: want push or batch, got %q", t.P1OverCap))
	}
	if t.DailyPushMax < 0 {
		errs = append(errs, errors.New("triage.daily_push_max must be >= 0"))
	}
	if t.DailyPushMin != nil && *t.DailyPushMin < 0 {
		errs = append(errs, errors.New("triage.daily_push_min must be >= 0"))
	}
	for k := range t.HalfLives {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "perishable", "short", "day", "persistent":
		default:
			errs = append(errs, fmt.Errorf("triage.half_lives: unknown decay profile %q", k))
		}
	}
	for k := range t.AutoResolve {
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "P2", "P3", "P4":
		case "P0", "P1":
			errs = append(errs, fmt.Errorf("triage.auto_resolve: %s never auto-resolves", k))
		default:
			errs = append(errs, fmt.Errorf("triage.auto_resolve: unknown level %q", k))
		}
	}
	for name := range t.Categories {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("triage.categories: empty category name"))
		}
	}
	return errors.Join(errs...)
}
