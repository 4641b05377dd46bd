package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"triaged/internal/config"
	"triaged/internal/pipeline"
	"triaged/internal/scheduler"
	logx "triaged/pkg/logx"
)

const scheduleOff = "off"

// maintenanceJob is one scheduled pipeline chore.
type maintenanceJob struct {
	name     string
	schedule string
	timeout  time.Duration
	run      scheduler.Job
}

func scheduleOr(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}

func (a *App) maintenanceJobs(cfg *config.Config) []maintenanceJob {
	sc := cfg.Scheduler
	return []maintenanceJob{
		{
			name:     "triage.digest",
			schedule: scheduleOr(sc.Digest, config.DefaultDigestSchedule),
			timeout:  time.Minute,
			run:      a.runDigest,
		},
		{
			name:     "triage.flush_ready",
			schedule: scheduleOr(sc.FlushReady, config.DefaultFlushReadySchedule),
			timeout:  time.Minute,
			run: func(ctx context.Context) error {
				_, err := a.pipe.FlushReady(ctx)
				if errors.Is(err, pipeline.ErrNoSink) {
					return nil
				}
				return err
			},
		},
		{
			name:     "triage.auto_resolve",
			schedule: scheduleOr(sc.AutoResolve, config.DefaultAutoResolveSchedule),
			timeout:  30 * time.Second,
			run: func(ctx context.Context) error {
				n, err := a.pipe.AutoResolve(ctx)
				if n > 0 {
					a.log.Info("auto-resolved stale items", logx.Int("count", n))
				}
				return err
			},
		},
		{
			name:     "triage.cleanup",
			schedule: scheduleOr(sc.Cleanup, config.DefaultCleanupSchedule),
			timeout:  30 * time.Second,
			run: func(context.Context) error {
				if n := a.pipe.Cleanup(); n > 0 {
					a.log.Debug("groups purged", logx.Int("count", n))
				}
				return nil
			},
		},
		{
			name:     "triage.persist_engagement",
			schedule: scheduleOr(sc.PersistEngagement, config.DefaultPersistEngagementSchedule),
			timeout:  30 * time.Second,
			run:      a.pipe.PersistEngagement,
		},
	}
}

func (a *App) runDigest(ctx context.Context) error {
	res, err := a.pipe.FlushDigest(ctx)
	switch {
	case errors.Is(err, pipeline.ErrNoSink):
		a.log.Debug("digest skipped: no delivery channel", logx.Int("auto_resolved", res.Resolved))
		return nil
	case err != nil:
		return err
	}
	if res.Messages > 0 {
		a.log.Info("digest sent", logx.Int("items", res.Items), logx.Int("auto_resolved", res.Resolved))
	}
	return nil
}

// applySchedules registers every maintenance job; "off" removes it.
func (a *App) applySchedules(cfg *config.Config) error {
	var errs []error
	for _, j := range a.maintenanceJobs(cfg) {
		if strings.EqualFold(j.schedule, scheduleOff) {
			if a.sched.Remove(j.name) {
				a.log.Info("schedule disabled", logx.String("name", j.name))
			}
			continue
		}
		if err := a.sched.AddSchedule(j.name, j.schedule, j.timeout, j.run); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.%s: %w", strings.TrimPrefix(j.name, "triage."), err))
		}
	}
	return errors.Join(errs...)
}

// validateSchedules parses every schedule without registering anything.
func validateSchedules(cfg *config.Config) error {
	sc := cfg.Scheduler
	fields := []struct{ key, raw string }{
		{"scheduler.digest", sc.Digest},
		{"scheduler.flush_ready", sc.FlushReady},
		{"scheduler.auto_resolve", sc.AutoResolve},
		{"scheduler.cleanup", sc.Cleanup},
		{"scheduler.persist_engagement", sc.PersistEngagement},
	}
	var errs []error
	for _, f := range fields {
		s := strings.TrimSpace(f.raw)
		if s == "" || strings.EqualFold(s, scheduleOff) {
			continue
		}
		if err := scheduler.Validate(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
		}
	}
	return errors.Join(errs...)
}
