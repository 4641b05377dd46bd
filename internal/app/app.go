// Package app builds every service from the config file and owns their
// start, stop and hot-reload ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"triaged/internal/commands"
	"triaged/internal/config"
	"triaged/internal/eventbus"
	"triaged/internal/httpapi"
	"triaged/internal/metrics"
	"triaged/internal/notifier"
	"triaged/internal/pipeline"
	rtsup "triaged/internal/runtime/supervisor"
	"triaged/internal/scheduler"
	"triaged/internal/storage"
	"triaged/internal/tracker"
	kit "triaged/internal/transport"
	"triaged/internal/transport/telegram"
	logx "triaged/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter is nil when no telegram token is configured.
	adapter kit.Adapter
	notif   *notifier.Service
	cmds    *commands.Manager

	pipe    *pipeline.Pipeline
	rec     *tracker.Recorder
	metrics *metrics.Metrics
	sched   *scheduler.Service
	http    *httpapi.Service

	updates chan kit.Update
}

// validate runs every conversion so a bad file is rejected before commit.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapPipelineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validateSchedules(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	sc, storeOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if storeOn {
		store, err = storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		updates: make(chan kit.Update, 256),
	}

	tc, tgOn, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tgOn {
		ad, err := telegram.New(tc, log)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
	} else {
		log.Warn("telegram token not set; running log-only")
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.notif = notifier.New(nc, a.adapter, log, bus)

	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithTracker(tracker.New(bus)),
	}
	if store != nil {
		opts = append(opts, pipeline.WithStore(store))
	}
	if a.adapter != nil {
		opts = append(opts, pipeline.WithDeliverer(pipeline.DelivererFunc(func(d pipeline.Delivery) error {
			return a.notif.Deliver(notifier.Message(d))
		})))
	}
	a.pipe = pipeline.New(pc, opts...)

	a.rec = tracker.NewRecorder(bus, store, log)
	a.metrics = metrics.New(bus, log)

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.sched = scheduler.New(schc, log)
	if err := a.applySchedules(cfg); err != nil {
		a.closeStore()
		return nil, err
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.http = httpapi.New(hc, a.pipe, a.metrics.Handler(), log)

	if a.adapter != nil {
		a.cmds = commands.NewManager(log, a.adapter, cfg.Telegram.OwnerUserIDs)
		h := commands.NewHandlers(a.pipe, time.Now)
		a.cmds.SetRegistry(h.Commands(), h.Callbacks())
	}
	return a, nil
}

// Pipeline exposes the triage pipeline (tests, embedding).
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Consumers first so nothing published during startup is lost.
	a.rec.Start(run)
	a.metrics.Start(run)
	a.pipe.Start(run)

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
		a.notif.Start(run)
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.DispatchLoop(c, a.updates)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.cmds.UpdateMenu(mctx); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	a.sched.Start(run)
	a.http.Start(run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("http", a.cfgm.Get().HTTP.Enabled),
	)
	return nil
}

// reload applies a validated config. Token, storage and listen address
// changes only take effect after a restart.
func (a *App) reload(ctx context.Context, prev, cfg *config.Config) {
	changed, attrs, restart := config.SummarizeChange(prev, cfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if nc, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasOn && !a.notif.Enabled():
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasOn && a.notif.Enabled():
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	if a.cmds != nil {
		a.cmds.SetOwners(cfg.Telegram.OwnerUserIDs)
	}

	if pc, err := mapPipelineConfig(cfg); err != nil {
		a.log.Warn("invalid triage config; keeping previous", logx.Err(err))
	} else {
		a.pipe.Apply(pc)
	}

	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if err := a.applySchedules(cfg); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}

	for _, r := range restart {
		if r == "http" {
			continue
		}
		a.log.Warn("config change needs a restart to take effect", logx.String("section", r))
	}
	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Inputs first, then the pipeline (persists engagement), then sinks.
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "pipeline", 2*time.Second, func(c context.Context) error { a.pipe.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "tracker", time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	a.step(ctx, "metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (never past ctx's deadline) so
// one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
