// Package dedup implements the short-lived window of recently seen
// notification fingerprints.
//
// Eviction only ever turns a would-be duplicate into a non-duplicate, never
// the other way around, so a lost or swept entry is always safe.
package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	rtsup "triaged/internal/runtime/supervisor"
	logx "triaged/pkg/logx"
)

const (
	DefaultWindow     = 15 * time.Minute
	DefaultSweepEvery = 30 * time.Minute
)

// Store persists suppress-until deadlines across restarts (best-effort).
type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	LoadDedup(ctx context.Context, now time.Time) (map[string]time.Time, error)
}

type Config struct {
	Window     time.Duration
	SweepEvery time.Duration
	Persist    bool
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
	return c
}

type write struct {
	key   string
	until time.Time
}

// Window maps dedup key -> last seen time. Safe for concurrent use.
type Window struct {
	mu   sync.Mutex
	cfg  Config
	seen map[string]time.Time

	log   logx.Logger
	store Store

	// OnSweep, if set, runs after every background sweep with the sweep time.
	OnSweep func(now time.Time)

	runMu     sync.Mutex
	sup       *rtsup.Supervisor
	persistCh chan write
}

func New(cfg Config, store Store, log logx.Logger) *Window {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Window{cfg: cfg.withDefaults(), seen: map[string]time.Time{}, store: store, log: log}
}

func (w *Window) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Window) Config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// IsDuplicate reports whether key was seen less than one window before now.
func (w *Window) IsDuplicate(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.seen[key]
	return ok && now.Sub(last) < w.cfg.Window
}

// MarkSeen records now as the last-seen time for key.
func (w *Window) MarkSeen(key string, now time.Time) {
	if key == "" {
		return
	}
	w.mu.Lock()
	w.seen[key] = now
	until := now.Add(w.cfg.Window)
	persist := w.cfg.Persist
	w.mu.Unlock()

	if !persist {
		return
	}
	w.runMu.Lock()
	ch := w.persistCh
	w.runMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- write{key: key, until: until}:
	default:
		w.log.Debug("dedup persist queue full; dropping write", logx.String("key", key))
	}
}

// Sweep evicts entries older than twice the window and returns how many were removed.
func (w *Window) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-2 * w.cfg.Window)
	n := 0
	for k, last := range w.seen {
		if last.Before(cutoff) {
			delete(w.seen, k)
			n++
		}
	}
	return n
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Start warms the window from the store (if persisting) and starts the
// sweep loop plus the async persist writer. Start is idempotent.
func (w *Window) Start(ctx context.Context) {
	w.runMu.Lock()
	if w.sup != nil {
		w.runMu.Unlock()
		return
	}
	cfg := w.Config()
	w.sup = rtsup.New(ctx,
		rtsup.WithLogger(w.log),
		rtsup.WithCancelOnError(false),
	)
	sup := w.sup
	var pch chan write
	if cfg.Persist && w.store != nil {
		pch = make(chan write, 256)
		w.persistCh = pch
	}
	w.runMu.Unlock()

	if pch != nil {
		w.warm(ctx, cfg)
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			w.persistLoop(c, pch)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dedup persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	sup.GoRestart("dedup.sweep", func(c context.Context) error {
		t := time.NewTicker(cfg.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case now := <-t.C:
				if n := w.Sweep(now); n > 0 {
					w.log.Debug("dedup sweep", logx.Int("evicted", n), logx.Int("remaining", w.Len()))
				}
				if w.OnSweep != nil {
					w.OnSweep(now)
				}
			}
		}
	}, rtsup.WithPublishFirstError(true))
}

// Stop cancels background loops and waits for them (bounded by ctx).
func (w *Window) Stop(ctx context.Context) {
	w.runMu.Lock()
	sup := w.sup
	w.sup = nil
	w.persistCh = nil
	w.runMu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Debug("dedup stop", logx.Err(err))
	}
}

func (w *Window) warm(ctx context.Context, cfg Config) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	now := time.Now()
	m, err := w.store.LoadDedup(cctx, now)
	if err != nil {
		w.log.Warn("dedup warm-up failed", logx.Err(err))
		return
	}
	w.mu.Lock()
	for k, until := range m {
		// Stored deadlines are lastSeen+window.
		last := until.Add(-cfg.Window)
		if cur, ok := w.seen[k]; !ok || last.After(cur) {
			w.seen[k] = last
		}
	}
	w.mu.Unlock()
	w.log.Debug("dedup warmed", logx.Int("entries", len(m)))
}

func (w *Window) persistLoop(ctx context.Context, ch <-chan write) {
	for {
		select {
		case <-ctx.Done():
			return
		case wr := <-ch:
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			err := w.store.PutDedup(cctx, wr.key, wr.until)
			cancel()
			if err != nil {
				w.log.Debug("dedup persist failed", logx.String("key", wr.key), logx.Err(err))
			}
		}
	}
}
