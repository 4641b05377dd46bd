// Package scheduler triggers the triage maintenance jobs (digests, group
// flushes, auto-resolve, cleanup) on cron expressions or fixed intervals.
//
// Jobs run on robfig/cron goroutines. A job that is still running when its
// next tick arrives is skipped, and each run gets its own timeout.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "triaged/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	DefaultTimeout = 2 * time.Minute
	historyMax     = 100
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a schedule string without registering it.
func Validate(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty = Local
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	spread  time.Duration

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// ScheduleInfo is one registered schedule as shown by status surfaces.
type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	Failed  uint64        `json:"failed"`
}

// HistoryItem is one finished run.
type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	ctx    context.Context
	cancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cronParser,
	}
}

// Apply restarts cron when the timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, cancels running jobs and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// AddSchedule registers (or replaces, by name) a job on a cron or interval
// schedule. See ParseSchedule for accepted forms.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	return s.add(name, spec, timeout, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) error {
	h, m, err := parseClock(atHHMM)
	if err != nil {
		return err
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil && !strings.HasPrefix(spec, "@every") {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Registered on Start.
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	parent := s.ctx
	job := cron.FuncJob(func() { s.run(parent, d) })

	if every, ok := strings.CutPrefix(d.spec, "@every"); ok {
		dur, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil || dur <= 0 {
			return fmt.Errorf("invalid interval %q", d.spec)
		}
		sched, jitter := intervalWithSpread(dur, time.Now().In(s.loc))
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) run(parent context.Context, d *scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("skipped: previous run still in flight", logx.String("name", d.name))
		return
	}
	defer d.running.Store(false)

	if parent == nil || parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	started := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.job(ctx)
	}()
	dur := time.Since(started)
	d.runs.Add(1)

	item := HistoryItem{Name: d.name, Started: started, Duration: dur}
	if err != nil {
		d.failed.Add(1)
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("dur", dur), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("name", d.name), logx.Duration("dur", dur))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		_ = s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		out.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
			Failed:  d.failed.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	out.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}
