// Package pipeline runs each notification through enrich, score, dedup,
// route, deliver/batch/log and track, and owns the periodic maintenance
// (digests, group flushes, auto-resolve, cleanup).
//
// Process never returns an error: bad input is clamped, a missing or failing
// delivery sink degrades the outcome to "not delivered".
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"triaged/internal/dedup"
	"triaged/internal/eventbus"
	"triaged/internal/grouper"
	"triaged/internal/router"
	"triaged/internal/storage"
	"triaged/internal/tracker"
	"triaged/internal/triage"
	logx "triaged/pkg/logx"
)

var ErrNoSink = errors.New("no delivery sink")

// Urgency tags passed to the delivery sink.
const (
	TagCritical = "critical"
	TagHigh     = "high"
	TagNormal   = "normal"
	TagDigest   = "digest"
)

// TagFor maps a level to its urgency tag.
func TagFor(l triage.Level) string {
	switch l {
	case triage.P0:
		return TagCritical
	case triage.P1:
		return TagHigh
	default:
		return TagNormal
	}
}

// Sink is the plain delivery callback: title, body, urgency tag.
type Sink func(title, body, urgencyTag string) error

// Delivery is one outbound message. Category and ID are set for single
// notifications and group summaries so channels can offer feedback actions.
type Delivery struct {
	Title    string
	Body     string
	Tag      string
	Category string
	ID       string
}

// Deliverer hands a message to a channel. Implementations must not block on
// network I/O.
type Deliverer interface {
	Deliver(d Delivery) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(d Delivery) error

func (f DelivererFunc) Deliver(d Delivery) error { return f(d) }

// Deliver lets a plain Sink act as a Deliverer.
func (s Sink) Deliver(d Delivery) error { return s(d.Title, d.Body, d.Tag) }

// Tracker receives one audit record per decision.
type Tracker interface {
	Track(r tracker.Record)
}

// Store is the persistence the pipeline uses (dedup warm-up and engagement).
type Store interface {
	dedup.Store
	SaveEngagement(ctx context.Context, recs []storage.EngagementRecord) error
	LoadEngagement(ctx context.Context) ([]storage.EngagementRecord, error)
}

// State is a notification's position in the pipeline.
type State string

const (
	StateIngested  State = "ingested"
	StateEnriched  State = "enriched"
	StateScored    State = "scored"
	StateDeduped   State = "deduped"
	StateRouted    State = "routed"
	StateDelivered State = "delivered"
	StateBatched   State = "batched"
	StateLogged    State = "logged"
	StateTracked   State = "tracked"
)

// Outcome is the result of processing one notification. State holds the
// terminal decision reached before tracking (deduped, delivered, batched or logged).
type Outcome struct {
	ID          string         `json:"id"`
	Level       triage.Level   `json:"priority_level"`
	Score       float64        `json:"score"`
	Delivered   bool           `json:"delivered"`
	Channel     router.Channel `json:"channel,omitempty"`
	Reason      string         `json:"reason"`
	ProcessedAt time.Time      `json:"processed_at"`
	State       State          `json:"state"`
}

// Config holds the pipeline tunables. Location is the recipient's zone: every
// time-of-day rule (context windows, quiet hours, the daily rollover) reads
// the clock in it. Nil means time.Local.
type Config struct {
	Location     *time.Location
	Policies     triage.PolicyTable
	FamilyTime   triage.HourWindow
	WorkTime     triage.HourWindow
	Scorer       triage.ScorerConfig
	Dedup        dedup.Config
	Router       router.Config
	Grouper      grouper.Config
	RecentWindow time.Duration
}

const DefaultRecentWindow = time.Hour

// DefaultConfig returns the built-in tunables.
func DefaultConfig() Config {
	return Config{
		Policies:     triage.NewPolicyTable(nil),
		FamilyTime:   triage.DefaultFamilyTime,
		WorkTime:     triage.DefaultWorkTime,
		Scorer:       triage.ScorerConfig{DeepWork: triage.DefaultDeepWork},
		Router:       router.Config{QuietHours: router.DefaultQuietHours},
		RecentWindow: DefaultRecentWindow,
	}
}

type Option func(*Pipeline)

func WithLogger(log logx.Logger) Option { return func(p *Pipeline) { p.log = log } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.clock = now } }

func WithDeliverer(d Deliverer) Option { return func(p *Pipeline) { p.deliverer = d } }

// WithSink installs a plain delivery callback. A nil sink leaves the
// pipeline log-only.
func WithSink(s Sink) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.deliverer = s
		}
	}
}

func WithTracker(t Tracker) Option { return func(p *Pipeline) { p.tracker = t } }

func WithStore(st Store) Option { return func(p *Pipeline) { p.store = st } }

type counters struct {
	processed    atomic.Uint64
	deduped      atomic.Uint64
	delivered    atomic.Uint64
	batched      atomic.Uint64
	logged       atomic.Uint64
	failed       atomic.Uint64
	autoResolved atomic.Uint64
	digests      atomic.Uint64
}

// Pipeline is safe for concurrent use. One mutex serializes every mutation
// of the dedup window, router budget, group table and recent-similar map.
type Pipeline struct {
	log       logx.Logger
	clock     func() time.Time
	deliverer Deliverer
	tracker   Tracker
	store     Store

	scorer  *triage.Scorer
	dedup   *dedup.Window
	router  *router.Router
	grouper *grouper.Grouper

	mu           sync.Mutex
	loc          *time.Location
	enricher     triage.Enricher
	recentWindow time.Duration
	recent       map[string]time.Time

	stats counters
}

func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{recent: map[string]time.Time{}}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "pipeline"))
	if p.clock == nil {
		p.clock = time.Now
	}

	var ds dedup.Store
	if p.store != nil {
		ds = p.store
	}
	p.loc = locationOrLocal(cfg.Location)
	cfg.Router.Location = p.loc
	p.scorer = triage.NewScorer(cfg.Scorer)
	p.dedup = dedup.New(cfg.Dedup, ds, p.log.With(logx.String("comp", "dedup")))
	p.router = router.New(cfg.Router)
	p.grouper = grouper.New(cfg.Grouper)
	p.enricher = triage.NewEnricher(cfg.Policies, cfg.FamilyTime, cfg.WorkTime)
	p.recentWindow = recentWindowOrDefault(cfg.RecentWindow)
	p.dedup.OnSweep = func(now time.Time) { p.pruneRecent(now) }
	return p
}

// Apply swaps tunables at runtime. Learned engagement, the dedup window,
// the daily counter and open groups are kept.
func (p *Pipeline) Apply(cfg Config) {
	loc := locationOrLocal(cfg.Location)
	cfg.Router.Location = loc

	p.mu.Lock()
	p.loc = loc
	p.enricher = triage.NewEnricher(cfg.Policies, cfg.FamilyTime, cfg.WorkTime)
	p.recentWindow = recentWindowOrDefault(cfg.RecentWindow)
	p.mu.Unlock()

	p.scorer.Apply(cfg.Scorer)
	p.dedup.Apply(cfg.Dedup)
	p.router.Apply(cfg.Router)
	p.grouper.Apply(cfg.Grouper)
}

func locationOrLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}

func recentWindowOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRecentWindow
	}
	return d
}

// Start warms persisted state and starts the dedup sweep.
func (p *Pipeline) Start(ctx context.Context) {
	if err := p.LoadEngagement(ctx); err != nil {
		p.log.Warn("engagement load failed", logx.Err(err))
	}
	p.dedup.Start(ctx)
}

// Stop halts background loops and persists engagement.
func (p *Pipeline) Stop(ctx context.Context) {
	p.dedup.Stop(ctx)
	if err := p.PersistEngagement(ctx); err != nil {
		p.log.Warn("engagement persist failed", logx.Err(err))
	}
}

// Process runs one notification to completion. A cancelled ctx still yields
// a tracked outcome: the notification is logged, never dropped.
func (p *Pipeline) Process(ctx context.Context, in triage.Input) Outcome {
	p.stats.processed.Add(1)

	p.mu.Lock()
	now := p.clock().In(p.loc)
	enriched := p.enricher.Enrich(in, now)

	rk := recentKey(enriched.Category, in.Source)
	last, seen := p.recent[rk]
	sc := triage.ScoreContext{
		Now:           now,
		QuietHours:    p.router.InQuietHours(now),
		RecentSimilar: seen && now.Sub(last) < p.recentWindow,
	}
	scored := p.scorer.Score(enriched, sc)
	scored.Category = enriched.Category

	out := Outcome{ID: scored.ID, Level: scored.Level, Score: scored.Score, ProcessedAt: now}

	if p.dedup.IsDuplicate(scored.DedupKey, now) {
		window := p.dedup.Config().Window
		p.mu.Unlock()
		out.State = StateDeduped
		out.Reason = "deduped: same source and title seen within " + window.String()
		p.stats.deduped.Add(1)
		p.log.Debug("notification deduped", logx.String("id", out.ID), logx.String("key", scored.DedupKey))
		p.track(scored, out)
		return out
	}
	p.dedup.MarkSeen(scored.DedupKey, now)
	p.recent[rk] = now

	dec := p.router.Route(router.Request{
		Level:    scored.Level,
		Now:      now,
		Deferred: p.grouper.ShouldDefer(scored),
	})
	out.Channel = dec.Channel
	out.Reason = dec.Reason
	switch dec.Channel {
	case router.ChannelBatch:
		p.grouper.Add(scored, now)
		out.State = StateBatched
	case router.ChannelLog:
		out.State = StateLogged
	}
	p.mu.Unlock()

	if dec.Channel.Immediate() {
		if err := ctx.Err(); err != nil {
			p.abandon(&out, dec, now, err)
		} else {
			p.deliverOne(&out, scored, dec, now)
		}
	}
	// Only a delivered push starts a collecting group.
	if out.Delivered && scored.Level >= triage.P2 {
		p.mu.Lock()
		p.grouper.Open(scored, now)
		p.mu.Unlock()
	}

	switch out.State {
	case StateDelivered:
		p.stats.delivered.Add(1)
	case StateBatched:
		p.stats.batched.Add(1)
	case StateLogged:
		p.stats.logged.Add(1)
		p.log.Info("notification logged",
			logx.String("id", out.ID),
			logx.String("level", out.Level.String()),
			logx.String("category", scored.Category),
			logx.String("title", scored.Title),
			logx.String("reason", out.Reason),
		)
	}
	p.track(scored, out)
	return out
}

func (p *Pipeline) deliverOne(out *Outcome, rec triage.Scored, dec router.Decision, now time.Time) {
	if p.deliverer == nil {
		if dec.Counted {
			p.router.Release(now)
		}
		out.Channel = router.ChannelLog
		out.State = StateLogged
		out.Reason = ErrNoSink.Error()
		return
	}

	err := p.safeDeliver(Delivery{
		Title:    titleOf(rec),
		Body:     rec.Body,
		Tag:      TagFor(rec.Level),
		Category: rec.Category,
		ID:       rec.ID,
	})
	if err != nil {
		if dec.Counted {
			p.router.Release(now)
		}
		p.stats.failed.Add(1)
		out.State = StateLogged
		out.Reason = "delivery failed: " + err.Error()
		p.log.Warn("delivery failed", logx.String("id", out.ID), logx.String("channel", string(out.Channel)), logx.Err(err))
		return
	}
	out.Delivered = true
	out.State = StateDelivered
}

func (p *Pipeline) abandon(out *Outcome, dec router.Decision, now time.Time, err error) {
	if dec.Counted {
		p.router.Release(now)
	}
	out.Channel = router.ChannelLog
	out.State = StateLogged
	out.Reason = "not delivered: " + err.Error()
}

// safeDeliver converts a sink panic into an error.
func (p *Pipeline) safeDeliver(d Delivery) (err error) {
	if p.deliverer == nil {
		return ErrNoSink
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return p.deliverer.Deliver(d)
}

func (p *Pipeline) track(rec triage.Scored, out Outcome) {
	if p.tracker == nil {
		return
	}
	p.tracker.Track(tracker.Record{
		Action: eventbus.TypeProcessed,
		Time:   out.ProcessedAt,
		Details: map[string]any{
			tracker.KeyID:        out.ID,
			tracker.KeySource:    rec.Source,
			tracker.KeyCategory:  rec.Category,
			tracker.KeyLevel:     out.Level.String(),
			tracker.KeyScore:     out.Score,
			tracker.KeyDelivered: out.Delivered,
			tracker.KeyChannel:   string(out.Channel),
			tracker.KeyReason:    out.Reason,
			tracker.KeyDeduped:   out.State == StateDeduped,
		},
	})
}

func (p *Pipeline) pruneRecent(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, t := range p.recent {
		if now.Sub(t) >= p.recentWindow {
			delete(p.recent, k)
			n++
		}
	}
	return n
}

func recentKey(category, source string) string {
	return category + "|" + strings.ToLower(strings.TrimSpace(source))
}

func titleOf(rec triage.Scored) string {
	if t := strings.TrimSpace(rec.Title); t != "" {
		return t
	}
	return grouper.CategoryLabel(rec.Category) + " notification"
}
