// Package router maps a priority level and the wall clock onto a delivery
// channel, enforcing quiet hours and the daily push budget.
package router

import (
	"sync"
	"time"

	"triaged/internal/triage"
)

// Channel is where a routed notification goes.
type Channel string

const (
	ChannelCritical Channel = "critical"
	ChannelPush     Channel = "telegram"
	ChannelBatch    Channel = "batch"
	ChannelLog      Channel = "log"
)

// Immediate reports whether the channel is delivered right away via the sink.
func (c Channel) Immediate() bool { return c == ChannelCritical || c == ChannelPush }

// P1 over-cap policies.
const (
	P1OverCapPush  = "push"
	P1OverCapBatch = "batch"
)

const (
	DefaultDailyMax = 5
	DefaultDailyMin = 2
)

// DefaultQuietHours is 21:00-06:30.
var DefaultQuietHours = triage.HourWindow{Start: 21, End: 6.5}

type Config struct {
	QuietHours triage.HourWindow
	DailyMax   int
	DailyMin   int
	// P1OverCap decides what P1 does once the daily cap is reached outside
	// quiet hours: "push" (default, P1 is cap-exempt) or "batch".
	P1OverCap string
	Location  *time.Location
}

func (c Config) withDefaults() Config {
	if c.DailyMax <= 0 {
		c.DailyMax = DefaultDailyMax
	}
	if c.DailyMin < 0 {
		c.DailyMin = 0
	}
	if c.DailyMin > c.DailyMax {
		c.DailyMin = c.DailyMax
	}
	if c.P1OverCap != P1OverCapBatch {
		c.P1OverCap = P1OverCapPush
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Decision is the router's verdict for one notification.
type Decision struct {
	Channel Channel
	Reason  string
	// Counted is true when the decision consumed one push from today's budget.
	Counted bool
}

// Request carries the per-notification facts used for routing.
type Request struct {
	Level triage.Level
	Now   time.Time
	// Deferred is true when the item belongs to a group that is already
	// collecting (grouper says subsequent items should wait).
	Deferred bool
}

// Stats is a point-in-time view of the daily budget.
type Stats struct {
	Date       string `json:"date"`
	PushCount  int    `json:"push_count"`
	DailyMax   int    `json:"daily_max"`
	DailyMin   int    `json:"daily_min"`
	QuietHours bool   `json:"quiet_hours"`
}

// Router is safe for concurrent use.
type Router struct {
	mu        sync.Mutex
	cfg       Config
	date      string
	pushCount int
}

func New(cfg Config) *Router {
	return &Router{cfg: cfg.withDefaults()}
}

func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// InQuietHours reports whether now falls inside the configured quiet hours.
func (r *Router) InQuietHours(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.QuietHours.Contains(now.In(r.cfg.Location))
}

// Route evaluates the decision table in order.
func (r *Router) Route(req Request) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked(req.Now)

	local := req.Now.In(r.cfg.Location)
	quiet := r.cfg.QuietHours.Contains(local)

	switch {
	case req.Level == triage.P0:
		return Decision{Channel: ChannelCritical, Reason: "P0 critical; bypasses quiet hours and cap"}
	case req.Level >= triage.P4:
		return Decision{Channel: ChannelLog, Reason: "P4 log only"}
	case quiet && req.Level == triage.P1:
		return Decision{Channel: ChannelBatch, Reason: "quiet hours; deferred to next digest"}
	case quiet:
		return Decision{Channel: ChannelLog, Reason: "quiet hours; " + req.Level.String() + " not pushed"}
	case req.Deferred && req.Level >= triage.P2:
		return Decision{Channel: ChannelBatch, Reason: "grouped; waiting for group summary"}
	}

	if r.pushCount >= r.cfg.DailyMax {
		if req.Level == triage.P1 && r.cfg.P1OverCap == P1OverCapPush {
			r.pushCount++
			return Decision{Channel: ChannelPush, Reason: "over cap; p1 exempt", Counted: true}
		}
		return Decision{Channel: ChannelBatch, Reason: "daily push cap reached"}
	}

	if req.Level == triage.P1 || req.Level == triage.P2 {
		r.pushCount++
		return Decision{Channel: ChannelPush, Reason: req.Level.String() + " push", Counted: true}
	}
	return Decision{Channel: ChannelBatch, Reason: req.Level.String() + " batched"}
}

// Consume takes one push from today's budget for out-of-band deliveries
// (digests, group summaries). It returns false when the cap is reached
// unless force is set.
func (r *Router) Consume(now time.Time, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked(now)
	if !force && r.pushCount >= r.cfg.DailyMax {
		return false
	}
	r.pushCount++
	return true
}

// Release returns one push to today's budget after a counted delivery failed.
func (r *Router) Release(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked(now)
	if r.pushCount > 0 {
		r.pushCount--
	}
}

// UnderTarget reports whether fewer than the configured minimum pushes went out today.
func (r *Router) UnderTarget(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked(now)
	return r.pushCount < r.cfg.DailyMin
}

func (r *Router) Stats(now time.Time) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked(now)
	return Stats{
		Date:       r.date,
		PushCount:  r.pushCount,
		DailyMax:   r.cfg.DailyMax,
		DailyMin:   r.cfg.DailyMin,
		QuietHours: r.cfg.QuietHours.Contains(now.In(r.cfg.Location)),
	}
}

// rolloverLocked resets the counter when the local date changes.
func (r *Router) rolloverLocked(now time.Time) {
	d := now.In(r.cfg.Location).Format(time.DateOnly)
	if d != r.date {
		r.date = d
		r.pushCount = 0
	}
}
