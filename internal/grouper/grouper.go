// Package grouper aggregates deferred notifications into groups, produces
// digest summaries, and auto-resolves stale low-priority items.
package grouper

import (
	"sort"
	"sync"
	"time"

	"triaged/internal/triage"
)

const (
	DefaultRetention = 24 * time.Hour
	DefaultMinItems  = 2
)

// DefaultAutoResolve returns the per-level timeouts. Zero means never.
func DefaultAutoResolve() map[triage.Level]time.Duration {
	return map[triage.Level]time.Duration{
		triage.P0: 0,
		triage.P1: 0,
		triage.P2: 4 * time.Hour,
		triage.P3: 12 * time.Hour,
		triage.P4: 2 * time.Hour,
	}
}

type Config struct {
	AutoResolve map[triage.Level]time.Duration
	Retention   time.Duration
}

func (c Config) withDefaults() Config {
	ar := DefaultAutoResolve()
	for lvl, d := range c.AutoResolve {
		// P0/P1 are never auto-resolved.
		if lvl <= triage.P1 {
			continue
		}
		if d >= 0 {
			ar[lvl] = d
		}
	}
	c.AutoResolve = ar
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Group is a set of related records delivered together.
type Group struct {
	Key       string          `json:"group_key"`
	Category  string          `json:"category"`
	Priority  triage.Level    `json:"priority"`
	Records   []triage.Scored `json:"records"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Flushed   bool            `json:"flushed"`
	FlushedAt time.Time       `json:"flushed_at,omitempty"`
}

func (g *Group) clone() Group {
	cp := *g
	cp.Records = append([]triage.Scored(nil), g.Records...)
	return cp
}

// Grouper is safe for concurrent use.
type Grouper struct {
	mu     sync.Mutex
	cfg    Config
	groups map[string]*Group
	acked  map[string]bool
}

func New(cfg Config) *Grouper {
	return &Grouper{cfg: cfg.withDefaults(), groups: map[string]*Group{}, acked: map[string]bool{}}
}

func (g *Grouper) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

// KeyFor is the record's explicit group key or, when ungrouped, its own id.
func KeyFor(rec triage.Scored) string {
	if rec.GroupKey != "" {
		return rec.GroupKey
	}
	return rec.ID
}

// Add appends rec to its group, creating the group on first arrival (or when
// the previous group under that key was already flushed). The group's
// priority is promoted to the most urgent level seen.
func (g *Grouper) Add(rec triage.Scored, now time.Time) Group {
	key := KeyFor(rec)
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, ok := g.groups[key]
	if !ok || grp.Flushed {
		grp = &Group{
			Key:       key,
			Category:  triage.NormalizeCategory(rec.Category),
			Priority:  rec.Level,
			CreatedAt: now,
		}
		g.groups[key] = grp
	}
	grp.Records = append(grp.Records, rec)
	if rec.Level < grp.Priority {
		grp.Priority = rec.Level
	}
	grp.UpdatedAt = now
	return grp.clone()
}

// Open starts an empty collecting group for rec's key when none is open, so
// later arrivals under the same key are deferred. Ungrouped records are ignored.
func (g *Grouper) Open(rec triage.Scored, now time.Time) {
	if rec.GroupKey == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if grp, ok := g.groups[rec.GroupKey]; ok && !grp.Flushed {
		grp.UpdatedAt = now
		return
	}
	g.groups[rec.GroupKey] = &Group{
		Key:       rec.GroupKey,
		Category:  triage.NormalizeCategory(rec.Category),
		Priority:  rec.Level,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ShouldDefer reports whether rec should wait for its group to flush instead
// of being delivered on its own. P0/P1 and ungrouped items never wait, and the
// first arrival in a group is never deferred by this check.
func (g *Grouper) ShouldDefer(rec triage.Scored) bool {
	if rec.Level <= triage.P1 || rec.GroupKey == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[rec.GroupKey]
	return ok && !grp.Flushed
}

// ReadyGroups returns unflushed groups holding at least minItems records.
func (g *Grouper) ReadyGroups(minItems int) []Group {
	if minItems <= 0 {
		minItems = DefaultMinItems
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Group
	for _, grp := range g.groups {
		if !grp.Flushed && len(grp.Records) >= minItems {
			out = append(out, grp.clone())
		}
	}
	sortGroups(out)
	return out
}

// Pending returns every record in unflushed groups, oldest first.
func (g *Grouper) Pending() []triage.Scored {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []triage.Scored
	for _, grp := range g.groups {
		if !grp.Flushed {
			out = append(out, grp.Records...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngestedAt.Before(out[j].IngestedAt) })
	return out
}

// MarkFlushed flags the given groups as delivered.
func (g *Grouper) MarkFlushed(keys []string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		if grp, ok := g.groups[k]; ok && !grp.Flushed {
			grp.Flushed = true
			grp.FlushedAt = now
			grp.UpdatedAt = now
		}
	}
}

// Acknowledge marks a record as seen by the recipient; acknowledged records
// are never auto-resolved.
func (g *Grouper) Acknowledge(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, grp := range g.groups {
		for _, r := range grp.Records {
			if r.ID == id {
				g.acked[id] = true
				return true
			}
		}
	}
	return false
}

// AutoResolveCandidates returns records older than their level's timeout
// that were never acknowledged.
func (g *Grouper) AutoResolveCandidates(records []triage.Scored, now time.Time) []triage.Scored {
	g.mu.Lock()
	timeouts := g.cfg.AutoResolve
	acked := make(map[string]bool, len(g.acked))
	for k, v := range g.acked {
		acked[k] = v
	}
	g.mu.Unlock()

	var out []triage.Scored
	for _, r := range records {
		if acked[r.ID] {
			continue
		}
		timeout := timeouts[r.Level]
		if timeout <= 0 {
			continue
		}
		if r.Age(now) > timeout {
			out = append(out, r)
		}
	}
	return out
}

// Resolve removes records from unflushed groups. A group emptied this way is
// marked flushed so cleanup can purge it.
func (g *Grouper) Resolve(ids []string, now time.Time) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, grp := range g.groups {
		if grp.Flushed {
			continue
		}
		kept := grp.Records[:0]
		for _, r := range grp.Records {
			if drop[r.ID] {
				n++
				delete(g.acked, r.ID)
				continue
			}
			kept = append(kept, r)
		}
		grp.Records = kept
		if len(kept) == 0 {
			grp.Flushed = true
			grp.FlushedAt = now
		} else {
			grp.Priority = kept[0].Level
			for _, r := range kept[1:] {
				if r.Level < grp.Priority {
					grp.Priority = r.Level
				}
			}
		}
		grp.UpdatedAt = now
	}
	return n
}

// Cleanup purges flushed groups older than the retention window, and open
// groups that never collected anything within it.
func (g *Grouper) Cleanup(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-g.cfg.Retention)
	n := 0
	for k, grp := range g.groups {
		stale := grp.Flushed && grp.FlushedAt.Before(cutoff)
		if !grp.Flushed && len(grp.Records) == 0 && grp.UpdatedAt.Before(cutoff) {
			stale = true
		}
		if stale {
			for _, r := range grp.Records {
				delete(g.acked, r.ID)
			}
			delete(g.groups, k)
			n++
		}
	}
	return n
}

// Snapshot returns copies of all groups, most urgent first.
func (g *Grouper) Snapshot() []Group {
	g.mu.Lock()
	out := make([]Group, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, grp.clone())
	}
	g.mu.Unlock()
	sortGroups(out)
	return out
}

func sortGroups(gs []Group) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Priority != gs[j].Priority {
			return gs[i].Priority < gs[j].Priority
		}
		if len(gs[i].Records) != len(gs[j].Records) {
			return len(gs[i].Records) > len(gs[j].Records)
		}
		return gs[i].Key < gs[j].Key
	})
}
