package pipeline

import (
	"context"
	"fmt"
	"time"

	"triaged/internal/eventbus"
	"triaged/internal/grouper"
	"triaged/internal/router"
	"triaged/internal/storage"
	"triaged/internal/tracker"
	"triaged/internal/triage"
	logx "triaged/pkg/logx"
)

// FlushResult describes one digest or group flush.
type FlushResult struct {
	Messages int    `json:"messages"`
	Items    int    `json:"items"`
	Resolved int    `json:"auto_resolved"`
	Reason   string `json:"reason,omitempty"`
}

// FlushDigest drops timed-out items, then delivers every pending record as a
// single category digest. The digest always counts as a push and is allowed
// past the cap.
func (p *Pipeline) FlushDigest(ctx context.Context) (FlushResult, error) {
	if err := ctx.Err(); err != nil {
		return FlushResult{}, err
	}
	now := p.clock()

	p.mu.Lock()
	defer p.mu.Unlock()

	res := FlushResult{Resolved: p.autoResolveLocked(now)}
	pending := p.grouper.Pending()
	if len(pending) == 0 {
		res.Reason = "nothing pending"
		return res, nil
	}
	if p.deliverer == nil {
		return res, ErrNoSink
	}

	summaries := grouper.BatchDigest(pending)
	title, body := grouper.RenderDigest(summaries)
	p.router.Consume(now, true)
	if err := p.safeDeliver(Delivery{Title: title, Body: body, Tag: TagDigest}); err != nil {
		p.router.Release(now)
		p.stats.failed.Add(1)
		return res, fmt.Errorf("deliver digest: %w", err)
	}

	var keys []string
	for _, g := range p.grouper.Snapshot() {
		if !g.Flushed {
			keys = append(keys, g.Key)
		}
	}
	p.grouper.MarkFlushed(keys, now)

	res.Messages = 1
	res.Items = len(pending)
	p.stats.digests.Add(1)
	p.trackDigest(now, "digest", len(summaries), len(pending))
	p.log.Info("digest delivered", logx.Int("items", len(pending)), logx.Int("categories", len(summaries)))
	return res, nil
}

// FlushReady delivers a summary for each group that collected at least two
// items. Single-item groups qualify while today's pushes are below the daily
// minimum. Nothing is sent during quiet hours or once the cap is reached.
func (p *Pipeline) FlushReady(ctx context.Context) (FlushResult, error) {
	if err := ctx.Err(); err != nil {
		return FlushResult{}, err
	}
	now := p.clock()

	p.mu.Lock()
	defer p.mu.Unlock()

	var res FlushResult
	if p.router.InQuietHours(now) {
		res.Reason = "quiet hours"
		return res, nil
	}
	ready := p.grouper.ReadyGroups(1)
	if len(ready) == 0 {
		return res, nil
	}
	if p.deliverer == nil {
		return res, ErrNoSink
	}

	for _, g := range ready {
		if len(g.Records) < grouper.DefaultMinItems && !p.router.UnderTarget(now) {
			continue
		}
		if !p.router.Consume(now, false) {
			res.Reason = "daily push cap reached"
			break
		}
		s := grouper.Summarize(g)
		err := p.safeDeliver(Delivery{Title: s.Title, Body: s.Body, Tag: TagDigest, Category: s.Category, ID: g.Key})
		if err != nil {
			p.router.Release(now)
			p.stats.failed.Add(1)
			return res, fmt.Errorf("deliver group %s: %w", g.Key, err)
		}
		p.grouper.MarkFlushed([]string{g.Key}, now)
		res.Messages++
		res.Items += s.Count
		p.trackDigest(now, g.Key, 1, s.Count)
	}
	if res.Messages > 0 {
		p.log.Debug("groups flushed", logx.Int("messages", res.Messages), logx.Int("items", res.Items))
	}
	return res, nil
}

// AutoResolve removes pending records that outlived their level's timeout
// without being acknowledged.
func (p *Pipeline) AutoResolve(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := p.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoResolveLocked(now), nil
}

func (p *Pipeline) autoResolveLocked(now time.Time) int {
	cands := p.grouper.AutoResolveCandidates(p.grouper.Pending(), now)
	if len(cands) == 0 {
		return 0
	}
	ids := make([]string, 0, len(cands))
	for _, r := range cands {
		ids = append(ids, r.ID)
	}
	n := p.grouper.Resolve(ids, now)
	p.stats.autoResolved.Add(uint64(n))
	for _, r := range cands {
		if p.tracker == nil {
			break
		}
		p.tracker.Track(tracker.Record{
			Action: eventbus.TypeAutoResolved,
			Time:   now,
			Details: map[string]any{
				tracker.KeyID:       r.ID,
				tracker.KeySource:   r.Source,
				tracker.KeyCategory: r.Category,
				tracker.KeyLevel:    r.Level.String(),
				tracker.KeyScore:    r.Score,
				tracker.KeyReason:   "auto-resolved after " + r.Age(now).Truncate(time.Minute).String(),
			},
		})
	}
	p.log.Debug("auto-resolved", logx.Int("count", n))
	return n
}

// Cleanup purges old flushed groups and stale recent-similar entries.
func (p *Pipeline) Cleanup() int {
	now := p.clock()
	p.mu.Lock()
	n := p.grouper.Cleanup(now)
	p.mu.Unlock()
	p.pruneRecent(now)
	return n
}

// Feedback records whether the recipient engaged with a category.
func (p *Pipeline) Feedback(category string, engaged bool) triage.EngagementState {
	now := p.clock()
	st := p.scorer.UpdateEngagement(category, engaged, now)
	if p.tracker != nil {
		p.tracker.Track(tracker.Record{
			Action: eventbus.TypeFeedback,
			Time:   now,
			Details: map[string]any{
				tracker.KeyCategory: st.Category,
				tracker.KeyScore:    st.Score,
				"engaged":           engaged,
			},
		})
	}
	return st
}

// Acknowledge marks a pending record as seen so it is never auto-resolved.
func (p *Pipeline) Acknowledge(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grouper.Acknowledge(id)
}

// Engagement returns the learned per-category engagement.
func (p *Pipeline) Engagement() []triage.EngagementState { return p.scorer.ExportEngagement() }

// Groups returns a snapshot of the group table.
func (p *Pipeline) Groups() []grouper.Group { return p.grouper.Snapshot() }

// PersistEngagement writes learned engagement to the store (no-op without one).
func (p *Pipeline) PersistEngagement(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	states := p.scorer.ExportEngagement()
	recs := make([]storage.EngagementRecord, 0, len(states))
	for _, s := range states {
		recs = append(recs, storage.EngagementRecord{
			Category:  s.Category,
			Score:     s.Score,
			Positive:  s.Positive,
			Negative:  s.Negative,
			UpdatedAt: s.UpdatedAt,
		})
	}
	return p.store.SaveEngagement(ctx, recs)
}

// LoadEngagement restores learned engagement from the store.
func (p *Pipeline) LoadEngagement(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	recs, err := p.store.LoadEngagement(ctx)
	if err != nil {
		return err
	}
	states := make([]triage.EngagementState, 0, len(recs))
	for _, r := range recs {
		states = append(states, triage.EngagementState{
			Category:  r.Category,
			Score:     r.Score,
			Positive:  r.Positive,
			Negative:  r.Negative,
			UpdatedAt: r.UpdatedAt,
		})
	}
	p.scorer.ImportEngagement(states)
	if len(states) > 0 {
		p.log.Debug("engagement loaded", logx.Int("categories", len(states)))
	}
	return nil
}

// Stats is a point-in-time view for status surfaces.
type Stats struct {
	Processed    uint64       `json:"processed"`
	Deduped      uint64       `json:"deduped"`
	Delivered    uint64       `json:"delivered"`
	Batched      uint64       `json:"batched"`
	Logged       uint64       `json:"logged"`
	Failed       uint64       `json:"failed"`
	AutoResolved uint64       `json:"auto_resolved"`
	Digests      uint64       `json:"digests"`
	DedupEntries int          `json:"dedup_entries"`
	Pending      int          `json:"pending"`
	OpenGroups   int          `json:"open_groups"`
	Router       router.Stats `json:"router"`
}

func (p *Pipeline) Stats() Stats {
	now := p.clock()
	s := Stats{
		Processed:    p.stats.processed.Load(),
		Deduped:      p.stats.deduped.Load(),
		Delivered:    p.stats.delivered.Load(),
		Batched:      p.stats.batched.Load(),
		Logged:       p.stats.logged.Load(),
		Failed:       p.stats.failed.Load(),
		AutoResolved: p.stats.autoResolved.Load(),
		Digests:      p.stats.digests.Load(),
		DedupEntries: p.dedup.Len(),
		Pending:      len(p.grouper.Pending()),
		Router:       p.router.Stats(now),
	}
	for _, g := range p.grouper.Snapshot() {
		if !g.Flushed {
			s.OpenGroups++
		}
	}
	return s
}

func (p *Pipeline) trackDigest(now time.Time, key string, messages, items int) {
	if p.tracker == nil {
		return
	}
	p.tracker.Track(tracker.Record{
		Action: eventbus.TypeDigest,
		Time:   now,
		Details: map[string]any{
			tracker.KeyID:        key,
			tracker.KeyChannel:   string(router.ChannelPush),
			tracker.KeyDelivered: true,
			tracker.KeyCount:     items,
			"messages":           messages,
		},
	})
}
