package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"triaged/internal/eventbus"
	"triaged/internal/router"
	"triaged/internal/tracker"
	"triaged/internal/triage"
)

// Wednesday 14:00 local: work hours, outside deep work and quiet hours.
var wedAfternoon = time.Date(2024, 1, 10, 14, 0, 0, 0, time.Local)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type sent struct {
	mu   sync.Mutex
	msgs []Delivery
}

func (s *sent) Deliver(d Delivery) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, d)
	s.mu.Unlock()
	return nil
}

func (s *sent) all() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.msgs...)
}

type records struct {
	mu  sync.Mutex
	out []tracker.Record
}

func (r *records) Track(rec tracker.Record) {
	r.mu.Lock()
	r.out = append(r.out, rec)
	r.mu.Unlock()
}

func (r *records) all() []tracker.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracker.Record(nil), r.out...)
}

type harness struct {
	p     *Pipeline
	clock *fakeClock
	sink  *sent
	track *records
}

func newHarness(t *testing.T, at time.Time, opts ...Option) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{now: at}, sink: &sent{}, track: &records{}}
	base := []Option{WithClock(h.clock.Now), WithDeliverer(h.sink), WithTracker(h.track)}
	h.p = New(DefaultConfig(), append(base, opts...)...)
	return h
}

func p2(title, group string) triage.Input {
	return triage.Input{
		Source:          "ci",
		Title:           title,
		Category:        "system",
		GroupKey:        group,
		Urgency:         triage.F(0.5),
		Impact:          triage.F(0.5),
		TimeSensitivity: triage.F(0.5),
		UserRelevance:   triage.F(0.5),
		ContextModifier: triage.F(0),
	}
}

func TestScenarioSecurityIsCritical(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	out := h.p.Process(context.Background(), triage.Input{
		Source: "scanner", Title: "ssh brute force", Category: "security",
		Urgency: triage.F(1), Impact: triage.F(1), TimeSensitivity: triage.F(1),
	})
	if out.Level != triage.P0 || out.Score < 0.8 {
		t.Fatalf("level=%s score=%.3f, want P0 >= .80", out.Level, out.Score)
	}
	if out.Channel != router.ChannelCritical || !out.Delivered || out.State != StateDelivered {
		t.Fatalf("outcome = %+v", out)
	}
	msgs := h.sink.all()
	if len(msgs) != 1 || msgs[0].Tag != TagCritical || msgs[0].Category != "security" || msgs[0].ID != out.ID {
		t.Fatalf("deliveries = %+v", msgs)
	}
	if n := h.p.Stats().Router.PushCount; n != 0 {
		t.Fatalf("push count = %d, P0 must not touch the daily counter", n)
	}
}

func TestScenarioMilestoneIsNeverPushed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	out := h.p.Process(context.Background(), triage.Input{Source: "goals", Title: "10k steps", Category: "milestone"})
	if math.Abs(out.Score-0.285) > 1e-9 {
		t.Fatalf("score = %.6f, want .285", out.Score)
	}
	if out.Level != triage.P3 || out.Channel != router.ChannelBatch || out.Delivered {
		t.Fatalf("outcome = %+v", out)
	}
	if len(h.sink.all()) != 0 {
		t.Fatal("milestone must not be pushed")
	}
}

func TestDedupIdempotence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	in := triage.Input{Source: "ci", Title: "build failed on main", Category: "error"}

	first := h.p.Process(context.Background(), in)
	if !first.Delivered || first.Level != triage.P1 {
		t.Fatalf("first = %+v", first)
	}
	h.clock.Set(wedAfternoon.Add(10 * time.Minute))
	second := h.p.Process(context.Background(), in)
	if second.Delivered || !strings.Contains(second.Reason, "deduped") || second.State != StateDeduped {
		t.Fatalf("second = %+v", second)
	}
	if second.Channel != "" {
		t.Fatalf("deduped outcome has channel %q", second.Channel)
	}

	recs := h.track.all()
	if len(recs) != 2 {
		t.Fatalf("tracked = %d, want every notification tracked", len(recs))
	}
	if recs[1].Action != eventbus.TypeProcessed || !recs[1].Bool(tracker.KeyDeduped) {
		t.Fatalf("dedup record = %+v", recs[1])
	}
	for _, k := range []string{tracker.KeyID, tracker.KeySource, tracker.KeyLevel, tracker.KeyScore, tracker.KeyDelivered, tracker.KeyChannel, tracker.KeyReason} {
		if _, ok := recs[0].Details[k]; !ok {
			t.Fatalf("tracked details missing %q: %v", k, recs[0].Details)
		}
	}

	h.clock.Set(wedAfternoon.Add(16 * time.Minute))
	if third := h.p.Process(context.Background(), in); third.State == StateDeduped {
		t.Fatalf("outside the window the same input must pass: %+v", third)
	}
}

func TestQuietHours(t *testing.T) {
	t.Parallel()
	late := time.Date(2024, 1, 10, 23, 0, 0, 0, time.Local)
	h := newHarness(t, late)

	in := p2("disk at 80%", "")
	in.ContextModifier = nil
	out := h.p.Process(context.Background(), in)
	if out.Level != triage.P2 {
		t.Fatalf("level = %s, want P2 (score %.3f)", out.Level, out.Score)
	}
	if out.Channel == router.ChannelPush || out.Delivered {
		t.Fatalf("P2 at 23:00 must not be pushed: %+v", out)
	}

	crit := h.p.Process(context.Background(), triage.Input{
		Source: "scanner", Title: "root login", Category: "security",
		Urgency: triage.F(1), Impact: triage.F(1), TimeSensitivity: triage.F(1),
	})
	if crit.Level != triage.P0 || !crit.Delivered || crit.Channel != router.ChannelCritical {
		t.Fatalf("P0 at 23:00 = %+v", crit)
	}
}

func TestDailyCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	for i := 0; i < router.DefaultDailyMax; i++ {
		out := h.p.Process(context.Background(), p2(fmt.Sprintf("job %d slow", i), ""))
		if out.Channel != router.ChannelPush || !out.Delivered {
			t.Fatalf("push %d = %+v", i, out)
		}
	}
	out := h.p.Process(context.Background(), p2("job 99 slow", ""))
	if out.Channel != router.ChannelBatch || out.Delivered {
		t.Fatalf("over-cap P2 = %+v, want batch", out)
	}
}

func TestNoSinkDegradesToLog(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig(), WithClock(func() time.Time { return wedAfternoon }))
	out := p.Process(context.Background(), triage.Input{Source: "ci", Title: "deploy failed", Category: "error"})
	if out.Delivered || out.Channel != router.ChannelLog || out.Reason != "no delivery sink" {
		t.Fatalf("outcome = %+v", out)
	}
	if n := p.Stats().Router.PushCount; n != 0 {
		t.Fatalf("push count = %d, failed delivery must not use the budget", n)
	}
	if _, err := p.FlushDigest(context.Background()); err != nil {
		t.Fatalf("empty digest without sink: %v", err)
	}
}

func TestSinkErrorsAndPanics(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		sink Sink
	}{
		{"error", func(string, string, string) error { return errors.New("telegram down") }},
		{"panic", func(string, string, string) error { panic("boom") }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := New(DefaultConfig(), WithClock(func() time.Time { return wedAfternoon }), WithSink(tc.sink))
			out := p.Process(context.Background(), triage.Input{Source: "ci", Title: "deploy failed", Category: "error"})
			if out.Delivered || !strings.HasPrefix(out.Reason, "delivery failed") {
				t.Fatalf("outcome = %+v", out)
			}
			if p.Stats().Failed != 1 {
				t.Fatalf("failed = %d", p.Stats().Failed)
			}
		})
	}
}

func TestGroupedItemsAreSummarized(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	ctx := context.Background()

	first := h.p.Process(ctx, p2("step 1 failed", "deploy-7"))
	if first.Channel != router.ChannelPush {
		t.Fatalf("first grouped item = %+v", first)
	}
	for i := 2; i <= 3; i++ {
		out := h.p.Process(ctx, p2(fmt.Sprintf("step %d failed", i), "deploy-7"))
		if out.Channel != router.ChannelBatch {
			t.Fatalf("follower %d = %+v, want batch", i, out)
		}
	}

	res, err := h.p.FlushReady(ctx)
	if err != nil {
		t.Fatalf("flush ready: %v", err)
	}
	if res.Messages != 1 || res.Items != 2 {
		t.Fatalf("flush = %+v", res)
	}
	msgs := h.sink.all()
	last := msgs[len(msgs)-1]
	if last.Title != "2 System Notifications" || last.Tag != TagDigest {
		t.Fatalf("summary = %+v", last)
	}
	if h.p.Stats().Pending != 0 {
		t.Fatal("flushed records must leave the pending set")
	}
}

func TestUndeliveredLeadDoesNotOpenGroup(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		opt  Option
	}{
		{"no sink", nil},
		{"sink error", WithSink(func(string, string, string) error { return errors.New("telegram down") })},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := New(DefaultConfig(), WithClock(func() time.Time { return wedAfternoon }), tc.opt)
			ctx := context.Background()
			for i := 1; i <= 2; i++ {
				out := p.Process(ctx, p2(fmt.Sprintf("step %d failed", i), "deploy-7"))
				if out.State != StateLogged || out.Channel == router.ChannelBatch {
					t.Fatalf("item %d = %+v, want logged", i, out)
				}
			}
			if s := p.Stats(); s.OpenGroups != 0 || s.Pending != 0 {
				t.Fatalf("stats = %+v, nothing may wait on an undelivered group", s)
			}
		})
	}
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.p.Process(ctx, triage.Input{Source: "ci", Title: "deploy failed", Category: "error"})
	if out.Delivered || out.State != StateLogged || len(h.sink.all()) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if n := h.p.Stats().Router.PushCount; n != 0 {
		t.Fatalf("push count = %d", n)
	}
	if _, err := h.p.AutoResolve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("auto-resolve err = %v", err)
	}
}

func TestContextWindowsUseConfiguredZone(t *testing.T) {
	t.Parallel()
	// Wednesday 10:00 UTC is 19:00 at +09:00 (family time) but work hours in UTC.
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	in := triage.Input{Source: "ci", Title: "disk at 80%", Category: "system"}
	score := func(loc *time.Location, now time.Time) float64 {
		cfg := DefaultConfig()
		cfg.Location = loc
		p := New(cfg, WithClock(func() time.Time { return now }), WithSink(func(string, string, string) error { return nil }))
		return p.Process(context.Background(), in).Score
	}

	tokyo := time.FixedZone("UTC+9", 9*3600)
	got := score(tokyo, at)
	sameWallClock := score(time.UTC, time.Date(2024, 1, 10, 19, 0, 0, 0, time.UTC))
	if math.Abs(got-sameWallClock) > 1e-9 {
		t.Fatalf("score at 19:00 +09:00 = %.4f, at 19:00 UTC = %.4f", got, sameWallClock)
	}
	if utc := score(time.UTC, at); math.Abs(got-utc) < 1e-9 {
		t.Fatalf("score %.4f ignores the configured zone", got)
	}

	// Quiet hours follow the same zone: 14:00 UTC is 23:00 at +09:00.
	cfg := DefaultConfig()
	cfg.Location = tokyo
	p := New(cfg, WithClock(func() time.Time { return time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC) }))
	if !p.Stats().Router.QuietHours {
		t.Fatal("quiet hours must be evaluated in the configured zone")
	}
}

func TestFlushReadySkipsQuietHours(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	h.p.Process(context.Background(), triage.Input{Source: "goals", Title: "streak", Category: "milestone"})
	h.clock.Set(time.Date(2024, 1, 10, 22, 0, 0, 0, time.Local))
	res, err := h.p.FlushReady(context.Background())
	if err != nil || res.Messages != 0 || res.Reason != "quiet hours" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestFlushDigest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	ctx := context.Background()
	h.p.Process(ctx, triage.Input{Source: "goals", Title: "10k steps", Category: "milestone"})
	h.p.Process(ctx, triage.Input{Source: "goals", Title: "30 day streak", Category: "milestone"})

	res, err := h.p.FlushDigest(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if res.Messages != 1 || res.Items != 2 {
		t.Fatalf("digest = %+v", res)
	}
	msgs := h.sink.all()
	if len(msgs) != 1 || msgs[0].Tag != TagDigest || !strings.Contains(msgs[0].Body, "2 Milestone Notifications") {
		t.Fatalf("deliveries = %+v", msgs)
	}
	if h.p.Stats().Router.PushCount != 1 {
		t.Fatal("digest counts as one push")
	}

	again, err := h.p.FlushDigest(ctx)
	if err != nil || again.Messages != 0 {
		t.Fatalf("second digest = %+v err=%v, want nothing pending", again, err)
	}
}

func TestAutoResolve(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	ctx := context.Background()
	out := h.p.Process(ctx, triage.Input{Source: "goals", Title: "10k steps", Category: "milestone"})
	if out.State != StateBatched {
		t.Fatalf("outcome = %+v", out)
	}

	h.clock.Set(wedAfternoon.Add(11 * time.Hour))
	if n, err := h.p.AutoResolve(ctx); err != nil || n != 0 {
		t.Fatalf("resolved = %d err=%v before the P3 timeout", n, err)
	}
	h.clock.Set(wedAfternoon.Add(13 * time.Hour))
	if n, err := h.p.AutoResolve(ctx); err != nil || n != 1 {
		t.Fatalf("resolved = %d err=%v, want 1", n, err)
	}
	var found bool
	for _, r := range h.track.all() {
		if r.Action == eventbus.TypeAutoResolved && r.String(tracker.KeyID) == out.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("auto-resolve was not tracked")
	}
}

func TestAcknowledgedItemsSurvive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	ctx := context.Background()
	out := h.p.Process(ctx, triage.Input{Source: "goals", Title: "10k steps", Category: "milestone"})
	if !h.p.Acknowledge(out.ID) {
		t.Fatal("acknowledge should find the pending record")
	}
	h.clock.Set(wedAfternoon.Add(13 * time.Hour))
	if n, _ := h.p.AutoResolve(ctx); n != 0 {
		t.Fatalf("resolved = %d, acknowledged items must stay", n)
	}
}

func TestFeedbackLearnsEngagement(t *testing.T) {
	t.Parallel()
	h := newHarness(t, wedAfternoon)
	st := h.p.Feedback("Market", true)
	if st.Category != "market" || math.Abs(st.Score-0.55) > 1e-9 || st.Positive != 1 {
		t.Fatalf("state = %+v", st)
	}
	eng := h.p.Engagement()
	if len(eng) != 1 || eng[0].Category != "market" {
		t.Fatalf("engagement = %+v", eng)
	}
}

func TestTagFor(t *testing.T) {
	t.Parallel()
	want := map[triage.Level]string{
		triage.P0: TagCritical,
		triage.P1: TagHigh,
		triage.P2: TagNormal,
		triage.P3: TagNormal,
	}
	for lvl, tag := range want {
		if got := TagFor(lvl); got != tag {
			t.Fatalf("TagFor(%s) = %q, want %q", lvl, got, tag)
		}
	}
}
