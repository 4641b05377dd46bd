package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"triaged/internal/notifier"
	"triaged/internal/pipeline"
	"triaged/internal/router"
	kit "triaged/internal/transport"
	"triaged/internal/triage"
	logx "triaged/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	answers []string
	edits   []string
	menu    []kit.BotCommand
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                      { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if opt != nil && len(opt.Buttons) > 0 {
		text += " [buttons]"
	}
	a.edits = append(a.edits, text)
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.menu = cmds
	return nil
}

func (a *fakeAdapter) counts() (sent, answers, edits int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent), len(a.answers), len(a.edits)
}

type fakeTriage struct {
	mu       sync.Mutex
	feedback []string
	acked    []string
	flushes  int
	pending  int
	at       time.Time
}

func (f *fakeTriage) Stats() pipeline.Stats {
	return pipeline.Stats{
		Processed: 1234, Delivered: 3, Batched: 10, Deduped: 2, Pending: f.pending, OpenGroups: 2, DedupEntries: 7,
		Router: router.Stats{PushCount: 3, DailyMax: 5, DailyMin: 2},
	}
}

func (f *fakeTriage) FlushDigest(context.Context) (pipeline.FlushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	if f.pending == 0 {
		return pipeline.FlushResult{Reason: "nothing pending"}, nil
	}
	return pipeline.FlushResult{Messages: 1, Items: f.pending}, nil
}

func (f *fakeTriage) Engagement() []triage.EngagementState {
	return []triage.EngagementState{{Category: "system", Score: 0.55, Positive: 1, UpdatedAt: f.at}}
}

func (f *fakeTriage) Feedback(category string, engaged bool) triage.EngagementState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, category)
	score := 0.45
	if engaged {
		score = 0.55
	}
	return triage.EngagementState{Category: category, Score: score}
}

func (f *fakeTriage) Acknowledge(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return true
}

const owner = int64(7)

func startManager(t *testing.T, tr *fakeTriage) (*fakeAdapter, chan kit.Update) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewManager(logx.Nop(), ad, []int64{owner})
	h := NewHandlers(tr, func() time.Time { return tr.at.Add(5 * time.Minute) })
	m.SetRegistry(h.Commands(), h.Callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ad, updates
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, FromID: from, Text: text}}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	tr := &fakeTriage{pending: 4, at: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	ad, updates := startManager(t, tr)

	updates <- message(owner, "/status@triage_bot")
	waitFor(t, func() bool { n, _, _ := ad.counts(); return n == 1 })

	ad.mu.Lock()
	got := ad.sent[0]
	ad.mu.Unlock()
	for _, want := range []string{"Pushes today: 3/5", "Pending: 4 in 2 groups", "Processed: 1,234", "system 0.55 (+1/-0, 5 minutes ago)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}
}

func TestNonOwnerIgnored(t *testing.T) {
	t.Parallel()
	tr := &fakeTriage{}
	ad, updates := startManager(t, tr)

	updates <- message(99, "/digest")
	updates <- message(owner, "/digest")
	waitFor(t, func() bool { n, _, _ := ad.counts(); return n == 1 })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", tr.flushes)
	}
	if ad.sent[0] != "Nothing pending." {
		t.Fatalf("reply = %q", ad.sent[0])
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	ad, updates := startManager(t, &fakeTriage{})
	updates <- message(owner, "/nope")
	waitFor(t, func() bool { n, _, _ := ad.counts(); return n == 1 })
	if !strings.Contains(ad.sent[0], "/help") {
		t.Fatalf("reply = %q", ad.sent[0])
	}
}

func TestFeedbackCallback(t *testing.T) {
	t.Parallel()
	tr := &fakeTriage{}
	ad, updates := startManager(t, tr)

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: owner, ChatID: 1, MessageID: 10,
		Data: notifier.FeedbackData(true, "system", "n1"),
		Text: "Disk full",
	}}
	waitFor(t, func() bool { _, a, e := ad.counts(); return a == 1 && e == 1 })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.feedback) != 1 || tr.feedback[0] != "system" || len(tr.acked) != 1 || tr.acked[0] != "n1" {
		t.Fatalf("feedback=%v acked=%v", tr.feedback, tr.acked)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if !strings.Contains(ad.answers[0], "useful") {
		t.Fatalf("answer = %q", ad.answers[0])
	}
	if ad.edits[0] != "Disk full\n\n✓ marked as useful" {
		t.Fatalf("edit = %q", ad.edits[0])
	}
}

func TestFeedbackFromNonOwnerForbidden(t *testing.T) {
	t.Parallel()
	tr := &fakeTriage{}
	ad, updates := startManager(t, tr)

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: 99, Data: notifier.FeedbackData(false, "social", "n2"),
	}}
	waitFor(t, func() bool { _, a, _ := ad.counts(); return a == 1 })
	if ad.answers[0] != "forbidden" {
		t.Fatalf("answer = %q", ad.answers[0])
	}
	if len(tr.feedback) != 0 {
		t.Fatalf("feedback recorded: %v", tr.feedback)
	}
}

func TestUpdateMenu(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewManager(logx.Nop(), ad, nil)
	h := NewHandlers(&fakeTriage{}, nil)
	m.SetRegistry(h.Commands(), h.Callbacks())
	if err := m.UpdateMenu(context.Background()); err != nil {
		t.Fatalf("UpdateMenu: %v", err)
	}
	var names []string
	for _, c := range ad.menu {
		names = append(names, c.Command)
	}
	if strings.Join(names, ",") != "digest,engagement,help,status" {
		t.Fatalf("menu = %v", names)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestFeedbackIsLoggedWithCategory(t *testing.T) {
	t.Parallel()
	logs := &syncBuffer{}
	ad := &fakeAdapter{}
	m := NewManager(logx.NewWriter(logs, "info"), ad, []int64{owner})
	h := NewHandlers(&fakeTriage{}, time.Now)
	m.SetRegistry(h.Commands(), h.Callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: owner, ChatID: 1, Data: notifier.FeedbackData(false, "social", "n2"),
	}}
	waitFor(t, func() bool { return strings.Contains(logs.String(), "feedback handled") })
	out := logs.String()
	for _, want := range []string{`"kind":"feedback"`, `"category":"social"`, `"engaged":false`, `"id":"n2"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %s missing %s", out, want)
		}
	}
}

func TestHandlerPanicIsReported(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewManager(logx.Nop(), ad, []int64{owner})
	boom := func(context.Context, *Request) error { panic("boom") }
	m.SetRegistry(
		[]Command{{Name: "crash", Description: "panics", Handle: boom}},
		[]CallbackRoute{{Prefix: "x", Handle: func(context.Context, *Request, string) error { panic("boom") }}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updates <- message(owner, "/crash")
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb9", FromID: owner, ChatID: 1, Data: "x|1"}}
	waitFor(t, func() bool { s, a, _ := ad.counts(); return s == 1 && a == 1 })

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if ad.sent[0] != "internal error" || ad.answers[0] != "failed" {
		t.Fatalf("sent=%v answers=%v", ad.sent, ad.answers)
	}
}
