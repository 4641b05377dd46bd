package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"triaged/internal/notifier"
	"triaged/internal/pipeline"
	kit "triaged/internal/transport"
	"triaged/internal/triage"
	logx "triaged/pkg/logx"

	"github.com/dustin/go-humanize"
)

// Triage is the part of the pipeline the chat commands drive.
type Triage interface {
	Stats() pipeline.Stats
	FlushDigest(ctx context.Context) (pipeline.FlushResult, error)
	Engagement() []triage.EngagementState
	Feedback(category string, engaged bool) triage.EngagementState
	Acknowledge(id string) bool
}

// Handlers builds the triage commands and the feedback-button route.
type Handlers struct {
	t   Triage
	now func() time.Time
}

func NewHandlers(t Triage, now func() time.Time) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{t: t, now: now}
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "status", Aliases: []string{"s"}, Description: "push budget, pending items, engagement", Handle: h.status},
		{Name: "digest", Description: "send the pending digest now", Timeout: 30 * time.Second, Handle: h.digest},
		{Name: "engagement", Aliases: []string{"eng"}, Description: "learned engagement per category", Handle: h.engagement},
	}
}

func (h *Handlers) Callbacks() []CallbackRoute {
	return []CallbackRoute{{Prefix: "fb", Kind: KindFeedback, Handle: h.feedback}}
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	return req.Reply(ctx, h.StatusText())
}

// StatusText renders the /status reply.
func (h *Handlers) StatusText() string {
	st := h.t.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Pushes today: %d/%d (target %d)\n", st.Router.PushCount, st.Router.DailyMax, st.Router.DailyMin)
	quiet := "no"
	if st.Router.QuietHours {
		quiet = "yes"
	}
	fmt.Fprintf(&b, "Quiet hours: %s\n", quiet)
	fmt.Fprintf(&b, "Pending: %d in %d groups\n", st.Pending, st.OpenGroups)
	fmt.Fprintf(&b, "Dedup window: %d entries\n", st.DedupEntries)
	fmt.Fprintf(&b, "Processed: %s (pushed %s, batched %s, logged %s, deduped %s, failed %s)",
		humanize.Comma(int64(st.Processed)),
		humanize.Comma(int64(st.Delivered)),
		humanize.Comma(int64(st.Batched)),
		humanize.Comma(int64(st.Logged)),
		humanize.Comma(int64(st.Deduped)),
		humanize.Comma(int64(st.Failed)),
	)
	if eng := h.EngagementText(); eng != "" {
		b.WriteString("\n\n")
		b.WriteString(eng)
	}
	return b.String()
}

func (h *Handlers) engagement(ctx context.Context, req *Request) error {
	txt := h.EngagementText()
	if txt == "" {
		txt = "No engagement recorded yet."
	}
	return req.Reply(ctx, txt)
}

// EngagementText renders one line per category, or "" when nothing is learned.
func (h *Handlers) EngagementText() string {
	states := h.t.Engagement()
	if len(states) == 0 {
		return ""
	}
	now := h.now()
	lines := make([]string, 0, len(states)+1)
	lines = append(lines, "Engagement:")
	for _, s := range states {
		lines = append(lines, fmt.Sprintf("%s %.2f (+%d/-%d, %s)",
			s.Category, s.Score, s.Positive, s.Negative, humanize.RelTime(s.UpdatedAt, now, "ago", "from now")))
	}
	return strings.Join(lines, "\n")
}

func (h *Handlers) digest(ctx context.Context, req *Request) error {
	res, err := h.t.FlushDigest(ctx)
	switch {
	case errors.Is(err, pipeline.ErrNoSink):
		return req.Reply(ctx, "No delivery channel configured.")
	case err != nil:
		_ = req.Reply(ctx, "Digest failed: "+err.Error())
		return err
	case res.Messages == 0:
		return req.Reply(ctx, "Nothing pending.")
	}
	return nil
}

func (h *Handlers) feedback(ctx context.Context, req *Request, data string) error {
	cb := req.Update.Callback
	fb, ok := notifier.ParseFeedback(data)
	if !ok {
		return req.Adapter.AnswerCallback(ctx, cb.ID, "unknown action")
	}
	st := h.t.Feedback(fb.Category, fb.Engaged)
	req.Annotate(
		logx.String("category", st.Category),
		logx.Bool("engaged", fb.Engaged),
		logx.Float64("engagement", st.Score),
	)
	if fb.ID != "" {
		req.Annotate(logx.String("id", fb.ID), logx.Bool("acknowledged", h.t.Acknowledge(fb.ID)))
	}

	mark := "marked as noise"
	if fb.Engaged {
		mark = "marked as useful"
	}
	_ = req.Adapter.AnswerCallback(ctx, cb.ID, fmt.Sprintf("%s: %s (%.2f)", st.Category, mark, st.Score))

	if cb.MessageID == 0 || cb.Text == "" {
		return nil
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return req.Adapter.EditText(ctx, ref, cb.Text+"\n\n✓ "+mark, &kit.SendOptions{DisablePreview: true})
}
