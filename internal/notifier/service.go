package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"triaged/internal/eventbus"
	rtsup "triaged/internal/runtime/supervisor"
	kit "triaged/internal/transport"
	logx "triaged/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	channelTelegram = "telegram"
	historyMax      = 300
	sendTimeout     = 10 * time.Second
)

// Service implements an async delivery queue:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan kit.Notification
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.adapter != nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.adapter == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan kit.Notification, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain it.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues n without blocking.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		s.publish(eventbus.TypeNotifierQueued, n, "")
		return nil
	default:
		s.publish(eventbus.TypeNotifierDropped, n, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// Deliver formats a triage message for the configured chat and enqueues it.
func (s *Service) Deliver(m Message) error {
	s.mu.Lock()
	target := s.cfg.Target
	buttons := s.cfg.FeedbackButtons
	s.mu.Unlock()

	n := kit.Notification{
		Channel: channelTelegram,
		Tag:     m.Tag,
		Key:     m.ID,
		Target:  target,
		Text:    Format(m.Tag, m.Title, m.Body),
		Options: &kit.SendOptions{DisablePreview: true},
	}
	if buttons && m.Tag != TagDigest && m.Category != "" && m.ID != "" {
		n.Options.Buttons = FeedbackButtons(m.Category, m.ID)
	}
	return s.Notify(context.Background(), n)
}

// Sink returns the plain (title, body, urgencyTag) delivery callback.
func (s *Service) Sink() func(title, body, urgencyTag string) error {
	return func(title, body, tag string) error {
		return s.Deliver(Message{Title: title, Body: body, Tag: tag})
	}
}

// Snapshot returns recently sent messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// QueueLen returns the number of queued, unsent messages.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) appendHistory(tag, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Tag: tag, Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n kit.Notification, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: Event{
		Channel: n.Channel, ChatID: n.Target.ChatID, Tag: n.Tag, Key: n.Key, At: now, Error: errText,
	}})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan kit.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, n)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, n kit.Notification) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil || strings.TrimSpace(n.Text) == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := ad.SendText(callCtx, n.Target, n.Text, n.Options)
		cancel()
		if err == nil {
			s.appendHistory(n.Tag, n.Text)
			s.publish(eventbus.TypeNotifierSent, n, "")
			return
		}
		lastErr = err
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	if lastErr != nil {
		s.log.Warn("delivery gave up", logx.String("tag", n.Tag), logx.String("key", n.Key), logx.Err(lastErr))
		s.publish(eventbus.TypeNotifierFailed, n, lastErr.Error())
	}
}

// Tags understood by Format. They match the pipeline's urgency tags.
const (
	TagCritical = "critical"
	TagHigh     = "high"
	TagNormal   = "normal"
	TagDigest   = "digest"
)

// Format renders a plain-text message: tag marker, title, blank line, body.
func Format(tag, title, body string) string {
	var b strings.Builder
	switch tag {
	case TagCritical:
		b.WriteString("🚨 ")
	case TagHigh:
		b.WriteString("⚠️ ")
	case TagDigest:
		b.WriteString("🗞 ")
	}
	b.WriteString(strings.TrimSpace(title))
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	return b.String()
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
