// Package metrics exposes triage outcomes as Prometheus metrics.
//
// Collectors live on a private registry and are fed by an event bus
// subscriber, so the pipeline never calls into Prometheus directly.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"triaged/internal/eventbus"
	"triaged/internal/tracker"
	logx "triaged/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triage"

// Metrics holds the collectors.
type Metrics struct {
	Notifications  *prometheus.CounterVec
	Deduped        prometheus.Counter
	Score          prometheus.Histogram
	AutoResolved   *prometheus.CounterVec
	Digests        prometheus.Counter
	Feedback       *prometheus.CounterVec
	NotifierEvents *prometheus.CounterVec

	reg *prometheus.Registry
	bus eventbus.Bus
	log logx.Logger

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func New(bus eventbus.Bus, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Processed notifications by priority level, channel and delivery result.",
		}, []string{"level", "channel", "delivered"}),
		Deduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deduped_total",
			Help:      "Notifications suppressed by the dedup window.",
		}),
		Score: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score",
			Help:      "Final decayed priority score of non-duplicate notifications.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		AutoResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_resolved_total",
			Help:      "Pending items dropped after their level's timeout.",
		}, []string{"level"}),
		Digests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_total",
			Help:      "Digest and group summary messages sent.",
		}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Engagement feedback by category and direction.",
		}, []string{"category", "engaged"}),
		NotifierEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_events_total",
			Help:      "Delivery queue events (queued, sent, failed, dropped).",
		}, []string{"type"}),
		reg: prometheus.NewRegistry(),
		bus: bus,
		log: log.With(logx.String("comp", "metrics")),
	}
	m.reg.MustRegister(
		m.Notifications, m.Deduped, m.Score, m.AutoResolved, m.Digests, m.Feedback, m.NotifierEvents,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Event deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Start subscribes to the bus. It is a no-op without a bus or when running.
func (m *Metrics) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil || m.unsub != nil {
		return
	}
	ch, unsub := m.bus.Subscribe(1024)
	m.unsub = unsub
	m.done = make(chan struct{})
	go m.loop(ctx, ch, m.done)
}

func (m *Metrics) Stop(ctx context.Context) {
	m.mu.Lock()
	unsub, done := m.unsub, m.done
	m.unsub, m.done = nil, nil
	m.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (m *Metrics) loop(ctx context.Context, ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe updates collectors for one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeNotifierQueued, eventbus.TypeNotifierSent, eventbus.TypeNotifierFailed, eventbus.TypeNotifierDropped:
		m.NotifierEvents.WithLabelValues(e.Type[len("notifier."):]).Inc()
		return
	}
	r, ok := e.Data.(tracker.Record)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.TypeProcessed:
		if r.Bool(tracker.KeyDeduped) {
			m.Deduped.Inc()
			return
		}
		m.Notifications.WithLabelValues(
			r.String(tracker.KeyLevel),
			r.String(tracker.KeyChannel),
			strconv.FormatBool(r.Bool(tracker.KeyDelivered)),
		).Inc()
		m.Score.Observe(r.Float(tracker.KeyScore))
	case eventbus.TypeAutoResolved:
		m.AutoResolved.WithLabelValues(r.String(tracker.KeyLevel)).Inc()
	case eventbus.TypeDigest:
		m.Digests.Inc()
	case eventbus.TypeFeedback:
		m.Feedback.WithLabelValues(r.String(tracker.KeyCategory), strconv.FormatBool(r.Bool("engaged"))).Inc()
	}
}
