// Package tracker records every triage decision as an audit event.
//
// Tracker publishes onto the event bus; Recorder drains the bus into storage,
// so Track never blocks on disk.
package tracker

import (
	"time"

	"triaged/internal/eventbus"
)

// Detail keys used by the pipeline. Consumers (recorder, metrics) read them by name.
const (
	KeyID        = "id"
	KeySource    = "source"
	KeyCategory  = "category"
	KeyLevel     = "priorityLevel"
	KeyScore     = "score"
	KeyDelivered = "delivered"
	KeyChannel   = "channel"
	KeyReason    = "reason"
	KeyDeduped   = "deduped"
	KeyCount     = "count"
)

// Record is one audit record: an action plus free-form details.
type Record struct {
	Action  string         `json:"action"`
	Details map[string]any `json:"details"`
	Time    time.Time      `json:"time"`
}

// Tracker publishes records onto the bus. A nil *Tracker or nil bus drops
// records silently.
type Tracker struct {
	bus eventbus.Bus
}

func New(bus eventbus.Bus) *Tracker { return &Tracker{bus: bus} }

func (t *Tracker) Track(r Record) {
	if t == nil || t.bus == nil {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	t.bus.Publish(eventbus.Event{Type: r.Action, Time: r.Time, Data: r})
}

// String returns details[key] as a string, or "".
func (r Record) String(key string) string {
	s, _ := r.Details[key].(string)
	return s
}

// Float returns details[key] as a float64, or 0.
func (r Record) Float(key string) float64 {
	switch v := r.Details[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Bool returns details[key] as a bool, or false.
func (r Record) Bool(key string) bool {
	b, _ := r.Details[key].(bool)
	return b
}
