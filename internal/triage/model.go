package triage

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Level is the discrete priority bucket derived from the continuous score.
// P0 is the most urgent.
type Level int

const (
	P0 Level = iota
	P1
	P2
	P3
	P4
)

// Levels lists every level, most urgent first.
var Levels = []Level{P0, P1, P2, P3, P4}

func (l Level) String() string {
	if l < P0 || l > P4 {
		return fmt.Sprintf("P?%d", int(l))
	}
	return fmt.Sprintf("P%d", int(l))
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, ok := ParseLevel(string(b))
	if !ok {
		return fmt.Errorf("invalid priority level %q", string(b))
	}
	*l = v
	return nil
}

// ParseLevel accepts "P0".."P4" (case-insensitive) or a bare digit.
func ParseLevel(s string) (Level, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "P")
	if len(s) != 1 || s[0] < '0' || s[0] > '4' {
		return P4, false
	}
	return Level(s[0] - '0'), true
}

// Input is a raw notification as produced upstream. Any producer may omit all
// scoring fields and rely on category defaults.
type Input struct {
	Source   string `json:"source"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Category string `json:"category"`

	// Optional signals in [0,1]; ContextModifier in [-1,1].
	Urgency         *float64 `json:"urgency,omitempty"`
	Impact          *float64 `json:"impact,omitempty"`
	TimeSensitivity *float64 `json:"time_sensitivity,omitempty"`
	UserRelevance   *float64 `json:"user_relevance,omitempty"`
	ContextModifier *float64 `json:"context_modifier,omitempty"`

	// GroupKey clusters related notifications into one batched summary.
	GroupKey string `json:"group_key,omitempty"`
	// Escalations counts how many times the producer has re-raised this item.
	Escalations int `json:"escalations,omitempty"`
	// OccurredAt is when the underlying event happened; zero means "now".
	OccurredAt time.Time `json:"occurred_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// F is a small helper for building optional signals.
func F(v float64) *float64 { return &v }

// Signals holds the five fully-populated scoring inputs.
type Signals struct {
	Urgency         float64 `json:"urgency"`
	Impact          float64 `json:"impact"`
	TimeSensitivity float64 `json:"time_sensitivity"`
	UserRelevance   float64 `json:"user_relevance"`
	ContextModifier float64 `json:"context_modifier"`
}

// Breakdown holds the five weighted score components. They sum to the score.
type Breakdown struct {
	Urgency         float64 `json:"urgency"`
	Impact          float64 `json:"impact"`
	TimeSensitivity float64 `json:"time_sensitivity"`
	UserRelevance   float64 `json:"user_relevance"`
	Context         float64 `json:"context"`
}

func (b Breakdown) Sum() float64 {
	return b.Urgency + b.Impact + b.TimeSensitivity + b.UserRelevance + b.Context
}

// Scored is a notification after enrichment and scoring.
type Scored struct {
	Input

	ID           string       `json:"id"`
	Signals      Signals      `json:"signals"`
	Score        float64      `json:"score"`
	DecayedScore float64      `json:"decayed_score"`
	Level        Level        `json:"priority_level"`
	Breakdown    Breakdown    `json:"score_breakdown"`
	DedupKey     string       `json:"dedup_key"`
	DecayProfile DecayProfile `json:"decay_profile"`
	IngestedAt   time.Time    `json:"ingested_at"`
}

// Age returns how long ago the notification was ingested.
func (s Scored) Age(now time.Time) time.Duration {
	if s.IngestedAt.IsZero() || now.Before(s.IngestedAt) {
		return 0
	}
	return now.Sub(s.IngestedAt)
}

const dedupTitleRunes = 48

// DedupKey fingerprints source + a lower-cased title prefix. It is coarse on
// purpose: near-identical titles from one source collide.
func DedupKey(source, title string) string {
	t := []rune(strings.ToLower(strings.TrimSpace(title)))
	if len(t) > dedupTitleRunes {
		t = t[:dedupTitleRunes]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(source))))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(string(t)))
	return fmt.Sprintf("%x", h.Sum64())
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }
