package triage

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Composite score weights. They sum to 1.0.
const (
	WeightUrgency         = 0.30
	WeightImpact          = 0.25
	WeightTimeSensitivity = 0.20
	WeightUserRelevance   = 0.15
	WeightContext         = 0.10
)

// Level thresholds, highest first.
const (
	ThresholdP0 = 0.80
	ThresholdP1 = 0.60
	ThresholdP2 = 0.40
	ThresholdP3 = 0.20
)

// Context modifier adjustments.
const (
	escalationStep       = 0.1
	escalationCap        = 0.3
	recentSimilarPenalty = -0.2
	quietHoursPenalty    = -0.3
	deepWorkPenalty      = -0.15
	weekendPenalty       = -0.1
	engagementAdjust     = 0.1
	engagementHigh       = 0.7
	engagementLow        = 0.3
	contextModifierBound = 0.5
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("triaged.notification"))

// ScoreContext carries the per-call facts the scorer can't derive itself.
type ScoreContext struct {
	Now           time.Time
	QuietHours    bool
	RecentSimilar bool
}

type ScorerConfig struct {
	HalfLives map[DecayProfile]time.Duration
	DeepWork  HourWindow
}

// DefaultDeepWork is 09:00-11:00 Monday-Friday.
var DefaultDeepWork = HourWindow{Start: 9, End: 11, WeekdaysOnly: true}

// Scorer computes composite scores and owns the learned per-category
// engagement signal. It is safe for concurrent use.
type Scorer struct {
	mu         sync.Mutex
	cfg        ScorerConfig
	engagement map[string]*EngagementState
}

func NewScorer(cfg ScorerConfig) *Scorer {
	s := &Scorer{engagement: map[string]*EngagementState{}}
	s.Apply(cfg)
	return s
}

// Apply swaps tunables. Engagement state is kept.
func (s *Scorer) Apply(cfg ScorerConfig) {
	hl := DefaultHalfLives()
	for k, v := range cfg.HalfLives {
		if v > 0 {
			hl[ParseDecayProfile(string(k))] = v
		}
	}
	cfg.HalfLives = hl
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Composite combines the five signals with the fixed weights. Inputs are
// clamped to their valid ranges; the result is in [0,1].
func Composite(sig Signals) (float64, Breakdown) {
	cm := clamp(sig.ContextModifier, -1, 1)
	b := Breakdown{
		Urgency:         WeightUrgency * clamp01(sig.Urgency),
		Impact:          WeightImpact * clamp01(sig.Impact),
		TimeSensitivity: WeightTimeSensitivity * clamp01(sig.TimeSensitivity),
		UserRelevance:   WeightUserRelevance * clamp01(sig.UserRelevance),
		Context:         WeightContext * ((cm + 1) / 2),
	}
	return clamp01(b.Sum()), b
}

// LevelFor maps a score to a level; first matching threshold wins.
func LevelFor(score float64) Level {
	switch {
	case score >= ThresholdP0:
		return P0
	case score >= ThresholdP1:
		return P1
	case score >= ThresholdP2:
		return P2
	case score >= ThresholdP3:
		return P3
	default:
		return P4
	}
}

// HalfLife returns the configured half-life for profile.
func (s *Scorer) HalfLife(p DecayProfile) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.HalfLives[ParseDecayProfile(string(p))]
}

// Score runs the scoring stage on an enriched input.
func (s *Scorer) Score(e Enriched, sc ScoreContext) Scored {
	now := sc.Now
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.Lock()
	cfg := s.cfg
	eng, hasEng := s.engagementLocked(e.Category)
	s.mu.Unlock()

	sig := e.Signals
	if !e.Explicit.Has(ExplicitUserRelevance) && hasEng {
		sig.UserRelevance = eng.Score
	}
	if !e.Explicit.Has(ExplicitContextModifier) {
		sig.ContextModifier = contextModifier(sig.ContextModifier, e, sc, now, cfg, eng, hasEng)
	}

	score, breakdown := Composite(sig)

	decayed := score
	if !e.Input.OccurredAt.IsZero() && e.Input.OccurredAt.Before(now) {
		decayed = Decay(score, now.Sub(e.Input.OccurredAt), cfg.HalfLives[e.Policy.Decay])
	}

	return Scored{
		Input:        e.Input,
		ID:           NotificationID(e.Input, now),
		Signals:      sig,
		Score:        score,
		DecayedScore: decayed,
		Level:        LevelFor(decayed),
		Breakdown:    breakdown,
		DedupKey:     DedupKey(e.Input.Source, e.Input.Title),
		DecayProfile: e.Policy.Decay,
		IngestedAt:   now,
	}
}

// contextModifier starts from the enricher's time-of-day default and adds
// the independent adjustments, clamped to +/-0.5.
func contextModifier(base float64, e Enriched, sc ScoreContext, now time.Time, cfg ScorerConfig, eng EngagementState, hasEng bool) float64 {
	m := base
	if n := e.Input.Escalations; n > 0 {
		m += min(float64(n)*escalationStep, escalationCap)
	}
	if sc.RecentSimilar {
		m += recentSimilarPenalty
	}
	if sc.QuietHours && !e.Policy.Urgent() {
		m += quietHoursPenalty
	}
	if cfg.DeepWork.Contains(now) {
		m += deepWorkPenalty
	}
	if IsWeekend(now) && !e.Policy.Critical() {
		m += weekendPenalty
	}
	if hasEng {
		switch {
		case eng.Score > engagementHigh:
			m += engagementAdjust
		case eng.Score < engagementLow:
			m -= engagementAdjust
		}
	}
	return clamp(m, -contextModifierBound, contextModifierBound)
}

// NotificationID is derived from content and ingest time, so the same input
// ingested at the same instant always gets the same id.
func NotificationID(in Input, at time.Time) string {
	key := in.Source + "|" + in.Title + "|" + in.Body + "|" + at.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}
