package triage

import (
	"sort"
	"time"
)

const (
	engagementPrior = 0.5
	engagementDecay = 0.9
)

// EngagementState is the learned per-category signal of how often the
// recipient acts on notifications.
type EngagementState struct {
	Category  string    `json:"category"`
	Score     float64   `json:"score"`
	Positive  int64     `json:"positive"`
	Negative  int64     `json:"negative"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Scorer) engagementLocked(category string) (EngagementState, bool) {
	st, ok := s.engagement[NormalizeCategory(category)]
	if !ok || st == nil {
		return EngagementState{}, false
	}
	return *st, true
}

// Engagement returns the current state for category.
func (s *Scorer) Engagement(category string) (EngagementState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engagementLocked(category)
}

// UpdateEngagement folds one interaction into the EMA:
// new = old*0.9 + (engaged ? 1 : 0)*0.1, starting from a 0.5 prior.
func (s *Scorer) UpdateEngagement(category string, engaged bool, now time.Time) EngagementState {
	cat := NormalizeCategory(category)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.engagement[cat]
	if !ok || st == nil {
		st = &EngagementState{Category: cat, Score: engagementPrior}
		s.engagement[cat] = st
	}
	v := 0.0
	if engaged {
		v = 1
		st.Positive++
	} else {
		st.Negative++
	}
	st.Score = clamp01(st.Score*engagementDecay + v*(1-engagementDecay))
	st.UpdatedAt = now
	return *st
}

// ResetEngagement drops the learned state for category back to "unknown".
func (s *Scorer) ResetEngagement(category string) {
	s.mu.Lock()
	delete(s.engagement, NormalizeCategory(category))
	s.mu.Unlock()
}

// ExportEngagement returns a flat copy of all states, sorted by category.
func (s *Scorer) ExportEngagement() []EngagementState {
	s.mu.Lock()
	out := make([]EngagementState, 0, len(s.engagement))
	for _, st := range s.engagement {
		if st != nil {
			out = append(out, *st)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// ImportEngagement replaces states for the given categories.
func (s *Scorer) ImportEngagement(states []EngagementState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		cat := NormalizeCategory(st.Category)
		if cat == "" {
			continue
		}
		cp := st
		cp.Category = cat
		cp.Score = clamp01(cp.Score)
		s.engagement[cat] = &cp
	}
}
