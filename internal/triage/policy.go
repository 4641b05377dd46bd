package triage

import (
	"sort"
	"strings"
	"time"
)

// DecayProfile is a half-life class controlling how fast a notification's
// effective urgency fades.
type DecayProfile string

const (
	DecayPerishable DecayProfile = "perishable"
	DecayShort      DecayProfile = "short"
	DecayDay        DecayProfile = "day"
	DecayPersistent DecayProfile = "persistent"
)

// ParseDecayProfile falls back to DecayDay for unknown values.
func ParseDecayProfile(s string) DecayProfile {
	switch DecayProfile(strings.ToLower(strings.TrimSpace(s))) {
	case DecayPerishable:
		return DecayPerishable
	case DecayShort:
		return DecayShort
	case DecayPersistent:
		return DecayPersistent
	default:
		return DecayDay
	}
}

// DefaultHalfLives are the half-lives per decay profile.
func DefaultHalfLives() map[DecayProfile]time.Duration {
	return map[DecayProfile]time.Duration{
		DecayPerishable: 30 * time.Minute,
		DecayShort:      4 * time.Hour,
		DecayDay:        24 * time.Hour,
		DecayPersistent: 7 * 24 * time.Hour,
	}
}

// CategoryPolicy holds the static priors for one category.
type CategoryPolicy struct {
	Urgency         float64      `json:"urgency"`
	Impact          float64      `json:"impact"`
	TimeSensitivity float64      `json:"time_sensitivity"`
	Decay           DecayProfile `json:"decay_profile"`
}

// Urgent categories are spared the quiet-hours context penalty.
func (p CategoryPolicy) Urgent() bool { return p.Urgency >= 0.7 }

// Critical categories are spared the weekend context penalty.
func (p CategoryPolicy) Critical() bool { return p.Urgency >= 0.9 }

func (p CategoryPolicy) normalized() CategoryPolicy {
	return CategoryPolicy{
		Urgency:         clamp01(p.Urgency),
		Impact:          clamp01(p.Impact),
		TimeSensitivity: clamp01(p.TimeSensitivity),
		Decay:           ParseDecayProfile(string(p.Decay)),
	}
}

// NeutralPolicy is used for unknown or empty categories.
var NeutralPolicy = CategoryPolicy{Urgency: 0.5, Impact: 0.5, TimeSensitivity: 0.5, Decay: DecayDay}

// DefaultPolicies returns the built-in category table.
func DefaultPolicies() map[string]CategoryPolicy {
	return map[string]CategoryPolicy{
		"security":    {Urgency: 0.9, Impact: 0.9, TimeSensitivity: 0.9, Decay: DecayPerishable},
		"error":       {Urgency: 0.7, Impact: 0.6, TimeSensitivity: 0.7, Decay: DecayShort},
		"opportunity": {Urgency: 0.5, Impact: 0.6, TimeSensitivity: 0.7, Decay: DecayPerishable},
		"market":      {Urgency: 0.6, Impact: 0.5, TimeSensitivity: 0.8, Decay: DecayPerishable},
		"reminder":    {Urgency: 0.6, Impact: 0.4, TimeSensitivity: 0.8, Decay: DecayShort},
		"system":      {Urgency: 0.4, Impact: 0.4, TimeSensitivity: 0.4, Decay: DecayShort},
		"briefing":    {Urgency: 0.3, Impact: 0.4, TimeSensitivity: 0.3, Decay: DecayDay},
		"insight":     {Urgency: 0.3, Impact: 0.5, TimeSensitivity: 0.2, Decay: DecayDay},
		"milestone":   {Urgency: 0.2, Impact: 0.3, TimeSensitivity: 0.1, Decay: DecayPersistent},
	}
}

// PolicyTable is an immutable category -> policy lookup. Use With to derive a
// modified copy.
type PolicyTable struct {
	m map[string]CategoryPolicy
}

// NewPolicyTable builds the default table extended/overridden by overrides.
func NewPolicyTable(overrides map[string]CategoryPolicy) PolicyTable {
	return PolicyTable{m: map[string]CategoryPolicy{}}.with(DefaultPolicies()).with(overrides)
}

// With returns a copy of the table with overrides applied.
func (t PolicyTable) With(overrides map[string]CategoryPolicy) PolicyTable {
	return t.with(overrides)
}

func (t PolicyTable) with(overrides map[string]CategoryPolicy) PolicyTable {
	m := make(map[string]CategoryPolicy, len(t.m)+len(overrides))
	for k, v := range t.m {
		m[k] = v
	}
	for k, v := range overrides {
		k = NormalizeCategory(k)
		if k == "" {
			continue
		}
		m[k] = v.normalized()
	}
	return PolicyTable{m: m}
}

// Lookup returns the policy for category and whether it was known.
// Unknown categories get NeutralPolicy.
func (t PolicyTable) Lookup(category string) (CategoryPolicy, bool) {
	if p, ok := t.m[NormalizeCategory(category)]; ok {
		return p, true
	}
	return NeutralPolicy, false
}

// Categories returns the known category names, sorted.
func (t PolicyTable) Categories() []string {
	out := make([]string, 0, len(t.m))
	for k := range t.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func NormalizeCategory(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
