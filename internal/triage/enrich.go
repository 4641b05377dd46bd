package triage

import "time"

// Explicit records which signals the caller supplied.
type Explicit uint8

const (
	ExplicitUrgency Explicit = 1 << iota
	ExplicitImpact
	ExplicitTimeSensitivity
	ExplicitUserRelevance
	ExplicitContextModifier
)

func (e Explicit) Has(f Explicit) bool { return e&f != 0 }

const (
	defaultUserRelevance = 0.5
	familyTimeModifier   = -0.3
	workTimeModifier     = 0.1
)

// Enriched is an input with every signal populated.
type Enriched struct {
	Input    Input
	Category string
	Policy   CategoryPolicy
	Known    bool // category found in the policy table
	Signals  Signals
	Explicit Explicit
}

// Enricher fills missing signals from the category table and the wall clock.
// The zero value uses the default table and no time windows.
type Enricher struct {
	Policies   PolicyTable
	FamilyTime HourWindow
	WorkTime   HourWindow
}

// DefaultFamilyTime is 18:00-21:00 every day.
var DefaultFamilyTime = HourWindow{Start: 18, End: 21}

// DefaultWorkTime is 09:00-17:00 Monday-Friday.
var DefaultWorkTime = HourWindow{Start: 9, End: 17, WeekdaysOnly: true}

func NewEnricher(policies PolicyTable, family, work HourWindow) Enricher {
	return Enricher{Policies: policies, FamilyTime: family, WorkTime: work}
}

// Enrich never fails: unknown categories fall back to the neutral policy and
// out-of-range values are clamped.
func (e Enricher) Enrich(in Input, now time.Time) Enriched {
	policies := e.Policies
	if policies.m == nil {
		policies = NewPolicyTable(nil)
	}
	pol, known := policies.Lookup(in.Category)

	out := Enriched{
		Input:    in,
		Category: NormalizeCategory(in.Category),
		Policy:   pol,
		Known:    known,
	}

	pick := func(v *float64, def float64, flag Explicit) float64 {
		if v != nil {
			out.Explicit |= flag
			return *v
		}
		return def
	}
	out.Signals = Signals{
		Urgency:         clamp01(pick(in.Urgency, pol.Urgency, ExplicitUrgency)),
		Impact:          clamp01(pick(in.Impact, pol.Impact, ExplicitImpact)),
		TimeSensitivity: clamp01(pick(in.TimeSensitivity, pol.TimeSensitivity, ExplicitTimeSensitivity)),
		UserRelevance:   clamp01(pick(in.UserRelevance, defaultUserRelevance, ExplicitUserRelevance)),
		ContextModifier: clamp(pick(in.ContextModifier, e.timeOfDayModifier(now), ExplicitContextModifier), -1, 1),
	}
	return out
}

func (e Enricher) timeOfDayModifier(now time.Time) float64 {
	switch {
	case e.FamilyTime.Contains(now):
		return familyTimeModifier
	case e.WorkTime.Contains(now):
		return workTimeModifier
	default:
		return 0
	}
}
