package triage

import (
	"math"
	"testing"
	"time"
)

// Wednesday 2024-01-10 14:00 local: work time, not deep work, not weekend.
var wedAfternoon = time.Date(2024, 1, 10, 14, 0, 0, 0, time.Local)

func testEnricher() Enricher {
	return NewEnricher(NewPolicyTable(nil), DefaultFamilyTime, DefaultWorkTime)
}

func testScorer() *Scorer {
	return NewScorer(ScorerConfig{DeepWork: DefaultDeepWork})
}

func TestCompositeBounds(t *testing.T) {
	t.Parallel()
	vals := []float64{-3, -1, -0.5, 0, 0.25, 0.5, 0.75, 1, 2, math.NaN()}
	for _, u := range vals {
		for _, cm := range vals {
			score, b := Composite(Signals{Urgency: u, Impact: u, TimeSensitivity: cm, UserRelevance: u, ContextModifier: cm})
			if score < 0 || score > 1 {
				t.Fatalf("score out of bounds: u=%v cm=%v score=%v", u, cm, score)
			}
			if math.Abs(b.Sum()-score) > 1e-9 {
				t.Fatalf("breakdown sum %v != score %v", b.Sum(), score)
			}
		}
	}
}

func TestWeightsSumToOne(t *testing.T) {
	t.Parallel()
	sum := WeightUrgency + WeightImpact + WeightTimeSensitivity + WeightUserRelevance + WeightContext
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("weights sum = %v, want 1", sum)
	}
}

func TestCompositeMonotonic(t *testing.T) {
	t.Parallel()
	base := Signals{Urgency: 0.4, Impact: 0.4, TimeSensitivity: 0.4, UserRelevance: 0.4, ContextModifier: 0}
	fields := []struct {
		name string
		set  func(s *Signals, v float64)
		lo   float64
	}{
		{"urgency", func(s *Signals, v float64) { s.Urgency = v }, 0},
		{"impact", func(s *Signals, v float64) { s.Impact = v }, 0},
		{"time_sensitivity", func(s *Signals, v float64) { s.TimeSensitivity = v }, 0},
		{"user_relevance", func(s *Signals, v float64) { s.UserRelevance = v }, 0},
		{"context_modifier", func(s *Signals, v float64) { s.ContextModifier = v }, -1},
	}
	for _, f := range fields {
		prev := -1.0
		for i := 0; i <= 20; i++ {
			v := f.lo + (1-f.lo)*float64(i)/20
			s := base
			f.set(&s, v)
			score, _ := Composite(s)
			if score < prev {
				t.Fatalf("%s: score decreased at %v: %v < %v", f.name, v, score, prev)
			}
			prev = score
		}
	}
}

func TestLevelThresholds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		score float64
		want  Level
	}{
		{1, P0},
		{0.80, P0},
		{0.7999999, P1},
		{0.60, P1},
		{0.5999, P2},
		{0.40, P2},
		{0.20, P3},
		{0.1999, P4},
		{0, P4},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.want {
			t.Fatalf("LevelFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestDecayHalfLife(t *testing.T) {
	t.Parallel()
	s := testScorer()
	hl := s.HalfLife(DecayShort)
	if hl != 4*time.Hour {
		t.Fatalf("short half-life = %v, want 4h", hl)
	}
	got := Decay(0.9, 4*time.Hour, hl)
	if math.Abs(got-0.45) > 1e-9 {
		t.Fatalf("Decay(0.9, 4h) = %v, want 0.45", got)
	}
	if got := Decay(0.9, 0, hl); got != 0.9 {
		t.Fatalf("zero age must not decay, got %v", got)
	}
}

func TestScoreAppliesDecayOnlyToLevel(t *testing.T) {
	t.Parallel()
	s := testScorer()
	in := Input{Source: "scanner", Title: "cve", Category: "security",
		Urgency: F(1), Impact: F(1), TimeSensitivity: F(1), UserRelevance: F(1), ContextModifier: F(1),
		OccurredAt: wedAfternoon.Add(-2 * time.Hour)}
	sc := s.Score(testEnricher().Enrich(in, wedAfternoon), ScoreContext{Now: wedAfternoon})
	if math.Abs(sc.Score-1) > 1e-9 {
		t.Fatalf("score = %v, want undecayed 1", sc.Score)
	}
	// Perishable: 2h = 4 half-lives -> 1/16.
	if math.Abs(sc.DecayedScore-1.0/16) > 1e-9 {
		t.Fatalf("decayed = %v, want %v", sc.DecayedScore, 1.0/16)
	}
	if sc.Level != P4 {
		t.Fatalf("level = %v, want P4 after decay", sc.Level)
	}
}

func TestScenarioSecurityIsP0(t *testing.T) {
	t.Parallel()
	in := Input{Source: "scanner", Title: "intrusion", Category: "security", Urgency: F(1), Impact: F(1), TimeSensitivity: F(1)}
	sc := testScorer().Score(testEnricher().Enrich(in, wedAfternoon), ScoreContext{Now: wedAfternoon})
	if sc.Score < ThresholdP0 || sc.Level != P0 {
		t.Fatalf("score=%v level=%v, want P0", sc.Score, sc.Level)
	}
}

func TestScenarioMilestoneDefaults(t *testing.T) {
	t.Parallel()
	in := Input{Source: "tracker", Title: "100 days streak", Category: "milestone"}
	e := testEnricher().Enrich(in, wedAfternoon)
	if e.Signals.Urgency != 0.2 || e.Signals.Impact != 0.3 || e.Signals.TimeSensitivity != 0.1 {
		t.Fatalf("unexpected defaults: %+v", e.Signals)
	}
	sc := testScorer().Score(e, ScoreContext{Now: wedAfternoon})
	// 0.06 + 0.075 + 0.02 + 0.075 + 0.1*(1.1/2)
	want := 0.285
	if math.Abs(sc.Score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", sc.Score, want)
	}
	if sc.Level != P3 {
		t.Fatalf("level = %v, want P3", sc.Level)
	}
}

func TestContextModifierAdjustments(t *testing.T) {
	t.Parallel()
	// Saturday 23:00, no time-of-day window.
	sat := time.Date(2024, 1, 13, 23, 0, 0, 0, time.Local)
	in := Input{Source: "feed", Title: "x", Category: "briefing"}
	e := testEnricher().Enrich(in, sat)

	sc := testScorer().Score(e, ScoreContext{Now: sat, QuietHours: true})
	// quiet -0.3, weekend -0.1 => -0.4
	if math.Abs(sc.Signals.ContextModifier-(-0.4)) > 1e-9 {
		t.Fatalf("context modifier = %v, want -0.4", sc.Signals.ContextModifier)
	}

	sc = testScorer().Score(e, ScoreContext{Now: sat, QuietHours: true, RecentSimilar: true})
	if sc.Signals.ContextModifier != -0.5 {
		t.Fatalf("context modifier = %v, want clamp at -0.5", sc.Signals.ContextModifier)
	}

	in.Escalations = 10
	sc = testScorer().Score(testEnricher().Enrich(in, sat), ScoreContext{Now: sat})
	// escalation capped at +0.3, weekend -0.1
	if math.Abs(sc.Signals.ContextModifier-0.2) > 1e-9 {
		t.Fatalf("context modifier = %v, want 0.2", sc.Signals.ContextModifier)
	}
}

func TestExplicitContextModifierWins(t *testing.T) {
	t.Parallel()
	in := Input{Source: "a", Title: "b", Category: "briefing", ContextModifier: F(0.9)}
	sc := testScorer().Score(testEnricher().Enrich(in, wedAfternoon), ScoreContext{Now: wedAfternoon, QuietHours: true, RecentSimilar: true})
	if sc.Signals.ContextModifier != 0.9 {
		t.Fatalf("explicit modifier overridden: %v", sc.Signals.ContextModifier)
	}
}

func TestEngagementFeedsUserRelevance(t *testing.T) {
	t.Parallel()
	s := testScorer()
	var st EngagementState
	for i := 0; i < 10; i++ {
		st = s.UpdateEngagement("Market", true, wedAfternoon)
	}
	// 1 - 0.5*0.9^10
	want := 1 - 0.5*math.Pow(0.9, 10)
	if math.Abs(st.Score-want) > 1e-9 || st.Positive != 10 || st.Negative != 0 {
		t.Fatalf("engagement = %+v, want score %v", st, want)
	}

	in := Input{Source: "m", Title: "t", Category: "market"}
	sc := s.Score(testEnricher().Enrich(in, wedAfternoon), ScoreContext{Now: wedAfternoon})
	if math.Abs(sc.Signals.UserRelevance-want) > 1e-9 {
		t.Fatalf("user relevance = %v, want learned %v", sc.Signals.UserRelevance, want)
	}
	// work +0.1, engagement > 0.7 => +0.1
	if math.Abs(sc.Signals.ContextModifier-0.2) > 1e-9 {
		t.Fatalf("context modifier = %v, want 0.2", sc.Signals.ContextModifier)
	}

	in.UserRelevance = F(0.1)
	sc = s.Score(testEnricher().Enrich(in, wedAfternoon), ScoreContext{Now: wedAfternoon})
	if sc.Signals.UserRelevance != 0.1 {
		t.Fatalf("explicit user relevance overridden: %v", sc.Signals.UserRelevance)
	}
}

func TestEngagementExportImport(t *testing.T) {
	t.Parallel()
	s := testScorer()
	s.UpdateEngagement("error", false, wedAfternoon)
	s.UpdateEngagement("error", true, wedAfternoon)
	exp := s.ExportEngagement()
	if len(exp) != 1 || exp[0].Positive != 1 || exp[0].Negative != 1 {
		t.Fatalf("unexpected export: %+v", exp)
	}

	s2 := testScorer()
	s2.ImportEngagement(exp)
	got, ok := s2.Engagement("ERROR")
	if !ok || got.Score != exp[0].Score {
		t.Fatalf("import mismatch: %+v ok=%v", got, ok)
	}
	s2.ResetEngagement("error")
	if _, ok := s2.Engagement("error"); ok {
		t.Fatal("expected reset to drop state")
	}
}

func TestIDStableAndDedupKeyCoarse(t *testing.T) {
	t.Parallel()
	in := Input{Source: "mon", Title: "Disk almost full", Body: "93%"}
	if NotificationID(in, wedAfternoon) != NotificationID(in, wedAfternoon) {
		t.Fatal("id must be stable for same content and time")
	}
	if NotificationID(in, wedAfternoon) == NotificationID(in, wedAfternoon.Add(time.Second)) {
		t.Fatal("id must change with ingest time")
	}
	if DedupKey("mon", "Disk almost full") != DedupKey("MON", " disk almost full ") {
		t.Fatal("dedup key should ignore case and surrounding space")
	}
	long := "This title is long enough that only its prefix matters for dedup purposes"
	if DedupKey("mon", long+" A") != DedupKey("mon", long+" B") {
		t.Fatal("dedup key should only consider the title prefix")
	}
}
