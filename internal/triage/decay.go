package triage

import (
	"math"
	"time"
)

// Decay applies exponential half-life decay: score * e^(-ln2 * age/halfLife).
// A zero age or non-positive half-life leaves the score untouched.
func Decay(score float64, age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return score
	}
	return score * math.Exp(-math.Ln2*float64(age)/float64(halfLife))
}
