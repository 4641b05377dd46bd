package triage

import "time"

// HourWindow is a local-time window expressed in fractional hours
// (6.5 == 06:30). Windows with Start > End wrap past midnight.
// A window with Start == End is empty.
type HourWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// WeekdaysOnly restricts the window to Monday-Friday.
	WeekdaysOnly bool `json:"weekdays_only,omitempty"`
}

// Contains reports whether t (already in the desired location) falls inside the window.
func (w HourWindow) Contains(t time.Time) bool {
	if w.Start == w.End {
		return false
	}
	if w.WeekdaysOnly && IsWeekend(t) {
		return false
	}
	h := HourOf(t)
	if w.Start < w.End {
		return h >= w.Start && h < w.End
	}
	return h >= w.Start || h < w.End
}

// HourOf returns the local time of day as fractional hours.
func HourOf(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
