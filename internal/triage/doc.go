// Package triage holds the notification domain model and the scoring half of
// the triage pipeline: the category policy table, the enricher that fills
// missing signals, and the priority scorer with decay and engagement learning.
package triage
