package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshots)
//   - "sqlite": SQLite database file (modernc, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry is one triage decision or maintenance action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time `json:"at"`
	Action         string    `json:"action"`
	NotificationID string    `json:"id,omitempty"`
	Source         string    `json:"source,omitempty"`
	Category       string    `json:"category,omitempty"`
	Level          string    `json:"priority_level,omitempty"`
	Score          float64   `json:"score,omitempty"`
	Delivered      bool      `json:"delivered"`
	Channel        string    `json:"channel,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	MetaJSON       string    `json:"meta,omitempty"`
}

// EngagementRecord is the persisted form of one category's learned engagement.
type EngagementRecord struct {
	Category  string    `json:"category"`
	Score     float64   `json:"score"`
	Positive  int64     `json:"positive"`
	Negative  int64     `json:"negative"`
	UpdatedAt time.Time `json:"updated_at"`
}
