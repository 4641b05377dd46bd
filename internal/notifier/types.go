package notifier

import (
	"time"

	kit "triaged/internal/transport"
)

// Config controls the async delivery queue.
type Config struct {
	Enabled         bool
	Target          kit.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	FeedbackButtons bool
}

// Message is one outbound triage message. Category and ID are empty for
// digests.
type Message struct {
	Title    string
	Body     string
	Tag      string
	Category string
	ID       string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Tag  string    `json:"tag"`
	Text string    `json:"text"`
}

// Event is emitted on the event bus for notifier lifecycle events.
type Event struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Tag     string    `json:"tag,omitempty"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
