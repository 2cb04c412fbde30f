package notifier

import (
	"time"

	kit "mjrelay/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// Target receives alerts raised by Watch.
	Target kit.ChatTarget
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Notifier lifecycle events published on the bus.
const (
	EventSent    = "notifier.sent"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is the Data of notifier bus events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
