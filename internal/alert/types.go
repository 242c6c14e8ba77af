package alert

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled     bool
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
}

// Sender delivers one rendered alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// AlertEvent is published on the event bus for pipeline outcomes.
type AlertEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
