package notifier

import (
	"time"

	"chirpwatch/internal/config"
)

// Config controls the fan-out pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	SendPause     time.Duration
}

const (
	DefaultDedupWindow = 24 * time.Hour
	DefaultSendPause   = 500 * time.Millisecond
)

// ConfigFrom maps the notifier config section. It assumes the config
// passed config.Validate.
func ConfigFrom(nc config.NotifierConfig) Config {
	return Config{
		Enabled:       config.BoolOr(nc.Enabled, true),
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     config.MustDuration(nc.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: config.MustDuration(nc.RetryMaxDelay, 10*time.Second),
		DedupWindow:   config.MustDuration(nc.DedupWindow, DefaultDedupWindow),
		SendPause:     config.MustDuration(nc.SendPause, DefaultSendPause),
	}
}

// HistoryItem records one delivered (or failed) notification.
type HistoryItem struct {
	At     time.Time `json:"at"`
	Handle string    `json:"handle"`
	ID     string    `json:"id"`
	Sent   int       `json:"sent"`
	Failed int       `json:"failed"`
}

// FailureEvent is published on the bus when a subscriber could not be
// reached after all retries.
type FailureEvent struct {
	Handle string `json:"handle"`
	ID     string `json:"id"`
	ChatID int64  `json:"chat_id"`
	Error  string `json:"error"`
}
