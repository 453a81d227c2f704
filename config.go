package webhooks

import (
	"time"

	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/subscription"
)

// Config holds the configuration for a Dispatcher.
type Config struct {
	// RequestTimeout is the HTTP timeout per delivery attempt.
	RequestTimeout time.Duration

	// MaxAttempts is the number of attempts a delivery gets, the first included.
	MaxAttempts int

	// MaxFailures is the default number of consecutive failures that
	// disables a subscription.
	MaxFailures int

	// RetrySchedule defines the backoff after each failed attempt. Attempts
	// past the end reuse the last entry.
	RetrySchedule []time.Duration

	// SweepBatchLimit is the default number of due retries handled per RetryDue call.
	SweepBatchLimit int

	// Concurrency bounds the in-flight deliveries of one TriggerEvent or
	// RetryDue call.
	Concurrency int

	// GonePolicy decides what an HTTP 410 response does to a subscription.
	GonePolicy delivery.GonePolicy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  delivery.DefaultRequestTimeout,
		MaxAttempts:     delivery.DefaultMaxAttempts,
		MaxFailures:     subscription.DefaultMaxFailures,
		RetrySchedule:   delivery.DefaultRetrySchedule,
		SweepBatchLimit: delivery.DefaultBatchLimit,
		Concurrency:     16,
		GonePolicy:      delivery.GoneIsFailure,
	}
}

// withDefaults returns c with every unset or non-positive limit replaced by
// its DefaultConfig value.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = def.RetrySchedule
	}
	if c.SweepBatchLimit <= 0 {
		c.SweepBatchLimit = def.SweepBatchLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	return c
}
