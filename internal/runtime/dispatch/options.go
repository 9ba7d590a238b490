package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/marketflow/internal/runtime/strategy"
)

const (
	DefaultWorkers          = 4
	DefaultMaxAttempts      = 5
	DefaultBackoffBase      = time.Second
	DefaultBackoffCap       = 30 * time.Second
	DefaultProcessorTimeout = 5 * time.Second
	DefaultMessageTimeout   = 30 * time.Second
	DefaultRetryStateTTL    = time.Hour
	DefaultJanitorInterval  = time.Minute
)

// BackoffPolicy computes the redelivery delay of a failed attempt:
// min(Cap, Base*2^(attempt-1)), spread by ±Jitter.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Delay returns the wait before the attempt after attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.Cap,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Options tunes an Engine. Zero values take the package defaults.
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     BackoffPolicy

	// ProcessorTimeout bounds a single processor call.
	ProcessorTimeout time.Duration
	// MessageTimeout bounds the handling of one delivery, all processors and
	// sends included.
	MessageTimeout time.Duration

	// RateLimit caps intake in messages per second. Zero disables it.
	RateLimit float64

	// Middlewares wrap every resolved processor, outermost first.
	Middlewares []strategy.Middleware

	Hooks   JobHooks
	Metrics *Metrics
	Clock   func() time.Time

	// RetryStateTTL drops retry bookkeeping of messages not seen for that long.
	RetryStateTTL   time.Duration
	JanitorInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff == (BackoffPolicy{}) {
		o.Backoff = BackoffPolicy{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
	}
	if o.ProcessorTimeout <= 0 {
		o.ProcessorTimeout = DefaultProcessorTimeout
	}
	if o.MessageTimeout <= 0 {
		o.MessageTimeout = DefaultMessageTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.RetryStateTTL <= 0 {
		o.RetryStateTTL = DefaultRetryStateTTL
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = DefaultJanitorInterval
	}
	return o
}
