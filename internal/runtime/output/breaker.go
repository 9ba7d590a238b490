package output

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
)

// BreakerSettings configures WithBreaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero disables it.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

type breakerSink struct {
	Sink
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps sink in a circuit breaker. While open, Send fails fast
// with gobreaker.ErrOpenState, which the engine retries like any sink error.
func WithBreaker(sink Sink, settings BreakerSettings, logger loggingpkg.ServiceLogger) Sink {
	if settings.ConsecutiveFailures == 0 {
		return sink
	}
	if logger == nil {
		logger = loggingpkg.NewDiscardLogger()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink.Name(),
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the sink's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Sink circuit breaker changed state", loggingpkg.LogFields{
				"sink": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	return &breakerSink{Sink: sink, cb: cb}
}

func (b *breakerSink) Send(ctx context.Context, env Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Sink.Send(ctx, env)
	})
	return err
}
