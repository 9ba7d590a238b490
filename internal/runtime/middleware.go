package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	"github.com/drblury/marketflow/internal/runtime/strategy"
)

const tracerName = "github.com/drblury/marketflow/processor"

// MiddlewareBuilder constructs a processor middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (strategy.Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on the
// processor registry of a Service. The first registration is the outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware strategy.Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		TracerMiddleware(),
		StatsMiddleware(),
		TimeoutMiddleware(0),
		LogProcessingMiddleware(nil),
	}
}

// RecovererMiddleware converts processor panics into processing errors, which
// the engine retries like any other processor failure.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(s *Service) (strategy.Middleware, error) {
			return recoverer(s.Logger), nil
		},
	}
}

// TracerMiddleware wraps every processor call in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracer,
	}
}

// StatsMiddleware feeds the per-processor statistics served by the status API.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(s *Service) (strategy.Middleware, error) {
			return s.statsMiddleware(), nil
		},
	}
}

// TimeoutMiddleware abandons processor calls running longer than d, even when
// the processor ignores its context. Zero uses the configured processor timeout.
func TimeoutMiddleware(d time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(s *Service) (strategy.Middleware, error) {
			limit := d
			if limit <= 0 && s.Conf != nil {
				limit = s.Conf.Engine.ProcessorTimeout
			}
			if limit <= 0 {
				return nil, nil
			}
			return timeout(limit), nil
		},
	}
}

// LogProcessingMiddleware logs every processor call at debug level.
func LogProcessingMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_processing",
		Builder: func(s *Service) (strategy.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log processing middleware requires a logger")
			}
			return logProcessing(l), nil
		},
	}
}

// RegisterMiddleware adds the supplied middleware to every registered
// processor. It fails once the service has started.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.registry == nil {
		return errors.New("processor registry is not initialised")
	}

	var mw strategy.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	return s.registry.Use(mw)
}

func recoverer(logger loggingpkg.ServiceLogger) strategy.Middleware {
	return func(next strategy.Processor) strategy.Processor {
		return strategy.Wrap(next, func(ctx context.Context, rec envelope.Record) (res envelope.Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errspkg.NewProcessingError(next.Name(), fmt.Errorf("panic: %v", r))
					logger.Error("Processor panicked", err, loggingpkg.LogFields{
						"strategy":  next.Name(),
						"record_id": rec.ID,
						"stack":     string(debug.Stack()),
					})
				}
			}()
			return next.Process(ctx, rec)
		})
	}
}

func tracer(next strategy.Processor) strategy.Processor {
	return strategy.Wrap(next, func(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "marketflow.process")
		defer span.End()

		span.SetAttributes(
			attribute.String("marketflow.strategy", next.Name()),
			attribute.String("marketflow.record_id", rec.ID),
			attribute.String("marketflow.symbol", rec.Symbol),
			attribute.Int("marketflow.attempt", rec.Attempt),
		)

		res, err := next.Process(ctx, rec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		span.SetAttributes(attribute.String("marketflow.status", string(res.Status)))
		return res, nil
	})
}

func (s *Service) statsMiddleware() strategy.Middleware {
	return func(next strategy.Processor) strategy.Processor {
		stats := s.stats.For(next.Name())
		return strategy.Wrap(next, func(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
			stats.onCallStart()
			started := time.Now()
			res, err := next.Process(ctx, rec)
			if err == nil && res.Status == envelope.StatusFailed {
				stats.onCallFinish(time.Now(), time.Since(started), errspkg.NewProcessingError(next.Name(), errors.New("failed status")))
				return res, err
			}
			stats.onCallFinish(time.Now(), time.Since(started), err)
			return res, err
		})
	}
}

type processOutcome struct {
	res envelope.Result
	err error
}

func timeout(limit time.Duration) strategy.Middleware {
	return func(next strategy.Processor) strategy.Processor {
		return strategy.Wrap(next, func(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			// Buffered so an abandoned call can still finish and exit.
			done := make(chan processOutcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- processOutcome{err: errspkg.NewProcessingError(next.Name(), fmt.Errorf("panic: %v", r))}
					}
				}()
				res, err := next.Process(ctx, rec)
				done <- processOutcome{res: res, err: err}
			}()

			select {
			case out := <-done:
				if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(out.err, errspkg.ErrTimeout) {
					return envelope.Result{}, &errspkg.TimeoutError{Strategy: next.Name(), Timeout: limit}
				}
				return out.res, out.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return envelope.Result{}, &errspkg.TimeoutError{Strategy: next.Name(), Timeout: limit}
				}
				return envelope.Result{}, ctx.Err()
			}
		})
	}
}

func logProcessing(logger loggingpkg.ServiceLogger) strategy.Middleware {
	return func(next strategy.Processor) strategy.Processor {
		return strategy.Wrap(next, func(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
			fields := loggingpkg.LogFields{
				"strategy":  next.Name(),
				"record_id": rec.ID,
				"symbol":    rec.Symbol,
				"attempt":   rec.Attempt,
			}
			logger.Debug("Processing record", fields)

			started := time.Now()
			res, err := next.Process(ctx, rec)
			fields["duration_ms"] = time.Since(started).Milliseconds()
			if err != nil {
				fields["error"] = err.Error()
				logger.Debug("Processor returned an error", fields)
				return res, err
			}
			fields["status"] = string(res.Status)
			logger.Debug("Processed record", fields)
			return res, nil
		})
	}
}
