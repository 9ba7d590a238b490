package output

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	// Deduper is optional. Without it every routed result is sent.
	Deduper Deduper
	// Metadata is stamped on every envelope, for example the poller name.
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// RouterStats counts routed results since start.
type RouterStats struct {
	Sent       int64 `json:"sent"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
}

// Router encodes results and hands them to a single sink.
type Router struct {
	sink    Sink
	codec   *envelope.Codec
	deduper Deduper
	base    metadatapkg.Metadata
	logger  loggingpkg.ServiceLogger

	sent       atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

func NewRouter(sink Sink, codec *envelope.Codec, opts RouterOptions) (*Router, error) {
	if sink == nil {
		return nil, errspkg.ErrSinkRequired
	}
	if codec == nil {
		codec = &envelope.Codec{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewDiscardLogger()
	}
	return &Router{
		sink:    sink,
		codec:   codec,
		deduper: opts.Deduper,
		base:    opts.Metadata.Clone(),
		logger:  logger.With(loggingpkg.LogFields{"sink": sink.Name()}),
	}, nil
}

// SinkName returns the name of the wrapped sink.
func (r *Router) SinkName() string {
	return r.sink.Name()
}

// Route delivers res. A result whose key was already delivered counts as
// delivered. While another attempt holds the key Route fails with a retryable
// SinkError, so the message is requeued rather than acked. The key is marked
// delivered only after the sink accepted the result; a failed send releases it.
func (r *Router) Route(ctx context.Context, res envelope.Result) error {
	env, err := r.envelope(res)
	if err != nil {
		r.failed.Add(1)
		return errspkg.NewSinkError(r.sink.Name(), err)
	}

	claimed := false
	if r.deduper != nil {
		reserved, err := r.deduper.Reserve(ctx, env.IdempotencyKey)
		switch {
		case errors.Is(err, ErrReservationHeld):
			r.logger.Debug("Result claimed by another attempt", loggingpkg.LogFields{
				"idempotency_key": env.IdempotencyKey,
				"strategy":        res.Strategy,
			})
			return errspkg.NewSinkError(r.sink.Name(), err)
		case err != nil:
			// The guard is best effort; sinks are idempotent on the key anyway.
			r.logger.Error("Dedup reserve failed, sending anyway", err, loggingpkg.LogFields{
				"idempotency_key": env.IdempotencyKey,
			})
		case !reserved:
			r.duplicates.Add(1)
			r.logger.Debug("Result already delivered", loggingpkg.LogFields{
				"idempotency_key": env.IdempotencyKey,
				"strategy":        res.Strategy,
			})
			return nil
		default:
			claimed = true
		}
	}

	if err := r.sink.Send(ctx, env); err != nil {
		r.failed.Add(1)
		if claimed {
			if relErr := r.deduper.Release(context.WithoutCancel(ctx), env.IdempotencyKey); relErr != nil {
				r.logger.Error("Dedup release failed", relErr, loggingpkg.LogFields{
					"idempotency_key": env.IdempotencyKey,
				})
			}
		}
		return errspkg.NewSinkError(r.sink.Name(), err)
	}

	if claimed {
		// On a failed commit the lease lapses and the sink sees the key again.
		if err := r.deduper.Commit(context.WithoutCancel(ctx), env.IdempotencyKey); err != nil {
			r.logger.Error("Dedup commit failed", err, loggingpkg.LogFields{
				"idempotency_key": env.IdempotencyKey,
			})
		}
	}

	r.sent.Add(1)
	return nil
}

func (r *Router) envelope(res envelope.Result) (Envelope, error) {
	if res.Status == "" {
		res.Status = envelope.StatusOK
	}
	payload, err := r.codec.Encode(res)
	if err != nil {
		return Envelope{}, err
	}
	key := envelope.IdempotencyKey(res)

	md := r.base.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyMessageID:      key,
		metadatapkg.KeyIdempotencyKey: key,
		metadatapkg.KeyStrategy:       res.Strategy,
		metadatapkg.KeySymbol:         res.Symbol,
		metadatapkg.KeyStatus:         string(res.Status),
		metadatapkg.KeyContentType:    metadatapkg.ContentTypeJSON,
	})
	if res.SourceRecordID != "" {
		md[metadatapkg.KeyCorrelationID] = res.SourceRecordID
	}

	return Envelope{
		Result:         res,
		Payload:        payload,
		IdempotencyKey: key,
		Metadata:       md,
	}, nil
}

// Stats returns the router counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Sent:       r.sent.Load(),
		Duplicates: r.duplicates.Load(),
		Failed:     r.failed.Load(),
	}
}

// Close closes the sink and, when it holds a connection, the deduper.
func (r *Router) Close() error {
	var errs []error
	if err := r.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := r.deduper.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
