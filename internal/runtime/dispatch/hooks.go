package dispatch

import (
	"context"
	"time"

	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
)

// JobContext describes one delivery to the hooks.
type JobContext struct {
	MessageID string
	Topic     string
	Symbol    string
	// Strategies holds the processors resolved for the record, if any.
	Strategies []string
	Metadata   metadatapkg.Metadata
	Context    context.Context
	StartedAt  time.Time
	// Duration is set for OnJobDone and OnJobError.
	Duration time.Duration
	Attempt  int
	// Outcome is set for OnJobDone and OnJobError.
	Outcome Outcome
	Class   errspkg.Class
}

// JobHooks are optional callbacks around the handling of each delivery.
type JobHooks struct {
	// OnJobStart runs before the payload is decoded.
	OnJobStart func(ctx JobContext)
	// OnJobDone runs after the delivery was acknowledged.
	OnJobDone func(ctx JobContext)
	// OnJobError runs after the delivery was requeued or dead-lettered.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first and other second.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(jc JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(jc)
	}
}

func (h JobHooks) done(jc JobContext) {
	if h.OnJobDone != nil {
		h.OnJobDone(jc)
	}
}

func (h JobHooks) failed(jc JobContext, err error) {
	if h.OnJobError != nil {
		h.OnJobError(jc, err)
	}
}
