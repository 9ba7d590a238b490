package runtime

import (
	"github.com/drblury/marketflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
)

// JobContext describes one delivery to the hooks.
type JobContext = dispatch.JobContext

// JobHooks are optional callbacks around the handling of each delivery.
type JobHooks = dispatch.JobHooks

// LoggingHooks logs the lifecycle of every delivery at debug level, and
// failures at error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"topic":      ctx.Topic,
				"message_id": ctx.MessageID,
				"attempt":    ctx.Attempt,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Job completed", loggingpkg.LogFields{
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"strategies":  ctx.Strategies,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"attempt":     ctx.Attempt,
				"outcome":     ctx.Outcome,
				"error_class": ctx.Class.String(),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards lifecycle events to plain callbacks, for metrics
// systems other than the built-in Prometheus collectors.
func MetricsHooks(onStart, onDone, onError func(topic string, strategies []string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Topic, ctx.Strategies)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Topic, ctx.Strategies)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Topic, ctx.Strategies)
			}
		},
	}
}

// AlertingHooks calls alert for every delivery that ended in the dead letter
// destination.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			if ctx.Outcome == dispatch.OutcomeDeadLettered {
				alert(ctx, err)
			}
		},
	}
}

// DLQHooks records dead letters in m.
func DLQHooks(m *DLQMetrics, destination string) JobHooks {
	return JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			if ctx.Outcome != dispatch.OutcomeDeadLettered {
				return
			}
			strategy := "unresolved"
			if len(ctx.Strategies) > 0 {
				strategy = ctx.Strategies[0]
			}
			m.RecordMessageToDLQ(destination, strategy, ctx.Attempt, ctx.Duration)
		},
	}
}
