/*
Package runtime wires the market data dispatch pipeline together.

# Architecture Overview

A Service consumes raw market data messages from one input topic, decodes them
into records, runs the matching strategy processors and hands every result to a
single output sink. Failures are retried with backoff or moved to a dead letter
destination; nothing is lost silently.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Queue adapter over the configured transport (queue/)
  - Envelope codec (envelope/)
  - Processor registry with the built-in strategies (strategy/)
  - Output router and sink (output/)
  - Dispatch engine (dispatch/)
  - HTTP servers for metrics and the status API

## Middleware (middleware.go)

Processor middlewares wrap every registered strategy:
  - Recoverer: panics become processing errors
  - Tracer: one OpenTelemetry span per processor call
  - Stats: per-processor call statistics
  - Timeout: abandons processors that ignore their context
  - LogProcessing: debug logging of every call

## Stats & Monitoring (models.go, resources.go, dlq_metrics.go)

Extended metrics collection for processor performance:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling
  - Dead letter counters

## Hooks (hooks.go)

Ready-made JobHooks for logging, alerting and dead letter accounting.

## Status API (status.go)

HTTP API for processor statistics, engine state and dead letter management.

# Sub-packages

  - config/: Service configuration with validation
  - dispatch/: Worker pool, retry policy and settlement of deliveries
  - envelope/: Inbound record decoding and result encoding
  - errors/: Sentinel errors and the error taxonomy
  - ids/: ULIDs, payload hashes and idempotency keys
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - output/: Result sinks, circuit breaker and dedup guard
  - queue/: Queue adapter with requeue and dead letter semantics
  - strategy/: Processor contract, registry and built-in strategies
  - transport/: Binds the configuration to the transport registry

# Usage Example

	cfg, err := marketflow.LoadConfig()
	if err != nil {
		return err
	}

	svc, err := marketflow.NewService(cfg, logger, ctx, marketflow.ServiceDependencies{})
	if err != nil {
		return err
	}

	go svc.Start(ctx)
	<-ctx.Done()
	return svc.Stop(cfg.Engine.ShutdownGrace)
*/
package runtime
