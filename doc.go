// Package marketflow is a market data dispatch engine built on Watermill. A
// Service consumes raw price messages from one input topic, decodes each one
// into a Record, runs the strategy processors the record asks for (or the
// configured defaults) and hands every Result to a single output sink.
//
// Delivery is at-least-once. A message is acknowledged only after every result
// it produced was accepted by the sink. Retryable failures are requeued with
// exponential backoff and an attempt counter; permanent failures and messages
// that exhaust their attempts are moved to the dead letter topic together with
// the error class and message. Nothing is dropped silently.
//
// # Transports
//
// The input queue can be any of the registered transports:
//   - channel: In-memory Go channels for tests and local runs
//   - kafka: Consumer group based streaming
//   - rabbitmq: AMQP durable queues
//   - aws: SNS/SQS with LocalStack support
//   - nats / jetstream: NATS core and JetStream
//   - http: Webhook style ingestion
//   - postgres: Table-backed queue with delayed delivery and DLQ management
//
// # Processors
//
// Two strategies ship with the engine: momentum (SMA, EMA, RSI, MACD, rate of
// change) and volatility (standard deviation, ATR, Bollinger bands, annualised
// volatility). Custom processors implement Processor, or are built from a plain
// function with NewProcessor, and are passed through
// ServiceDependencies.Processors. The registry is frozen once the service
// starts.
//
// # Middleware
//
// Every processor call runs through the default chain: panic recovery,
// OpenTelemetry tracing, per-processor statistics, a hard timeout and debug
// logging. Extra middlewares go into ServiceDependencies.Middlewares.
//
// # Output
//
// Results are encoded as JSON and sent to the configured sink: the log, an
// output topic on the transport, an HTTP endpoint, PostgreSQL through GORM or
// S3. Sends pass through a circuit breaker and an optional Redis or in-memory
// duplicate guard keyed by the result idempotency key.
//
// # Job Hooks
//
// JobHooks receive OnJobStart, OnJobDone, and OnJobError callbacks for every
// message, including the final outcome (acked, requeued, dead lettered).
package marketflow
