package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsDelay indicates the transport can natively delay message delivery.
	// When false, delayed delivery must be emulated by the application.
	SupportsDelay bool

	// SupportsNativeDLQ indicates the transport has built-in dead letter queue support.
	// When false, dead letters are published to a regular topic.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	// When true, messages within a partition/stream are delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPriority indicates the transport supports message priority queues.
	SupportsPriority bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// SupportsCompetingConsumers indicates that several subscriptions to the
	// same topic share its messages instead of each receiving a copy.
	SupportsCompetingConsumers bool

	// DelayMetadataKey names the metadata key the publisher reads to hold a
	// message back, in milliseconds. Empty when the transport cannot delay.
	DelayMetadataKey string

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// MaxDelayDuration is the maximum delay duration supported (0 = unlimited/unknown).
	MaxDelayDuration int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// RequiresDelayEmulation returns true if the transport needs application-level
// delay handling because it doesn't support native delayed delivery.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresDLQEmulation returns true if the transport needs application-level
// DLQ routing because it doesn't support native dead letter queues.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsNativeDelay reports whether a delay can be requested through
// DelayMetadataKey on a plain Publish.
func (c Capabilities) SupportsNativeDelay() bool {
	return c.SupportsDelay && c.DelayMetadataKey != ""
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory gochannel transport. Every
	// subscription receives its own copy, so subscriptions do not compete.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka. Subscriptions share a consumer group.
	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsBatching:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsPartitioning:       true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP with one durable queue per topic.
	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsPriority:           true,
		SupportsCompetingConsumers: true,
	}

	// NATSCapabilities for NATS Core with a queue group subscription.
	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsTracing:            true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream with a durable pull consumer.
	NATSJetStreamCapabilities = Capabilities{
		Name:                       "nats-jetstream",
		SupportsDelay:              true,
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsBatching:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		DelayMetadataKey:           "mf_delay_ms",
		MaxMessageSize:             1048576, // Default 1MB
	}

	// AWSCapabilities for SNS topics fanned out to one SQS queue per topic.
	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsTracing:            true,
		SupportsBatching:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             262144, // 256KB
	}

	// PostgresCapabilities for PostgreSQL-based transport.
	PostgresCapabilities = Capabilities{
		Name:                       "postgres",
		SupportsDelay:              true,
		SupportsNativeDLQ:          true,
		SupportsOrdering:           true,
		SupportsBatching:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		DelayMetadataKey:           "mf_delay_ms",
	}

	// HTTPCapabilities for webhook ingestion. The single server can only
	// register one handler per topic.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
