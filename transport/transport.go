// Package transport defines the broker-facing contract of marketflow. Each
// backend (kafka, rabbitmq, aws, etc.) lives in its own sub-package and
// registers a Builder and its Capabilities with the registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// GetConsumerGroup names the shared consumer identity (Kafka consumer
	// group, default NATS queue group).
	GetConsumerGroup() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// RabbitMQ. An empty exchange keeps one queue per topic on the default
	// exchange.
	GetRabbitMQURL() string
	GetRabbitMQExchange() string
	GetRabbitMQRoutingKey() string

	// NATS
	GetNATSURL() string
	GetNATSQueueGroup() string
	GetNATSStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DLQManager is implemented by transports that keep dead letters in a store
// they can replay from.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister is implemented by transports that can list DLQ messages.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage represents a message in the dead letter queue.
// This is used by transports that implement DLQLister.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// QueueIntrospector is implemented by transports that can report queue statistics.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}

// DelayedPublisher is implemented by transports that support delayed message
// delivery. delay is in milliseconds.
type DelayedPublisher interface {
	PublishWithDelay(topic string, delay int64, messages ...*message.Message) error
}

// DeadLetterPublisher is implemented by transports that keep dead letters in
// their own store, where a DLQManager can replay them from.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, originalTopic, reason string, msg *message.Message) error
}

// Closer is implemented by publishers and subscribers holding connections.
type Closer interface {
	Close() error
}

// Close closes the publisher and subscriber of t. A transport whose publisher
// and subscriber are the same value is closed once.
func (t Transport) Close() error {
	var errs []error
	closed := map[any]bool{}
	for _, c := range []any{t.Publisher, t.Subscriber} {
		closer, ok := c.(Closer)
		if !ok || closed[c] {
			continue
		}
		closed[c] = true
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
