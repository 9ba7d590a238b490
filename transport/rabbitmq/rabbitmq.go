// Package rabbitmq provides a RabbitMQ/AMQP transport. Topics map onto
// durable queues, so parallel subscribers compete for deliveries. With an
// exchange configured, subscribed queues are also bound to that durable topic
// exchange, so producers can publish market data there.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/marketflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DefaultPrefetch bounds unacknowledged deliveries per channel.
const DefaultPrefetch = 16

// DefaultRoutingKey binds every routing key on the exchange.
const DefaultRoutingKey = "#"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport sharing one reconnecting connection
// between publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: URL is required")
	}

	amqpConfig := amqp.NewDurableQueueConfig(url)
	amqpConfig.Consume.Qos.PrefetchCount = DefaultPrefetch

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(subscriberConfig(amqpConfig, cfg.GetRabbitMQExchange(), cfg.GetRabbitMQRoutingKey()), logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// subscriberConfig binds subscribed queues to exchange. Publishing stays on
// the default exchange so requeues and dead letters reach their queue by name.
func subscriberConfig(base amqp.Config, exchange, routingKey string) amqp.Config {
	if exchange == "" {
		return base
	}
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	cfg := base
	cfg.Exchange = amqp.ExchangeConfig{
		GenerateName: func(string) string { return exchange },
		Type:         "topic",
		Durable:      true,
	}
	cfg.QueueBind = amqp.QueueBindConfig{
		GenerateRoutingKey: func(string) string { return routingKey },
	}
	return cfg
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
