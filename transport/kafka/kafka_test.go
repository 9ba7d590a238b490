package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/marketflow/transport"
	"github.com/drblury/marketflow/transport/transporttest"
)

func TestRegisteredOnInit(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsCompetingConsumers)
	assert.False(t, caps.SupportsNativeDelay())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func withFactories(t *testing.T, pub func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error), sub func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error)) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
	if pub != nil {
		PublisherFactory = pub
	}
	if sub != nil {
		SubscriberFactory = sub
	}
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}

		withFactories(t,
			func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
				assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
				assert.Equal(t, "poller-1", cfg.OverwriteSaramaConfig.ClientID)
				return mockPub, nil
			},
			func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
				assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
				assert.Equal(t, "test-group", cfg.ConsumerGroup)
				assert.Equal(t, "poller-1", cfg.OverwriteSaramaConfig.ClientID)
				return mockSub, nil
			},
		)

		cfg := &transporttest.Config{
			KafkaBrokers:  []string{"localhost:9092"},
			KafkaClientID: "poller-1",
			ConsumerGroup: "test-group",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})

	t.Run("defaults the consumer group", func(t *testing.T) {
		withFactories(t,
			func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
				return &transporttest.Publisher{}, nil
			},
			func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
				assert.Equal(t, DefaultConsumerGroup, cfg.ConsumerGroup)
				return &transporttest.Subscriber{}, nil
			},
		)

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		withFactories(t, func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}, nil)

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		withFactories(t,
			func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) { return pub, nil },
			func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
				return nil, errors.New("subscriber error")
			},
		)

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber error")
		assert.True(t, pub.Closed)
	})
}
