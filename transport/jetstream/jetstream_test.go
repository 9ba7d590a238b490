package jetstream

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/marketflow/transport"
	"github.com/drblury/marketflow/transport/transporttest"
)

func TestRegisteredOnInit(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsNativeDelay())
	assert.Equal(t, MetadataDelay, caps.DelayMetadataKey)
	assert.True(t, caps.SupportsCompetingConsumers)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStream, result.StreamName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})
}

func TestBuild_ConnectFailure(t *testing.T) {
	original := Connect
	defer func() { Connect = original }()

	var gotURL string
	Connect = func(url string) (*nats.Conn, error) {
		gotURL = url
		return nil, errors.New("no servers available")
	}

	_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://broker:4222"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no servers available")
	assert.Equal(t, "nats://broker:4222", gotURL)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestHeadersRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	msg := message.NewMessage("msg-1", []byte(`{"symbol":"AAPL"}`))
	msg.Metadata.Set("mf_attempt", "2")
	msg.Metadata.Set(MetadataDelay, "1500")

	headers := toHeaders(msg, now)
	assert.Equal(t, "msg-1", headers.Get(headerMessageUUID))
	assert.Equal(t, strconv.FormatInt(now.Add(1500*time.Millisecond).UnixMilli(), 10), headers.Get(headerDelayUntil))

	assert.Equal(t, 1500*time.Millisecond, remainingDelay(headers, now))
	assert.Zero(t, remainingDelay(headers, now.Add(2*time.Second)))

	back := toMessage(&nats.Msg{Data: msg.Payload, Header: headers})
	assert.Equal(t, "msg-1", back.UUID)
	assert.Equal(t, "2", back.Metadata.Get("mf_attempt"))
	assert.Empty(t, back.Metadata.Get(headerDelayUntil))
}

func TestToMessage_FallsBackToMessageID(t *testing.T) {
	h := nats.Header{}
	h.Set("message_id", "upstream-7")
	assert.Equal(t, "upstream-7", toMessage(&nats.Msg{Header: h}).UUID)

	assert.NotEmpty(t, toMessage(&nats.Msg{Header: nats.Header{}}).UUID)
}

func TestConsumerName(t *testing.T) {
	tr := &Transport{config: Config{Durable: "pollers"}}
	assert.Equal(t, "pollers_consumer_market_data", tr.consumerName("market.data"))

	tr = &Transport{}
	assert.Equal(t, "consumer_market_data", tr.consumerName("market.data"))
}
