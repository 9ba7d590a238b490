package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	"github.com/drblury/marketflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
	"github.com/drblury/marketflow/transport"
	"github.com/drblury/marketflow/transport/transporttest"
)

const topic = "market.data"

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newAdapter(t *testing.T, pub message.Publisher, sub message.Subscriber, caps transport.Capabilities, opts Options) *Adapter {
	t.Helper()
	if opts.Topic == "" {
		opts.Topic = topic
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return fixedNow }
	}
	opts.ReconnectInitial = time.Millisecond
	opts.ReconnectMax = 5 * time.Millisecond

	a, err := New(pub, sub, caps, opts, loggingpkg.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func receiveOne(t *testing.T, ch <-chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery received")
		return nil
	}
}

func push(t *testing.T, feed chan *message.Message, msg *message.Message) {
	t.Helper()
	select {
	case feed <- msg:
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter did not read from subscription")
	}
}

func waitSettled(t *testing.T, msg *message.Message) string {
	t.Helper()
	select {
	case <-msg.Acked():
		return "ack"
	case <-msg.Nacked():
		return "nack"
	case <-time.After(2 * time.Second):
		t.Fatalf("message was neither acked nor nacked")
		return ""
	}
}

func TestNewValidates(t *testing.T) {
	logger := loggingpkg.NewDiscardLogger()
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}

	_, err := New(nil, sub, transport.Capabilities{}, Options{Topic: topic}, logger)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
	_, err = New(pub, nil, transport.Capabilities{}, Options{Topic: topic}, logger)
	assert.Error(t, err)
	_, err = New(pub, sub, transport.Capabilities{}, Options{}, logger)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
	_, err = New(pub, sub, transport.Capabilities{}, Options{Topic: topic}, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestReceiveOverGoChannel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	a := newAdapter(t, pubSub, pubSub, transport.ChannelCapabilities, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := a.Receive(ctx)
	require.NoError(t, err)

	msg := message.NewMessage("uuid-1", []byte(`{"symbol":"BTCUSD"}`))
	msg.Metadata.Set(metadatapkg.KeyMessageID, "producer-42")
	msg.Metadata.Set(metadatapkg.KeyAttempt, "3")
	require.NoError(t, pubSub.Publish(topic, msg))

	d := receiveOne(t, deliveries)
	assert.Equal(t, "producer-42", d.ID)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, topic, d.Topic)
	assert.Equal(t, fixedNow, d.ReceivedAt)
	assert.Equal(t, `{"symbol":"BTCUSD"}`, string(d.Payload))
	assert.Equal(t, "producer-42", d.Inbound().ID)

	require.NoError(t, a.Ack(d))
	assert.True(t, d.Settled())
	assert.ErrorIs(t, a.Ack(d), ErrSettled)
	assert.ErrorIs(t, a.Reject(ctx, d, Rejection{}), ErrSettled)
}

func TestDeliveryIDFallbacks(t *testing.T) {
	withUUID := message.NewMessage("uuid-7", []byte("x"))
	assert.Equal(t, "uuid-7", deliveryID(withUUID, metadatapkg.Metadata{}))

	bare := message.NewMessage("", []byte("payload"))
	assert.Equal(t, ids.PayloadHash([]byte("payload")), deliveryID(bare, metadatapkg.Metadata{}))
}

func TestRequeueWithoutDelaySupportNacks(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	pub := &transporttest.Publisher{}
	a := newAdapter(t, pub, sub, transport.KafkaCapabilities, Options{})

	deliveries, err := a.Receive(context.Background())
	require.NoError(t, err)

	msg := message.NewMessage("uuid-1", []byte("{}"))
	push(t, sub.Feed(0), msg)
	d := receiveOne(t, deliveries)

	require.NoError(t, a.Reject(context.Background(), d, Rejection{Requeue: true, Delay: time.Second}))
	assert.Equal(t, "nack", waitSettled(t, msg))
	assert.Empty(t, pub.Published(topic))
}

func TestRequeueWithDelayedPublisher(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	pub := &transporttest.DelayedPublisher{}
	a := newAdapter(t, pub, sub, transport.PostgresCapabilities, Options{})

	deliveries, err := a.Receive(context.Background())
	require.NoError(t, err)

	msg := message.NewMessage("uuid-1", []byte(`{"symbol":"ETHUSD"}`))
	msg.Metadata.Set("trace_id", "t-1")
	push(t, sub.Feed(0), msg)
	d := receiveOne(t, deliveries)

	require.NoError(t, a.Reject(context.Background(), d, Rejection{
		Requeue: true,
		Delay:   1500 * time.Millisecond,
		Attempt: 2,
		Class:   errspkg.ClassProcessing,
	}))
	assert.Equal(t, "ack", waitSettled(t, msg))

	require.Len(t, pub.Delays, 1)
	assert.Equal(t, transporttest.Delay{Topic: topic, DelayMs: 1500}, pub.Delays[0])

	published := pub.Published(topic)
	require.Len(t, published, 1)
	copyMsg := published[0]
	assert.NotEqual(t, "uuid-1", copyMsg.UUID)
	due, ok := ids.ULIDTime(copyMsg.UUID)
	require.True(t, ok, "requeue copy UUID %q is not a ULID", copyMsg.UUID)
	assert.True(t, fixedNow.Add(1500*time.Millisecond).Equal(due))
	assert.Equal(t, "uuid-1", copyMsg.Metadata.Get(metadatapkg.KeyMessageID))
	assert.Equal(t, "3", copyMsg.Metadata.Get(metadatapkg.KeyAttempt))
	assert.Equal(t, "t-1", copyMsg.Metadata.Get("trace_id"))
	assert.NotEmpty(t, copyMsg.Metadata.Get(metadatapkg.KeyDelayUntil))
	assert.Equal(t, `{"symbol":"ETHUSD"}`, string(copyMsg.Payload))
}

func TestRequeuePublishFailureNacks(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	pub := &transporttest.DelayedPublisher{}
	pub.Err = errors.New("broker down")
	a := newAdapter(t, pub, sub, transport.PostgresCapabilities, Options{})

	deliveries, err := a.Receive(context.Background())
	require.NoError(t, err)

	msg := message.NewMessage("uuid-1", []byte("{}"))
	push(t, sub.Feed(0), msg)
	d := receiveOne(t, deliveries)

	err = a.Reject(context.Background(), d, Rejection{Requeue: true})
	require.Error(t, err)
	assert.Equal(t, "nack", waitSettled(t, msg))
}

func TestRejectDeadLettersToTopic(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	pub := &transporttest.Publisher{}
	a := newAdapter(t, pub, sub, transport.RabbitMQCapabilities, Options{DLQTopic: "market.data.dead"})

	deliveries, err := a.Receive(context.Background())
	require.NoError(t, err)

	payload := []byte(`{not json`)
	msg := message.NewMessage("uuid-9", payload)
	push(t, sub.Feed(0), msg)
	d := receiveOne(t, deliveries)

	require.NoError(t, a.Reject(context.Background(), d, Rejection{
		Cause: errspkg.NewSchemaError("payload", "invalid JSON", nil),
		Class: errspkg.ClassSchema,
	}))
	assert.Equal(t, "ack", waitSettled(t, msg))

	dead := pub.Published("market.data.dead")
	require.Len(t, dead, 1)
	md := dead[0].Metadata
	assert.Equal(t, payload, []byte(dead[0].Payload))
	assert.Equal(t, "true", md.Get(metadatapkg.KeyDeadLetter))
	assert.Equal(t, topic, md.Get(metadatapkg.KeyOriginalTopic))
	assert.Equal(t, "schema", md.Get(metadatapkg.KeyErrorClass))
	assert.Equal(t, "1", md.Get(metadatapkg.KeyAttempt))
	assert.Equal(t, "uuid-9", md.Get(metadatapkg.KeyMessageID))
	assert.Equal(t, ids.PayloadHash(payload), md.Get(metadatapkg.KeyPayloadHash))
	assert.Contains(t, md.Get(metadatapkg.KeyErrorMessage), "invalid JSON")
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), md.Get(metadatapkg.KeyDeadLetterAt))
	stamped, ok := ids.ULIDTime(dead[0].UUID)
	require.True(t, ok)
	assert.True(t, fixedNow.Equal(stamped))
}

func TestRejectPrefersTransportDeadLetterStore(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	pub := &transporttest.DeadLetterPublisher{}
	a := newAdapter(t, pub, sub, transport.PostgresCapabilities, Options{DLQTopic: "unused"})

	deliveries, err := a.Receive(context.Background())
	require.NoError(t, err)

	msg := message.NewMessage("uuid-3", []byte("{}"))
	push(t, sub.Feed(0), msg)
	d := receiveOne(t, deliveries)

	require.NoError(t, a.Reject(context.Background(), d, Rejection{
		Cause: errors.New("boom"),
		Class: errspkg.ClassExhausted,
	}))
	assert.Equal(t, "ack", waitSettled(t, msg))
	require.Len(t, pub.DeadLetters, 1)
	assert.Equal(t, topic, pub.DeadLetters[0].OriginalTopic)
	assert.Equal(t, "boom", pub.DeadLetters[0].Reason)
	assert.Empty(t, pub.Published("unused"))
}

func TestRejectFailsOpenWhenDeadLetterPublishFails(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	pub := &transporttest.Publisher{Err: errors.New("dlq unavailable")}
	a := newAdapter(t, pub, sub, transport.ChannelCapabilities, Options{DLQTopic: "dead"})

	deliveries, err := a.Receive(context.Background())
	require.NoError(t, err)

	msg := message.NewMessage("uuid-4", []byte("{}"))
	push(t, sub.Feed(0), msg)
	d := receiveOne(t, deliveries)

	require.NoError(t, a.Reject(context.Background(), d, Rejection{Class: errspkg.ClassSchema}))
	assert.Equal(t, "ack", waitSettled(t, msg))
}

func TestReceiveOpensOneSubscriptionPerSlot(t *testing.T) {
	competing := &transporttest.FeedSubscriber{}
	a := newAdapter(t, &transporttest.Publisher{}, competing, transport.KafkaCapabilities, Options{Subscriptions: 3})
	_, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, competing.Subscriptions())

	broadcast := &transporttest.FeedSubscriber{}
	b := newAdapter(t, &transporttest.Publisher{}, broadcast, transport.ChannelCapabilities, Options{Subscriptions: 3})
	_, err = b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, broadcast.Subscriptions())
}

func TestReceiveResubscribesWhenSubscriptionCloses(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	a := newAdapter(t, &transporttest.Publisher{}, sub, transport.NATSCapabilities, Options{})

	deliveries, err := a.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sub.Subscriptions())

	close(sub.Feed(0))
	require.Eventually(t, func() bool { return sub.Subscriptions() == 2 }, 2*time.Second, time.Millisecond)

	msg := message.NewMessage("after-reconnect", []byte("{}"))
	push(t, sub.Feed(1), msg)
	d := receiveOne(t, deliveries)
	assert.Equal(t, "after-reconnect", d.ID)
}

func TestReceiveSubscribeErrorIsReturned(t *testing.T) {
	sub := &transporttest.FeedSubscriber{Err: errors.New("no route")}
	a := newAdapter(t, &transporttest.Publisher{}, sub, transport.ChannelCapabilities, Options{})

	_, err := a.Receive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
}

func TestReceiveClosesOnContextCancel(t *testing.T) {
	sub := &transporttest.FeedSubscriber{}
	a := newAdapter(t, &transporttest.Publisher{}, sub, transport.ChannelCapabilities, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := a.Receive(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery channel not closed after cancel")
	}
}

func TestSendAndClose(t *testing.T) {
	pub := &transporttest.Publisher{}
	sub := &transporttest.FeedSubscriber{}
	a := newAdapter(t, pub, sub, transport.ChannelCapabilities, Options{})

	err := a.Send(context.Background(), "market.analysis", []byte(`{"ok":true}`), metadatapkg.New(
		metadatapkg.KeyMessageID, "key-1",
		metadatapkg.KeyStrategy, "momentum",
	))
	require.NoError(t, err)

	sent := pub.Published("market.analysis")
	require.Len(t, sent, 1)
	assert.Equal(t, "key-1", sent[0].UUID)
	assert.Equal(t, "momentum", sent[0].Metadata.Get(metadatapkg.KeyStrategy))

	require.NoError(t, a.Send(context.Background(), "market.analysis", []byte(`{}`), nil))
	sent = pub.Published("market.analysis")
	require.Len(t, sent, 2)
	_, ok := ids.ULIDTime(sent[1].UUID)
	assert.True(t, ok, "generated UUID %q is not a ULID", sent[1].UUID)

	assert.ErrorIs(t, a.Send(context.Background(), "", nil, nil), errspkg.ErrTopicRequired)

	require.NoError(t, a.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Send(context.Background(), "market.analysis", nil, nil), errspkg.ErrQueueClosed)
	_, err = a.Receive(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrQueueClosed)
}
