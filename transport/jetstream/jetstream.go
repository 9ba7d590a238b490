// Package jetstream provides a NATS JetStream transport. All subscriptions to
// a topic share one durable pull consumer, so they compete for messages.
// Delayed redelivery is implemented with NakWithDelay.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/marketflow/internal/runtime/ids"
	"github.com/drblury/marketflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStream is used when no stream name is configured.
	DefaultStream = "MARKETFLOW"
	// DefaultMaxDeliver bounds broker-side redeliveries. The dispatch engine
	// dead-letters long before this in normal operation.
	DefaultMaxDeliver = 100
	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second
	// DefaultFetchBatch is how many messages one pull requests.
	DefaultFetchBatch = 10

	// MetadataDelay delays the next delivery, in milliseconds.
	MetadataDelay = "mf_delay_ms"
	// headerDelayUntil carries the absolute eligibility time in unix millis.
	headerDelayUntil = "mf_delay_until"
	// headerMessageUUID keeps the watermill UUID across the broker.
	headerMessageUUID = "Nats-Msg-Id"
)

var ErrClosed = errors.New("jetstream: transport is closed")

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetNATSStream(),
		Durable:    cfg.GetNATSQueueGroup(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL        string
	StreamName string
	// Durable prefixes consumer names so separate deployments do not share
	// consumers.
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	// RetentionPolicy is "limits" (default), "interest" or "workqueue".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions []*nats.Subscription
	subMu         sync.Mutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("jetstream: URL is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   7 * 24 * time.Hour,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return err
		}
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			t.logger.Info("JetStream stream exists with a different config", watermill.LogFields{
				"stream": t.config.StreamName,
				"err":    err.Error(),
			})
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish publishes messages to the stream subject of topic.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := t.topicToSubject(topic)
	for _, msg := range messages {
		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  toHeaders(msg, time.Now()),
		}
		if _, err := t.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("jetstream: publish: %w", err)
		}
	}
	return nil
}

// PublishWithDelay publishes messages that are held back for delay
// milliseconds on delivery.
func (t *Transport) PublishWithDelay(topic string, delay int64, messages ...*message.Message) error {
	for _, msg := range messages {
		msg.Metadata.Set(MetadataDelay, strconv.FormatInt(delay, 10))
	}
	return t.Publish(topic, messages...)
}

func toHeaders(msg *message.Message, now time.Time) nats.Header {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(headerMessageUUID, msg.UUID)

	if delayMs, err := strconv.ParseInt(msg.Metadata.Get(MetadataDelay), 10, 64); err == nil && delayMs > 0 {
		until := now.Add(time.Duration(delayMs) * time.Millisecond)
		headers.Set(headerDelayUntil, strconv.FormatInt(until.UnixMilli(), 10))
	}
	return headers
}

// remainingDelay reports how long a delivery must still wait.
func remainingDelay(h nats.Header, now time.Time) time.Duration {
	raw := h.Get(headerDelayUntil)
	if raw == "" {
		return 0
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if d := time.UnixMilli(until).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Subscribe pulls from the durable consumer of topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	subject := t.topicToSubject(topic)
	consumerName := t.consumerName(topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName, nats.Bind(t.config.StreamName, consumerName))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				t.logger.Error("jetstream: fetch", err, watermill.LogFields{"topic": topic})
			}
			continue
		}

		for _, natsMsg := range msgs {
			if wait := remainingDelay(natsMsg.Header, time.Now()); wait > 0 {
				if err := natsMsg.NakWithDelay(wait); err != nil {
					t.logger.Error("jetstream: nak delayed message", err, nil)
				}
				continue
			}
			if !t.deliver(ctx, natsMsg, output) {
				return
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message) bool {
	wmMsg := toMessage(natsMsg)

	select {
	case output <- wmMsg:
	case <-ctx.Done():
		_ = natsMsg.Nak()
		return false
	case <-t.closedChan:
		_ = natsMsg.Nak()
		return false
	}

	select {
	case <-wmMsg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("jetstream: ack", err, nil)
		}
	case <-wmMsg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("jetstream: nak", err, nil)
		}
	case <-ctx.Done():
		_ = natsMsg.Nak()
		return false
	}
	return true
}

func toMessage(natsMsg *nats.Msg) *message.Message {
	uuid := natsMsg.Header.Get(headerMessageUUID)
	if uuid == "" {
		uuid = natsMsg.Header.Get("message_id")
	}
	if uuid == "" {
		uuid = ids.CreateULID()
	}

	wmMsg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == headerMessageUUID || k == headerDelayUntil || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

// consumerName derives a durable name; NATS forbids dots in it.
func (t *Transport) consumerName(topic string) string {
	name := "consumer_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
	if t.config.Durable != "" {
		name = t.config.Durable + "_" + name
	}
	return name
}

// Close unsubscribes and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
