// Package transporttest holds fakes shared by the transport package tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a settable transport.Config.
type Config struct {
	PubSubSystem       string
	ConsumerGroup      string
	KafkaBrokers       []string
	KafkaClientID      string
	RabbitMQURL        string
	RabbitMQExchange   string
	RabbitMQRoutingKey string
	NATSURL            string
	NATSQueueGroup     string
	NATSStream         string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	PostgresURL        string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetConsumerGroup() string      { return c.ConsumerGroup }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string      { return c.KafkaClientID }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetRabbitMQExchange() string   { return c.RabbitMQExchange }
func (c *Config) GetRabbitMQRoutingKey() string { return c.RabbitMQRoutingKey }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetNATSQueueGroup() string     { return c.NATSQueueGroup }
func (c *Config) GetNATSStream() string         { return c.NATSStream }
func (c *Config) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }
func (c *Config) GetPostgresURL() string        { return c.PostgresURL }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }

// Publisher records published messages per topic.
type Publisher struct {
	mu       sync.Mutex
	Messages map[string][]*message.Message
	Err      error
	Closed   bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Messages == nil {
		p.Messages = make(map[string][]*message.Message)
	}
	p.Messages[topic] = append(p.Messages[topic], messages...)
	return nil
}

// Published returns a copy of the messages sent to topic.
func (p *Publisher) Published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Messages[topic]...)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber hands out closed channels.
type Subscriber struct {
	Closed bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *Subscriber) Close() error {
	s.Closed = true
	return nil
}

// FeedSubscriber hands out one open channel per Subscribe call so tests can
// push messages and close individual subscriptions.
type FeedSubscriber struct {
	mu     sync.Mutex
	Err    error
	Topics []string
	feeds  []chan *message.Message
	Closed bool
}

func (s *FeedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	ch := make(chan *message.Message)
	s.Topics = append(s.Topics, topic)
	s.feeds = append(s.feeds, ch)
	return ch, nil
}

// Subscriptions reports how many times Subscribe succeeded.
func (s *FeedSubscriber) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// Feed returns the channel handed out by the i-th Subscribe call.
func (s *FeedSubscriber) Feed(i int) chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[i]
}

func (s *FeedSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Delay is one recorded PublishWithDelay call.
type Delay struct {
	Topic   string
	DelayMs int64
}

// DelayedPublisher is a Publisher that also implements
// transport.DelayedPublisher.
type DelayedPublisher struct {
	Publisher
	Delays []Delay
}

func (p *DelayedPublisher) PublishWithDelay(topic string, delay int64, messages ...*message.Message) error {
	p.mu.Lock()
	p.Delays = append(p.Delays, Delay{Topic: topic, DelayMs: delay})
	p.mu.Unlock()
	return p.Publish(topic, messages...)
}

// DeadLetter is one recorded PublishDeadLetter call.
type DeadLetter struct {
	OriginalTopic string
	Reason        string
	Message       *message.Message
}

// DeadLetterPublisher is a Publisher that also implements
// transport.DeadLetterPublisher.
type DeadLetterPublisher struct {
	Publisher
	DeadLetters []DeadLetter
}

func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, originalTopic, reason string, msg *message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.DeadLetters = append(p.DeadLetters, DeadLetter{OriginalTopic: originalTopic, Reason: reason, Message: msg})
	return nil
}
