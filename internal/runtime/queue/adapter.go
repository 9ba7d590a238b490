// Package queue adapts a watermill publisher/subscriber pair to the
// receive/acknowledge/reject/send contract the dispatch engine drives.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	"github.com/drblury/marketflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
	"github.com/drblury/marketflow/transport"
)

const (
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
)

// ErrSettled is returned when a delivery is acked or rejected twice.
var ErrSettled = errors.New("queue: delivery already settled")

var errNoDeadLetterDestination = errors.New("queue: no dead letter destination configured")

// Options configures an Adapter.
type Options struct {
	Topic    string
	DLQTopic string
	// Subscriptions is the number of parallel subscriptions opened when the
	// transport supports competing consumers. Otherwise one is opened.
	Subscriptions int

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Subscriptions < 1 {
		o.Subscriptions = 1
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = DefaultReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = o.ReconnectInitial
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Adapter is the queue adapter over one transport.
type Adapter struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	caps       transport.Capabilities
	opts       Options
	logger     loggingpkg.ServiceLogger

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func New(publisher message.Publisher, subscriber message.Subscriber, caps transport.Capabilities, opts Options, logger loggingpkg.ServiceLogger) (*Adapter, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if subscriber == nil {
		return nil, errors.New("queue: subscriber is required")
	}
	if opts.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Adapter{
		publisher:  publisher,
		subscriber: subscriber,
		caps:       caps,
		opts:       opts.withDefaults(),
		logger:     logger.With(loggingpkg.LogFields{"topic": opts.Topic}),
		done:       make(chan struct{}),
	}, nil
}

// Capabilities returns the capabilities of the underlying transport.
func (a *Adapter) Capabilities() transport.Capabilities {
	return a.caps
}

// Topic returns the input topic.
func (a *Adapter) Topic() string {
	return a.opts.Topic
}

// Publisher exposes the underlying publisher, for sinks that write to the same
// broker.
func (a *Adapter) Publisher() message.Publisher {
	return a.publisher
}

func (a *Adapter) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Adapter) subscriptionCount() int {
	if a.caps.SupportsCompetingConsumers {
		return a.opts.Subscriptions
	}
	return 1
}

// Receive subscribes to the input topic and fans every subscription into the
// returned channel. A subscription whose channel closes while ctx is alive is
// reopened with exponential backoff. The channel is closed once ctx ends or
// the adapter is closed.
func (a *Adapter) Receive(ctx context.Context) (<-chan *Delivery, error) {
	if a.closed() {
		return nil, errspkg.ErrQueueClosed
	}

	n := a.subscriptionCount()
	upstreams := make([]<-chan *message.Message, 0, n)
	for i := 0; i < n; i++ {
		ch, err := a.subscriber.Subscribe(ctx, a.opts.Topic)
		if err != nil {
			return nil, fmt.Errorf("queue: subscribe to %s: %w", a.opts.Topic, err)
		}
		upstreams = append(upstreams, ch)
	}

	out := make(chan *Delivery)
	var fanIn sync.WaitGroup
	for i, upstream := range upstreams {
		fanIn.Add(1)
		a.wg.Add(1)
		go func(slot int, upstream <-chan *message.Message) {
			defer a.wg.Done()
			defer fanIn.Done()
			a.consume(ctx, slot, upstream, out)
		}(i, upstream)
	}

	go func() {
		fanIn.Wait()
		close(out)
	}()

	a.logger.Info("Receiving messages", loggingpkg.LogFields{"subscriptions": n})
	return out, nil
}

func (a *Adapter) consume(ctx context.Context, slot int, upstream <-chan *message.Message, out chan<- *Delivery) {
	for {
		if !a.forward(ctx, upstream, out) {
			return
		}

		a.logger.Info("Subscription closed, resubscribing", loggingpkg.LogFields{"slot": slot})
		next, err := a.resubscribe(ctx)
		if err != nil {
			if ctx.Err() == nil && !a.closed() {
				a.logger.Error("Resubscribe gave up", err, loggingpkg.LogFields{"slot": slot})
			}
			return
		}
		upstream = next
	}
}

// forward copies messages until upstream closes. It returns false when the
// consumer should stop for good.
func (a *Adapter) forward(ctx context.Context, upstream <-chan *message.Message, out chan<- *Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-a.done:
			return false
		case msg, ok := <-upstream:
			if !ok {
				return ctx.Err() == nil && !a.closed()
			}
			d := newDelivery(a.opts.Topic, msg, a.opts.Clock())
			select {
			case out <- d:
			case <-ctx.Done():
				msg.Nack()
				return false
			case <-a.done:
				msg.Nack()
				return false
			}
		}
	}
}

func (a *Adapter) resubscribe(ctx context.Context) (<-chan *message.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.ReconnectInitial
	b.MaxInterval = a.opts.ReconnectMax

	return backoff.Retry(ctx, func() (<-chan *message.Message, error) {
		return a.subscriber.Subscribe(ctx, a.opts.Topic)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Error("Resubscribe failed", err, loggingpkg.LogFields{"retry_in": next.String()})
		}),
	)
}

// Ack confirms d. The broker will not redeliver it.
func (a *Adapter) Ack(d *Delivery) error {
	if !d.settle() {
		return ErrSettled
	}
	d.msg.Ack()
	return nil
}

// Reject settles a failed delivery. A requeue republishes a copy carrying the
// next attempt number when the transport can delay it, and nacks otherwise.
// A dead letter goes to the dead letter destination; if that fails the full
// payload is logged and the delivery is acked anyway.
func (a *Adapter) Reject(ctx context.Context, d *Delivery, r Rejection) error {
	if !d.settle() {
		return ErrSettled
	}
	if r.Attempt < 1 {
		r.Attempt = d.Attempt
	}
	if r.Requeue {
		return a.requeue(d, r)
	}
	a.deadLetter(ctx, d, r)
	d.msg.Ack()
	return nil
}

func (a *Adapter) requeue(d *Delivery, r Rejection) error {
	delayed, canDelay := a.publisher.(transport.DelayedPublisher)
	delayKey := a.caps.DelayMetadataKey
	if !canDelay && delayKey == "" {
		d.msg.Nack()
		return nil
	}

	now := a.opts.Clock()
	md := d.Metadata.
		With(metadatapkg.KeyMessageID, d.ID).
		WithAttempt(r.Attempt + 1)
	if r.Delay > 0 {
		md = md.With(metadatapkg.KeyDelayUntil, strconv.FormatInt(now.Add(r.Delay).UnixMilli(), 10))
	}

	// The copy needs a fresh UUID; transports dedupe on it. Stamping it with
	// the due time keeps UUIDs in delivery order.
	copyMsg := message.NewMessage(ids.ULIDAt(now.Add(r.Delay)), d.Payload)
	copyMsg.Metadata = metadatapkg.ToWatermill(md)

	var err error
	if canDelay {
		err = delayed.PublishWithDelay(a.opts.Topic, r.Delay.Milliseconds(), copyMsg)
	} else {
		copyMsg.Metadata.Set(delayKey, strconv.FormatInt(r.Delay.Milliseconds(), 10))
		err = a.publisher.Publish(a.opts.Topic, copyMsg)
	}
	if err != nil {
		d.msg.Nack()
		return fmt.Errorf("queue: requeue %s: %w", d.ID, err)
	}

	d.msg.Ack()
	return nil
}

func (a *Adapter) deadLetter(ctx context.Context, d *Delivery, r Rejection) {
	reason := ""
	if r.Cause != nil {
		reason = r.Cause.Error()
	}
	hash := ids.PayloadHash(d.Payload)

	md := d.Metadata.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyMessageID:     d.ID,
		metadatapkg.KeyDeadLetter:    "true",
		metadatapkg.KeyOriginalTopic: d.Topic,
		metadatapkg.KeyErrorMessage:  reason,
		metadatapkg.KeyErrorClass:    r.Class.String(),
		metadatapkg.KeyAttempt:       strconv.Itoa(r.Attempt),
		metadatapkg.KeyPayloadHash:   hash,
		metadatapkg.KeyDeadLetterAt:  a.opts.Clock().UTC().Format(time.RFC3339Nano),
	})
	msg := message.NewMessage(ids.ULIDAt(a.opts.Clock()), d.Payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.SetContext(ctx)

	var err error
	switch dl, ok := a.publisher.(transport.DeadLetterPublisher); {
	case ok:
		err = dl.PublishDeadLetter(ctx, d.Topic, reason, msg)
	case a.opts.DLQTopic != "":
		err = a.publisher.Publish(a.opts.DLQTopic, msg)
	default:
		err = errNoDeadLetterDestination
	}
	if err != nil {
		a.logger.Error("Dead letter publish failed, dropping message", err, loggingpkg.LogFields{
			"message_id":     d.ID,
			"attempt":        r.Attempt,
			"error_class":    r.Class.String(),
			"payload_sha256": hash,
			"payload":        string(d.Payload),
		})
	}
}

// Send publishes payload to destination. The message UUID is the message_id
// metadata entry when present.
func (a *Adapter) Send(ctx context.Context, destination string, payload []byte, md metadatapkg.Metadata) error {
	if a.closed() {
		return errspkg.ErrQueueClosed
	}
	if destination == "" {
		return errspkg.ErrTopicRequired
	}

	uuid := md[metadatapkg.KeyMessageID]
	if uuid == "" {
		uuid = ids.ULIDAt(a.opts.Clock())
	}
	msg := message.NewMessage(uuid, payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.SetContext(ctx)

	if err := a.publisher.Publish(destination, msg); err != nil {
		return fmt.Errorf("queue: send to %s: %w", destination, err)
	}
	return nil
}

// Close stops every receive loop and closes the transport. Deliveries already
// handed out can no longer be settled with the broker.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		err = transport.Transport{Publisher: a.publisher, Subscriber: a.subscriber}.Close()
	})
	return err
}
