package queue

import (
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	"github.com/drblury/marketflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
)

// Delivery is one inbound message awaiting a settlement. Every delivery must
// be settled exactly once through Ack or Reject.
type Delivery struct {
	ID         string
	Payload    []byte
	Metadata   metadatapkg.Metadata
	ReceivedAt time.Time
	Attempt    int
	Topic      string

	msg     *message.Message
	settled atomic.Bool
}

func newDelivery(topic string, msg *message.Message, now time.Time) *Delivery {
	md := metadatapkg.FromWatermill(msg.Metadata)
	return &Delivery{
		ID:         deliveryID(msg, md),
		Payload:    msg.Payload,
		Metadata:   md,
		ReceivedAt: now,
		Attempt:    md.Attempt(),
		Topic:      topic,
		msg:        msg,
	}
}

// deliveryID prefers the producer's message_id, then the transport UUID, then
// a hash of the payload.
func deliveryID(msg *message.Message, md metadatapkg.Metadata) string {
	if id := md[metadatapkg.KeyMessageID]; id != "" {
		return id
	}
	if msg.UUID != "" {
		return msg.UUID
	}
	return ids.PayloadHash(msg.Payload)
}

// Inbound converts d for the envelope codec.
func (d *Delivery) Inbound() envelope.InboundMessage {
	return envelope.InboundMessage{
		ID:         d.ID,
		Payload:    d.Payload,
		Metadata:   d.Metadata,
		ReceivedAt: d.ReceivedAt,
		Attempt:    d.Attempt,
	}
}

// Settled reports whether d was already acked or rejected.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

func (d *Delivery) settle() bool {
	return d.settled.CompareAndSwap(false, true)
}

// Rejection tells Reject what to do with a failed delivery.
type Rejection struct {
	// Requeue asks for another attempt after Delay. Without it the delivery
	// is dead-lettered.
	Requeue bool
	Delay   time.Duration
	// Attempt is the attempt that failed. Zero means Delivery.Attempt.
	Attempt int
	Cause   error
	Class   errspkg.Class
}
