package metadata

import (
	"strconv"
	"time"
)

// Reserved header keys. Custom metadata should not reuse them.
const (
	KeyMessageID     = "message_id"
	KeyCorrelationID = "correlation_id"
	KeyContentType   = "content_type"
	KeyTraceID       = "trace_id"
	KeySpanID        = "span_id"

	// KeyAttempt is the 1-based delivery attempt written on requeue.
	KeyAttempt = "mf_attempt"
	// KeyMaxAttempts is the attempt budget in force when the message was rejected.
	KeyMaxAttempts = "mf_max_attempts"
	// KeyDelayMs asks a delay-capable transport to hold the message back.
	KeyDelayMs = "mf_delay_ms"
	// KeyDelayUntil is the unix millisecond time the delay expires.
	KeyDelayUntil = "mf_delay_until"

	KeyDeadLetter    = "mf_dead_letter"
	KeyOriginalTopic = "mf_original_topic"
	KeyErrorMessage  = "mf_error_message"
	KeyErrorClass    = "mf_error_class"
	KeyPayloadHash   = "mf_payload_sha256"
	KeyDeadLetterAt  = "mf_dead_lettered_at"

	KeyIdempotencyKey = "mf_idempotency_key"
	KeyStrategy       = "mf_strategy"
	KeySymbol         = "mf_symbol"
	KeyStatus         = "mf_status"
	KeyPollerName     = "mf_poller_name"
	KeyEnvironment    = "mf_environment"
)

// Content types understood by the envelope codec.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Attempt returns the delivery attempt recorded in m, never less than 1.
func (m Metadata) Attempt() int {
	n, err := strconv.Atoi(m[KeyAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// WithAttempt returns a copy of m carrying attempt n.
func (m Metadata) WithAttempt(n int) Metadata {
	return m.With(KeyAttempt, strconv.Itoa(n))
}

// Delay returns the delay requested through KeyDelayMs.
func (m Metadata) Delay() time.Duration {
	ms, err := strconv.ParseInt(m[KeyDelayMs], 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// WithDelay returns a copy of m carrying a delay hint. Non-positive delays
// remove the hint.
func (m Metadata) WithDelay(d time.Duration) Metadata {
	cloned := m.Clone()
	if d <= 0 {
		delete(cloned, KeyDelayMs)
		return cloned
	}
	cloned[KeyDelayMs] = strconv.FormatInt(d.Milliseconds(), 10)
	return cloned
}

// IsDeadLetter reports whether m was stamped by a dead-letter move.
func (m Metadata) IsDeadLetter() bool {
	return m[KeyDeadLetter] == "true"
}
