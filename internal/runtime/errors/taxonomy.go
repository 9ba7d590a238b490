package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"time"
)

// Class names the category an error falls into at the dispatch boundary. The
// value is used verbatim as the error_class log field and metric label.
type Class string

const (
	ClassNone            Class = ""
	ClassSchema          Class = "schema"
	ClassUnknownStrategy Class = "unknown_strategy"
	ClassProcessing      Class = "processing"
	ClassTimeout         Class = "timeout"
	ClassSink            Class = "sink"
	ClassExhausted       Class = "exhausted_retries"
	ClassDeadLetter      Class = "dead_letter"
	ClassSkip            Class = "skip"
)

func (c Class) String() string {
	if c == ClassNone {
		return "none"
	}
	return string(c)
}

var (
	ErrSchema           = sterrors.New("marketflow: schema violation")
	ErrUnknownStrategy  = sterrors.New("marketflow: unknown strategy")
	ErrProcessing       = sterrors.New("marketflow: processing failed")
	ErrTimeout          = sterrors.New("marketflow: processing timed out")
	ErrSink             = sterrors.New("marketflow: sink send failed")
	ErrExhaustedRetries = sterrors.New("marketflow: retries exhausted")

	// ErrRetry asks for another attempt with the default backoff.
	ErrRetry = sterrors.New("marketflow: retry message")
	// ErrDeadLetter sends the message to the dead letter destination without
	// further attempts.
	ErrDeadLetter = sterrors.New("marketflow: send to dead letter queue")
	// ErrSkip acknowledges the message without emitting anything.
	ErrSkip = sterrors.New("marketflow: skip message")
)

// SchemaError reports an inbound payload that failed decoding or validation.
type SchemaError struct {
	Field  string
	Reason string
	Cause  error
}

func NewSchemaError(field, reason string, cause error) *SchemaError {
	return &SchemaError{Field: field, Reason: reason, Cause: cause}
}

func (e *SchemaError) Error() string {
	msg := "marketflow: schema error"
	if e.Field != "" {
		msg += " on " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Cause }

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// UnknownStrategyError reports a record that names a strategy nobody registered.
type UnknownStrategyError struct {
	Strategy string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("marketflow: unknown strategy %q", e.Strategy)
}

func (e *UnknownStrategyError) Is(target error) bool { return target == ErrUnknownStrategy }

// ProcessingError wraps a failure returned by a processor.
type ProcessingError struct {
	Strategy string
	Cause    error
}

func NewProcessingError(strategy string, cause error) *ProcessingError {
	return &ProcessingError{Strategy: strategy, Cause: cause}
}

func (e *ProcessingError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("marketflow: processor %s failed", e.Strategy)
	}
	return fmt.Sprintf("marketflow: processor %s failed: %v", e.Strategy, e.Cause)
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }

// TimeoutError reports a processor that ran past its deadline.
type TimeoutError struct {
	Strategy string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("marketflow: processor %s timed out after %s", e.Strategy, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// SinkError wraps a failure to hand a result to the output sink.
type SinkError struct {
	Sink  string
	Cause error
}

func NewSinkError(sink string, cause error) *SinkError {
	return &SinkError{Sink: sink, Cause: cause}
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("marketflow: sink %s: %v", e.Sink, e.Cause)
}

func (e *SinkError) Unwrap() error { return e.Cause }

func (e *SinkError) Is(target error) bool { return target == ErrSink }

// ExhaustedRetriesError is the terminal error for a message that failed on
// its final permitted attempt. Last holds the error of that attempt.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("marketflow: retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

func (e *ExhaustedRetriesError) Is(target error) bool { return target == ErrExhaustedRetries }

// RetryAfterError lets a processor ask for a specific redelivery delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter returns a RetryAfterError for the given delay.
//
//	return strategy.Result{}, errors.RetryAfter(5*time.Second, errUpstreamBusy)
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("marketflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("marketflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool { return target == ErrRetry }

// DeadLetterError sends a message to the dead letter destination with a reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

func DeadLetter(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("marketflow: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("marketflow: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

func (e *DeadLetterError) Is(target error) bool { return target == ErrDeadLetter }

// Classify maps err onto its Class and reports whether another attempt may
// succeed. Unrecognised errors are treated as retryable processing failures.
func Classify(err error) (Class, bool) {
	if err == nil {
		return ClassNone, false
	}

	switch {
	case sterrors.Is(err, ErrExhaustedRetries):
		return ClassExhausted, false
	case sterrors.Is(err, ErrSchema):
		return ClassSchema, false
	case sterrors.Is(err, ErrUnknownStrategy):
		return ClassUnknownStrategy, false
	case sterrors.Is(err, ErrDeadLetter):
		return ClassDeadLetter, false
	case sterrors.Is(err, ErrSkip):
		return ClassSkip, false
	case sterrors.Is(err, ErrSink):
		return ClassSink, true
	case sterrors.Is(err, ErrTimeout), sterrors.Is(err, context.DeadlineExceeded):
		return ClassTimeout, true
	default:
		return ClassProcessing, true
	}
}

// IsRetryable reports whether Classify considers err retryable.
func IsRetryable(err error) bool {
	_, retryable := Classify(err)
	return retryable
}

// RetryDelay extracts the delay requested through RetryAfterError.
func RetryDelay(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if sterrors.As(err, &ra) && ra.Delay > 0 {
		return ra.Delay, true
	}
	return 0, false
}
