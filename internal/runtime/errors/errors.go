package errors

import sterrors "errors"

var (
	ErrServiceRequired   = sterrors.New("marketflow: service is required")
	ErrConfigRequired    = sterrors.New("marketflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("marketflow: logger is required")
	ErrPublisherRequired = sterrors.New("marketflow: publisher is required")
	ErrTopicRequired     = sterrors.New("marketflow: topic is required")

	ErrQueueRequired     = sterrors.New("marketflow: queue adapter is required")
	ErrCodecRequired     = sterrors.New("marketflow: codec is required")
	ErrRegistryRequired  = sterrors.New("marketflow: processor registry is required")
	ErrRouterRequired    = sterrors.New("marketflow: output router is required")
	ErrSinkRequired      = sterrors.New("marketflow: output sink is required")
	ErrProcessorRequired = sterrors.New("marketflow: processor is required")
	ErrProcessorName     = sterrors.New("marketflow: processor name is required")

	ErrDuplicateProcessor = sterrors.New("marketflow: processor already registered")
	ErrRegistryFrozen     = sterrors.New("marketflow: processor registry is frozen")
	ErrQueueClosed        = sterrors.New("marketflow: queue adapter is closed")

	ErrEngineRunning    = sterrors.New("marketflow: dispatch engine already running")
	ErrEngineNotRunning = sterrors.New("marketflow: dispatch engine is not running")
	// ErrDrainTimeout is returned by Stop when in-flight messages did not finish
	// within the grace period. Those messages are left unacknowledged.
	ErrDrainTimeout = sterrors.New("marketflow: drain timed out with messages in flight")
)

// ConfigValidationError wraps the aggregated result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "marketflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
