package marketflow

import (
	"time"

	runtimepkg "github.com/drblury/marketflow/internal/runtime"
	configpkg "github.com/drblury/marketflow/internal/runtime/config"
	"github.com/drblury/marketflow/internal/runtime/dispatch"
	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	idspkg "github.com/drblury/marketflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/marketflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
	"github.com/drblury/marketflow/internal/runtime/output"
	"github.com/drblury/marketflow/internal/runtime/strategy"
	transportpkg "github.com/drblury/marketflow/internal/runtime/transport"
	newtransport "github.com/drblury/marketflow/transport"
)

type (
	Config              = configpkg.Config
	EngineConfig        = configpkg.EngineConfig
	OutputConfig        = configpkg.OutputConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Processing contract
	Processor   = strategy.Processor
	ProcessFunc = strategy.ProcessFunc
	Middleware  = strategy.Middleware
	Registry    = strategy.Registry

	Record     = envelope.Record
	Result     = envelope.Result
	Indicators = envelope.Indicators
	Status     = envelope.Status

	// Output
	Sink            = output.Sink
	Deduper         = output.Deduper
	OutputEnvelope  = output.Envelope
	BreakerSettings = output.BreakerSettings
	RouterStats     = output.RouterStats

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ProcessorInfo         = runtimepkg.ProcessorInfo
	ProcessorStats        = runtimepkg.ProcessorStats
	EngineStatus          = runtimepkg.EngineStatus
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks
	Outcome    = dispatch.Outcome

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Error taxonomy
	ErrorClass           = errspkg.Class
	TimeoutError         = errspkg.TimeoutError
	UnknownStrategyError = errspkg.UnknownStrategyError

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	TransportBuilder         = newtransport.Builder
	TransportConfig          = newtransport.Config
	TransportRegistry        = newtransport.Registry
	TransportDLQManager      = newtransport.DLQManager
	TransportQueueIntrospect = newtransport.QueueIntrospector
	TransportDelayedPub      = newtransport.DelayedPublisher
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	StatsMiddleware         = runtimepkg.StatsMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	LogProcessingMiddleware = runtimepkg.LogProcessingMiddleware

	NewProcessor  = strategy.ProcessorFunc
	WrapProcessor = strategy.Wrap
	NewMomentum   = strategy.NewMomentum
	NewVolatility = strategy.NewVolatility

	// Job lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks
	DLQHooks      = runtimepkg.DLQHooks

	// DLQ metrics
	NewDLQMetrics = runtimepkg.NewDLQMetrics

	// Sinks
	NewLogSink       = output.NewLogSink
	NewWriterSink    = output.NewWriterSink
	NewQueueSink     = output.NewQueueSink
	NewMemoryDeduper = output.NewMemoryDeduper
	WithBreaker      = output.WithBreaker

	// Error helpers
	DeadLetter     = errspkg.DeadLetter
	RetryAfter     = errspkg.RetryAfter
	ClassifyError  = errspkg.Classify
	IsRetryable    = errspkg.IsRetryable
	EncodeResult   = envelope.EncodeResult
	DecodeResult   = envelope.DecodeResult
	IdempotencyKey = envelope.IdempotencyKey

	GetCapabilities = newtransport.GetCapabilities

	// Import individual transports via: _ "github.com/drblury/marketflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrRegistryFrozen   = errspkg.ErrRegistryFrozen
	ErrEngineNotRunning = errspkg.ErrEngineNotRunning
	ErrDrainTimeout     = errspkg.ErrDrainTimeout
	ErrUnknownStrategy  = errspkg.ErrUnknownStrategy
	ErrSchema           = errspkg.ErrSchema
	ErrRetry            = errspkg.ErrRetry
	ErrDeadLetter       = errspkg.ErrDeadLetter
	ErrSkip             = errspkg.ErrSkip
	ErrReservationHeld  = output.ErrReservationHeld

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONLogger        = loggingpkg.NewJSONLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Result statuses.
const (
	StatusOK      = envelope.StatusOK
	StatusPartial = envelope.StatusPartial
	StatusFailed  = envelope.StatusFailed
)

// Dispatch outcomes reported to JobHooks.
const (
	OutcomeAcked        = dispatch.OutcomeAcked
	OutcomeRequeued     = dispatch.OutcomeRequeued
	OutcomeDeadLettered = dispatch.OutcomeDeadLettered
	OutcomeAbandoned    = dispatch.OutcomeAbandoned
)

// Built-in strategy names.
const (
	StrategyMomentum   = strategy.MomentumName
	StrategyVolatility = strategy.VolatilityName
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyMessageID     = metadatapkg.KeyMessageID
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyAttempt       = metadatapkg.KeyAttempt
	MetadataKeyOriginalTopic = metadatapkg.KeyOriginalTopic
	MetadataKeyErrorClass    = metadatapkg.KeyErrorClass
	MetadataKeyErrorMessage  = metadatapkg.KeyErrorMessage
	MetadataKeyStrategy      = metadatapkg.KeyStrategy
	MetadataKeyPollerName    = metadatapkg.KeyPollerName

	// MetadataKeyDelay is honoured by delay-capable transports such as
	// PostgreSQL. The value is a millisecond count.
	MetadataKeyDelay = metadatapkg.KeyDelayMs
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// WithDelay returns a Metadata asking the transport to hold a message back.
// Example: marketflow.NewMetadata().WithAll(marketflow.WithDelay(30 * time.Second))
func WithDelay(delay time.Duration) Metadata {
	return NewMetadata().WithDelay(delay)
}
