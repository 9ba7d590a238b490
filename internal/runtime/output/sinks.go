package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
	httptransport "github.com/drblury/marketflow/transport/http"
)

// Sink names, as used by OUTPUT_MODE.
const (
	ModeQueue    = "queue"
	ModeREST     = "rest"
	ModeDatabase = "database"
	ModeS3       = "s3"
	ModeLog      = "log"
	ModeStdout   = "stdout"
)

// QueueSink publishes results to a topic. The message UUID is the
// idempotency key so brokers with dedup windows drop repeats.
type QueueSink struct {
	name      string
	publisher message.Publisher
	topic     string
	// owned publishers are closed with the sink.
	owned bool
}

func NewQueueSink(publisher message.Publisher, topic string) (*QueueSink, error) {
	if publisher == nil {
		return nil, errors.New("queue sink: publisher is required")
	}
	if topic == "" {
		return nil, errors.New("queue sink: topic is required")
	}
	return &QueueSink{name: ModeQueue, publisher: publisher, topic: topic}, nil
}

func (s *QueueSink) Name() string { return s.name }

func (s *QueueSink) Send(ctx context.Context, env Envelope) error {
	msg := message.NewMessage(env.IdempotencyKey, env.Payload)
	msg.Metadata = metadatapkg.ToWatermill(env.Metadata)
	msg.SetContext(ctx)
	return s.publisher.Publish(s.topic, msg)
}

func (s *QueueSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.publisher.Close()
}

// NewRESTSink POSTs every result to url with Idempotency-Key and Content-Type
// headers. Responses with an error status fail the send. The sink publishes
// to the empty topic, which adds no path segment to url.
func NewRESTSink(url string, logger watermill.LoggerAdapter) (*QueueSink, error) {
	if url == "" {
		return nil, errors.New("rest sink: URL is required")
	}
	publisher, err := httptransport.NewPublisher(url, logger)
	if err != nil {
		return nil, fmt.Errorf("rest sink: %w", err)
	}
	return &QueueSink{name: ModeREST, publisher: publisher, owned: true}, nil
}

// LogSink writes each result as a structured log line.
type LogSink struct {
	logger loggingpkg.ServiceLogger
}

func NewLogSink(logger loggingpkg.ServiceLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return ModeLog }

func (s *LogSink) Send(_ context.Context, env Envelope) error {
	s.logger.Info("Analysis result", loggingpkg.LogFields{
		"symbol":          env.Result.Symbol,
		"strategy":        env.Result.Strategy,
		"status":          string(env.Result.Status),
		"idempotency_key": env.IdempotencyKey,
		"result":          string(env.Payload),
	})
	return nil
}

func (s *LogSink) Close() error { return nil }

// WriterSink writes one JSON line per result.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Name() string { return ModeStdout }

func (s *WriterSink) Send(_ context.Context, env Envelope) error {
	line := make([]byte, 0, len(env.Payload)+1)
	line = append(line, env.Payload...)
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(line)
	return err
}

func (s *WriterSink) Close() error { return nil }
