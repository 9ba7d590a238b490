package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/marketflow/internal/runtime/config"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	awstransport "github.com/drblury/marketflow/transport/aws"
)

// SinkDeps carries the collaborators NewSink may need.
type SinkDeps struct {
	// Publisher backs the queue sink; usually the inbound transport's.
	Publisher message.Publisher
	Logger    loggingpkg.ServiceLogger
	// Stdout defaults to os.Stdout.
	Stdout io.Writer
}

// NewSink builds the sink selected by conf.Output.Mode, wrapped in the
// configured circuit breaker.
func NewSink(ctx context.Context, conf *config.Config, deps SinkDeps) (Sink, error) {
	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.NewDiscardLogger()
	}
	o := conf.Output

	var (
		sink Sink
		err  error
	)
	switch mode := strings.ToLower(o.Mode); mode {
	case ModeQueue:
		sink, err = NewQueueSink(deps.Publisher, o.Topic)
	case ModeREST:
		sink, err = NewRESTSink(o.RESTURL, loggingpkg.NewWatermillAdapter(logger))
	case ModeDatabase:
		sink, err = NewDatabaseSink(ctx, o.DatabaseURL)
	case ModeS3:
		sink, err = newS3SinkFromConfig(ctx, conf, logger)
	case ModeLog, "":
		sink = NewLogSink(logger)
	case ModeStdout:
		w := deps.Stdout
		if w == nil {
			w = os.Stdout
		}
		sink = NewWriterSink(w)
	default:
		err = fmt.Errorf("output: unknown mode %q", o.Mode)
	}
	if err != nil {
		return nil, err
	}

	return WithBreaker(sink, BreakerSettings{
		ConsecutiveFailures: o.BreakerFailures,
		OpenTimeout:         o.BreakerTimeout,
	}, logger), nil
}

func newS3SinkFromConfig(ctx context.Context, conf *config.Config, logger loggingpkg.ServiceLogger) (Sink, error) {
	awsCfg, err := awstransport.LoadConfig(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("s3 sink: %w", err)
	}
	return NewS3Sink(NewS3Client(awsCfg), conf.Output.S3Bucket, conf.Output.S3Prefix)
}

// NewDeduper returns the Redis deduper configured in conf, or nil when none is.
func NewDeduper(ctx context.Context, conf *config.Config) (Deduper, error) {
	o := conf.Output
	if o.DedupRedisAddr == "" {
		return nil, nil
	}
	d, err := DialRedisDeduper(ctx, o.DedupRedisAddr, o.DedupRedisPassword, o.DedupRedisDB, o.DedupTTL)
	if err != nil {
		return nil, err
	}
	return d, nil
}
