// Package http provides an HTTP transport. Inbound messages arrive as POSTs
// on the subscriber address; outbound messages are POSTed to
// <publisher url>/<topic>.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/marketflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

const (
	// HeaderIdempotencyKey carries the result key on outbound requests.
	HeaderIdempotencyKey = "Idempotency-Key"
	// MetadataIdempotencyKey is copied into HeaderIdempotencyKey when set.
	MetadataIdempotencyKey = "mf_idempotency_key"
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisher, err := NewPublisher(cfg.GetHTTPPublisherURL(), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &lazyServer{Subscriber: subscriber, logger: logger},
	}, nil
}

// NewPublisher returns a publisher POSTing to baseURL joined with the topic.
func NewPublisher(baseURL string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				req, err := http.DefaultMarshalMessageFunc(TopicURL(baseURL, topic), msg)
				if err != nil {
					return nil, err
				}
				if key := msg.Metadata.Get(MetadataIdempotencyKey); key != "" {
					req.Header.Set(HeaderIdempotencyKey, key)
				}
				req.Header.Set("Content-Type", "application/json")
				return req, nil
			},
		},
		logger,
	)
}

// TopicURL joins base and topic with exactly one slash. An empty topic
// returns base unchanged.
func TopicURL(base, topic string) string {
	if topic == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// lazyServer starts the watermill-http server after the first Subscribe,
// since routes are only registered by Subscribe.
type lazyServer struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

type httpServer interface {
	StartHTTPServer() error
}

func (l *lazyServer) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	msgs, err := l.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	l.once.Do(func() {
		srv, ok := l.Subscriber.(httpServer)
		if !ok {
			return
		}
		go func() {
			if err := srv.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				l.logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}()
	})
	return msgs, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
