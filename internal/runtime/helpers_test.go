package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/marketflow/internal/runtime/config"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	"github.com/drblury/marketflow/internal/runtime/output"
	transportpkg "github.com/drblury/marketflow/internal/runtime/transport"
	registry "github.com/drblury/marketflow/transport"
)

const testTick = `{"symbol":"BTCUSD","timestamp":"2024-03-01T12:00:00Z","price":101.5,"close_prices":[100,101,102,101.5]}`

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// recordingSink keeps every envelope in memory.
type recordingSink struct {
	mu       sync.Mutex
	sent     []output.Envelope
	err      error
	closed   bool
	sendHook func(output.Envelope)
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, env output.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	if s.sendHook != nil {
		s.sendHook(env)
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Sent() []output.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]output.Envelope, len(s.sent))
	copy(clone, s.sent)
	return clone
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// channelFactory builds one shared gochannel so tests can publish input.
type channelFactory struct {
	pubSub *gochannel.GoChannel
	extra  any
}

func newChannelFactory() *channelFactory {
	return &channelFactory{
		pubSub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16, Persistent: true}, watermill.NopLogger{}),
	}
}

func (f *channelFactory) Build(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
	var pub message.Publisher = f.pubSub
	if p, ok := f.extra.(message.Publisher); ok {
		pub = p
	}
	return transportpkg.Transport{
		Publisher:    pub,
		Subscriber:   f.pubSub,
		Capabilities: registry.ChannelCapabilities,
	}, nil
}

func (f *channelFactory) publish(t *testing.T, topic, id, payload string) {
	t.Helper()
	if err := f.pubSub.Publish(topic, message.NewMessage(id, []byte(payload))); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func newTestConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.PubSubSystem = "channel"
	cfg.InputTopic = "ticks"
	cfg.MetricsEnabled = false
	cfg.MetricsPort = 0
	cfg.StatusEnabled = false
	cfg.Output.Mode = "log"
	cfg.Output.BreakerFailures = 0
	cfg.Engine.WorkerCount = 2
	cfg.Engine.BackoffBase = time.Millisecond
	cfg.Engine.BackoffCap = 5 * time.Millisecond
	cfg.Engine.ShutdownGrace = time.Second
	return cfg
}

type testService struct {
	*Service
	factory *channelFactory
	sink    *recordingSink
	reg     *prometheus.Registry
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *testService {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig()
	}
	factory := newChannelFactory()
	sink := &recordingSink{}
	reg := prometheus.NewRegistry()

	if deps.TransportFactory == nil {
		deps.TransportFactory = factory
	}
	if deps.Sink == nil {
		deps.Sink = sink
	}
	if deps.Registerer == nil {
		deps.Registerer = reg
	}

	svc, err := NewService(cfg, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(time.Second) })
	return &testService{Service: svc, factory: factory, sink: sink, reg: reg}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
