package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/marketflow/internal/runtime/config"
	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
	"github.com/drblury/marketflow/internal/runtime/output"
	"github.com/drblury/marketflow/internal/runtime/strategy"
	transportpkg "github.com/drblury/marketflow/internal/runtime/transport"
)

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	_, err := NewService(nil, newTestLogger(), context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(newTestConfig(), nil, context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := newTestConfig()
	cfg.InputTopic = ""

	_, err := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{
		TransportFactory: newChannelFactory(),
	})

	var validation errspkg.ConfigValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "input topic")
}

func TestNewServiceReportsTransportFailure(t *testing.T) {
	factory := transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{}, errors.New("broker down")
	})

	_, err := NewService(newTestConfig(), newTestLogger(), context.Background(), ServiceDependencies{
		TransportFactory: factory,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewServiceRejectsUnknownDefaultStrategy(t *testing.T) {
	cfg := newTestConfig()
	cfg.DefaultStrategies = []string{"arbitrage"}

	_, err := NewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{
		TransportFactory: newChannelFactory(),
		Sink:             &recordingSink{},
	})
	assert.ErrorIs(t, err, errspkg.ErrUnknownStrategy)
}

func TestNewServiceMiddlewareBuilderError(t *testing.T) {
	sink := &recordingSink{}
	_, err := NewService(newTestConfig(), newTestLogger(), context.Background(), ServiceDependencies{
		TransportFactory: newChannelFactory(),
		Sink:             sink,
		Middlewares: []MiddlewareRegistration{{
			Name: "bad",
			Builder: func(*Service) (strategy.Middleware, error) {
				return nil, errors.New("boom")
			},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register middleware bad")
}

func TestNewServiceRegistersBuiltinsAndDefaults(t *testing.T) {
	cfg := newTestConfig()
	cfg.DisabledStrategies = []string{"volatility"}
	svc := newTestService(t, cfg, ServiceDependencies{})

	processors := svc.Processors()
	require.Len(t, processors, 2)
	assert.Equal(t, "momentum", processors[0].Name)
	assert.True(t, processors[0].Enabled)
	assert.True(t, processors[0].Default)
	assert.Equal(t, "volatility", processors[1].Name)
	assert.False(t, processors[1].Enabled)
}

func runService(t *testing.T, svc *testService) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	waitFor(t, time.Second, svc.Engine().Running)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("start returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("start did not return after cancel")
		}
	})
	return cancel
}

func TestServiceProcessesMessagesEndToEnd(t *testing.T) {
	cfg := newTestConfig()
	cfg.PollerName = "poller-a"
	svc := newTestService(t, cfg, ServiceDependencies{})
	runService(t, svc)

	svc.factory.publish(t, "ticks", "msg-1", testTick)

	waitFor(t, 2*time.Second, func() bool { return len(svc.sink.Sent()) == 2 })

	strategies := map[string]bool{}
	for _, env := range svc.sink.Sent() {
		strategies[env.Result.Strategy] = true
		assert.Equal(t, "msg-1", env.Result.SourceRecordID)
		assert.Equal(t, "BTCUSD", env.Result.Symbol)
		assert.Equal(t, "poller-a", env.Metadata[metadatapkg.KeyPollerName])
		assert.NotEmpty(t, env.IdempotencyKey)
		assert.NotEmpty(t, env.Payload)
	}
	assert.Equal(t, map[string]bool{"momentum": true, "volatility": true}, strategies)

	stats := svc.Router().Stats()
	assert.EqualValues(t, 2, stats.Sent)

	waitFor(t, time.Second, func() bool {
		st, ok := svc.stats.Lookup("momentum")
		return ok && st.Throughput.TotalCalls == 1
	})
}

func TestServiceAnalysesSinglePriceTick(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	runService(t, svc)

	svc.factory.publish(t, "ticks", "aapl-1", `{"symbol":"AAPL","timestamp":1700000000,"price":150.2,"volume":1000}`)

	waitFor(t, 2*time.Second, func() bool { return len(svc.sink.Sent()) == 2 })

	byStrategy := map[string]envelope.Result{}
	for _, env := range svc.sink.Sent() {
		byStrategy[env.Result.Strategy] = env.Result
	}
	require.Len(t, byStrategy, 2)
	for _, name := range []string{"momentum", "volatility"} {
		res, ok := byStrategy[name]
		require.True(t, ok, "missing %s result", name)
		assert.Equal(t, envelope.StatusOK, res.Status, name)
		assert.Equal(t, "aapl-1", res.SourceRecordID, name)
		assert.Equal(t, "AAPL", res.Symbol, name)
	}
	assert.InDelta(t, 150.2, byStrategy["momentum"].Indicators["last"], 1e-9)
	assert.InDelta(t, 150.2, byStrategy["momentum"].Indicators["vwap"], 1e-9)
	assert.EqualValues(t, 2, svc.Router().Stats().Sent)
}

func TestServiceDeadLettersUnknownStrategy(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	runService(t, svc)

	svc.factory.publish(t, "ticks", "msg-2", `{"symbol":"ETHUSD","timestamp":"2024-03-01T12:00:00Z","price":1,"strategy":"arbitrage"}`)

	dead, err := svc.factory.pubSub.Subscribe(context.Background(), "ticks.dead")
	require.NoError(t, err)

	select {
	case msg := <-dead:
		msg.Ack()
		assert.Equal(t, "unknown_strategy", msg.Metadata.Get(metadatapkg.KeyErrorClass))
		assert.Equal(t, "msg-2", msg.Metadata.Get(metadatapkg.KeyMessageID))
		assert.Equal(t, "ticks", msg.Metadata.Get(metadatapkg.KeyOriginalTopic))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dead letter")
	}

	waitFor(t, time.Second, func() bool {
		topic, ok := svc.DLQMetrics().Topic("ticks.dead")
		return ok && topic.MessagesReceived == 1
	})
	assert.Empty(t, svc.sink.Sent())
}

func TestServiceRunsCustomProcessorsThroughMiddlewares(t *testing.T) {
	var wrapped atomic.Int32
	counting := MiddlewareRegistration{
		Name: "counting",
		Middleware: func(next strategy.Processor) strategy.Processor {
			return strategy.Wrap(next, func(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
				wrapped.Add(1)
				return next.Process(ctx, rec)
			})
		},
	}
	echo := strategy.ProcessorFunc("echo", func(_ context.Context, rec envelope.Record) (envelope.Result, error) {
		return envelope.Result{
			Indicators: envelope.Indicators{"price": 1.0},
			Status:     envelope.StatusOK,
		}, nil
	})

	var started atomic.Int32
	svc := newTestService(t, nil, ServiceDependencies{
		Processors:  []strategy.Processor{echo},
		Middlewares: []MiddlewareRegistration{counting},
		Hooks: JobHooks{
			OnJobStart: func(JobContext) { started.Add(1) },
		},
	})
	runService(t, svc)

	svc.factory.publish(t, "ticks", "msg-3", `{"symbol":"ETHUSD","timestamp":"2024-03-01T12:00:00Z","price":1,"strategy":"echo"}`)

	waitFor(t, 2*time.Second, func() bool { return len(svc.sink.Sent()) == 1 })
	assert.Equal(t, "echo", svc.sink.Sent()[0].Result.Strategy)
	assert.EqualValues(t, 1, wrapped.Load())
	assert.EqualValues(t, 1, started.Load())
}

func TestServiceRegisterProcessorAfterStartFails(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	runService(t, svc)

	err := svc.RegisterProcessor(strategy.ProcessorFunc("late", func(context.Context, envelope.Record) (envelope.Result, error) {
		return envelope.Result{}, nil
	}))
	assert.ErrorIs(t, err, errspkg.ErrRegistryFrozen)
	assert.ErrorIs(t, svc.RegisterMiddleware(TracerMiddleware()), errspkg.ErrRegistryFrozen)
}

func TestServiceExportsMetricsWhenEnabled(t *testing.T) {
	cfg := newTestConfig()
	cfg.MetricsEnabled = true
	svc := newTestService(t, cfg, ServiceDependencies{})
	runService(t, svc)

	svc.factory.publish(t, "ticks", "msg-4", testTick)
	waitFor(t, 2*time.Second, func() bool { return len(svc.sink.Sent()) == 2 })

	waitFor(t, time.Second, func() bool {
		families, err := svc.reg.Gather()
		require.NoError(t, err)
		for _, mf := range families {
			if mf.GetName() == "marketflow_dispatch_processed_total" {
				return len(mf.GetMetric()) == 2
			}
		}
		return false
	})
}

func TestServiceStopClosesCollaborators(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	cancel := runService(t, svc)
	cancel()

	require.NoError(t, svc.Stop(time.Second))
	assert.True(t, svc.sink.Closed())
	assert.False(t, svc.Engine().Running())
	// A second Stop returns the first result.
	assert.NoError(t, svc.Stop(time.Second))
}

// stubbornSink ignores cancellation and remembers sends after Close.
type stubbornSink struct {
	delay     time.Duration
	started   atomic.Bool
	closed    atomic.Bool
	lateSends atomic.Int32
}

func (s *stubbornSink) Name() string { return "stubborn" }

func (s *stubbornSink) Send(context.Context, output.Envelope) error {
	s.started.Store(true)
	time.Sleep(s.delay)
	if s.closed.Load() {
		s.lateSends.Add(1)
	}
	return nil
}

func (s *stubbornSink) Close() error {
	s.closed.Store(true)
	return nil
}

func TestServiceStopWaitsForWorkersAfterDrainTimeout(t *testing.T) {
	sink := &stubbornSink{delay: 200 * time.Millisecond}
	svc := newTestService(t, nil, ServiceDependencies{Sink: sink})
	runService(t, svc)

	svc.factory.publish(t, "ticks", "msg-5", testTick)
	waitFor(t, 2*time.Second, sink.started.Load)

	err := svc.Stop(10 * time.Millisecond)
	require.ErrorIs(t, err, errspkg.ErrDrainTimeout)
	assert.True(t, sink.closed.Load())
	assert.Zero(t, sink.lateSends.Load(), "sink was closed under a running send")
	assert.False(t, svc.Engine().Running())
}

func TestServiceStopBoundsWorkerWait(t *testing.T) {
	sink := &stubbornSink{delay: time.Second}
	svc := newTestService(t, nil, ServiceDependencies{Sink: sink})
	svc.workerExitWait = 50 * time.Millisecond
	runService(t, svc)

	svc.factory.publish(t, "ticks", "msg-6", testTick)
	waitFor(t, 2*time.Second, sink.started.Load)

	start := time.Now()
	err := svc.Stop(10 * time.Millisecond)
	require.ErrorIs(t, err, errspkg.ErrDrainTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, sink.closed.Load())
}
