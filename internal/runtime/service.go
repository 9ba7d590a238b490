package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/marketflow/internal/runtime/config"
	"github.com/drblury/marketflow/internal/runtime/dispatch"
	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
	"github.com/drblury/marketflow/internal/runtime/output"
	"github.com/drblury/marketflow/internal/runtime/queue"
	"github.com/drblury/marketflow/internal/runtime/strategy"
	transportpkg "github.com/drblury/marketflow/internal/runtime/transport"
)

const (
	httpShutdownTimeout   = 5 * time.Second
	defaultWorkerExitWait = 5 * time.Second
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the ones selected by the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory

	// Processors are registered after the built-in strategies.
	Processors []strategy.Processor

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	Hooks JobHooks

	// Sink replaces the sink selected by OUTPUT_MODE. It is still wrapped in
	// the configured circuit breaker.
	Sink output.Sink
	// Deduper replaces the Redis guard configured by DEDUP_REDIS_ADDR.
	Deduper output.Deduper

	// Registerer receives every collector. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Stdout     io.Writer
	Clock      func() time.Time
}

// Service wires the queue adapter, envelope codec, processor registry, output
// router and dispatch engine together.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport transportpkg.Transport
	adapter   *queue.Adapter
	codec     *envelope.Codec
	registry  *strategy.Registry
	router    *output.Router
	engine    *dispatch.Engine

	registerer      prometheus.Registerer
	dispatchMetrics *dispatch.Metrics
	dlqMetrics      *DLQMetrics
	stats           *processorStatsSet
	resourceTracker *resourceTracker

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex

	// workerExitWait bounds how long Stop waits for workers that ignored
	// cancellation after the drain timed out.
	workerExitWait time.Duration

	stopOnce sync.Once
	stopErr  error
}

// NewService constructs a Service for the supplied configuration. Register
// processors and middlewares on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating dispatch service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"input_topic":   conf.InputTopic,
		"output_mode":   conf.Output.Mode,
		"config":        conf,
	})

	tracker := newResourceTracker()
	s := &Service{
		Conf:            conf,
		Logger:          log,
		codec:           envelope.NewCodec(conf.Engine.ClockSkewTolerance),
		registry:        strategy.NewRegistry(),
		registerer:      deps.Registerer,
		stats:           newProcessorStatsSet(tracker),
		resourceTracker: tracker,
		workerExitWait:  defaultWorkerExitWait,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	s.transport = transport

	if err := s.build(ctx, deps); err != nil {
		if s.router != nil {
			_ = s.router.Close()
		}
		if s.adapter != nil {
			_ = s.adapter.Close()
		} else {
			_ = transport.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	conf := s.Conf

	adapter, err := queue.New(s.transport.Publisher, s.transport.Subscriber, s.transport.Capabilities, queue.Options{
		Topic:         conf.InputTopic,
		DLQTopic:      conf.DLQTopic(),
		Subscriptions: conf.Subscriptions(),
		ReconnectMax:  conf.Engine.ReconnectMaxInterval,
		Clock:         deps.Clock,
	}, s.Logger)
	if err != nil {
		return fmt.Errorf("queue adapter: %w", err)
	}
	s.adapter = adapter

	if err := s.buildRegistry(deps); err != nil {
		return err
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}

	sink := deps.Sink
	if sink == nil {
		sink, err = output.NewSink(ctx, conf, output.SinkDeps{
			Publisher: s.transport.Publisher,
			Logger:    s.Logger,
			Stdout:    deps.Stdout,
		})
		if err != nil {
			return fmt.Errorf("output sink: %w", err)
		}
	} else {
		sink = output.WithBreaker(sink, output.BreakerSettings{
			ConsecutiveFailures: conf.Output.BreakerFailures,
			OpenTimeout:         conf.Output.BreakerTimeout,
		}, s.Logger)
	}

	deduper := deps.Deduper
	if deduper == nil {
		if deduper, err = output.NewDeduper(ctx, conf); err != nil {
			_ = sink.Close()
			return fmt.Errorf("dedup guard: %w", err)
		}
	}

	s.router, err = output.NewRouter(sink, s.codec, output.RouterOptions{
		Deduper: deduper,
		Metadata: metadatapkg.Metadata{
			metadatapkg.KeyPollerName:  conf.PollerName,
			metadatapkg.KeyEnvironment: conf.Environment,
		},
		Logger: s.Logger,
	})
	if err != nil {
		_ = sink.Close()
		return fmt.Errorf("output router: %w", err)
	}

	if conf.MetricsEnabled {
		if s.dispatchMetrics, err = dispatch.NewMetrics(s.registerer); err != nil {
			return fmt.Errorf("dispatch metrics: %w", err)
		}
		s.dlqMetrics, err = NewDLQMetrics(s.registerer)
	} else {
		// Still kept for the status API, just not exported.
		s.dlqMetrics, err = NewDLQMetrics(prometheus.NewRegistry())
	}
	if err != nil {
		return fmt.Errorf("dlq metrics: %w", err)
	}

	hooks := DLQHooks(s.dlqMetrics, conf.DLQTopic()).Merge(deps.Hooks)

	s.engine, err = dispatch.New(s.adapter, s.codec, s.registry, s.router, dispatch.Options{
		Workers:     conf.Engine.WorkerCount,
		MaxAttempts: conf.Engine.MaxAttempts,
		Backoff: dispatch.BackoffPolicy{
			Base:   conf.Engine.BackoffBase,
			Cap:    conf.Engine.BackoffCap,
			Jitter: conf.Engine.BackoffJitter,
		},
		ProcessorTimeout: conf.Engine.ProcessorTimeout,
		MessageTimeout:   conf.Engine.MessageTimeout,
		RateLimit:        conf.Engine.RateLimit,
		Hooks:            hooks,
		Metrics:          s.dispatchMetrics,
		Clock:            deps.Clock,
	}, s.Logger)
	if err != nil {
		return fmt.Errorf("dispatch engine: %w", err)
	}
	return nil
}

func (s *Service) buildRegistry(deps ServiceDependencies) error {
	if err := strategy.RegisterBuiltins(s.registry); err != nil {
		return fmt.Errorf("register builtin strategies: %w", err)
	}
	for _, p := range deps.Processors {
		if err := s.registry.Register(p); err != nil {
			return fmt.Errorf("register processor: %w", err)
		}
	}
	if err := s.registry.SetDefaults(s.Conf.DefaultStrategies...); err != nil {
		return fmt.Errorf("default strategies: %w", err)
	}
	if err := s.registry.Disable(s.Conf.DisabledStrategies...); err != nil {
		return fmt.Errorf("disabled strategies: %w", err)
	}
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterProcessor adds a processor before Start.
func (s *Service) RegisterProcessor(p strategy.Processor, opts ...strategy.RegisterOption) error {
	return s.registry.Register(p, opts...)
}

// Registry exposes the processor registry.
func (s *Service) Registry() *strategy.Registry { return s.registry }

// Engine exposes the dispatch engine.
func (s *Service) Engine() *dispatch.Engine { return s.engine }

// Router exposes the output router.
func (s *Service) Router() *output.Router { return s.router }

// Queue exposes the queue adapter.
func (s *Service) Queue() *queue.Adapter { return s.adapter }

// DLQMetrics exposes the dead letter counters.
func (s *Service) DLQMetrics() *DLQMetrics { return s.dlqMetrics }

// Start freezes the registry, serves the HTTP endpoints and runs the dispatch
// engine until ctx is cancelled. Call Stop afterwards to drain and release
// the connections.
func (s *Service) Start(ctx context.Context) error {
	s.registry.Freeze()

	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metricsHandler())
	}
	s.StartStatusServer()
	s.startHTTPServers()

	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.Logger.Info("Dispatch service started", loggingpkg.LogFields{
		"input_topic": s.Conf.InputTopic,
		"workers":     s.Conf.Engine.WorkerCount,
		"sink":        s.router.SinkName(),
	})

	<-ctx.Done()
	return nil
}

// Stop drains in-flight messages for up to grace, then closes the sink, the
// queue adapter and the HTTP servers. It returns ErrDrainTimeout when
// messages were still in flight; those stay unacknowledged. After a timeout
// the sink and queue stay open until the workers returned, or until
// workerExitWait passed.
func (s *Service) Stop(grace time.Duration) error {
	s.stopOnce.Do(func() {
		var errs []error
		switch err := s.engine.Stop(grace); {
		case errors.Is(err, errspkg.ErrDrainTimeout):
			errs = append(errs, err)
			s.awaitWorkers()
		case err != nil && !errors.Is(err, errspkg.ErrEngineNotRunning):
			errs = append(errs, err)
		}
		if err := s.shutdownHTTPServers(); err != nil {
			errs = append(errs, err)
		}
		if err := s.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
		if err := s.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		s.stopErr = errors.Join(errs...)
		s.Logger.Info("Dispatch service stopped", loggingpkg.LogFields{"error": fmt.Sprint(s.stopErr)})
	})
	return s.stopErr
}

func (s *Service) awaitWorkers() {
	done := make(chan struct{})
	go func() {
		s.engine.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.workerExitWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.Logger.Error("Workers still busy, closing output and queue", errspkg.ErrDrainTimeout, loggingpkg.LogFields{
			"in_flight": s.engine.InFlight(),
			"wait":      s.workerExitWait.String(),
		})
	}
}

func (s *Service) metricsHandler() http.Handler {
	if gatherer, ok := s.registerer.(prometheus.Gatherer); ok && s.registerer != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Service) shutdownHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
