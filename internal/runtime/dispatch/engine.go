// Package dispatch runs the per-message state machine: decode, resolve,
// process, emit, then acknowledge, requeue or dead-letter. It owns the retry
// budget and the retry state of every message in flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	"github.com/drblury/marketflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
	"github.com/drblury/marketflow/internal/runtime/queue"
	"github.com/drblury/marketflow/internal/runtime/strategy"
)

const tracerName = "github.com/drblury/marketflow/dispatch"

// Outcome is how the engine settled a delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeAbandoned leaves the delivery unsettled for the broker to
	// redeliver. It only happens during shutdown.
	OutcomeAbandoned Outcome = "abandoned"
)

var errFailedStatus = errors.New("processor reported failed status")

// Queue is the part of the queue adapter the engine drives.
type Queue interface {
	Receive(ctx context.Context) (<-chan *queue.Delivery, error)
	Ack(d *queue.Delivery) error
	Reject(ctx context.Context, d *queue.Delivery, r queue.Rejection) error
}

type Decoder interface {
	Decode(msg envelope.InboundMessage) (envelope.Record, error)
}

type Resolver interface {
	Resolve(rec envelope.Record) ([]strategy.Processor, error)
}

type Router interface {
	Route(ctx context.Context, res envelope.Result) error
}

// Engine is a fixed pool of workers pulling deliveries from a Queue.
type Engine struct {
	queue    Queue
	decoder  Decoder
	resolver Resolver
	router   Router
	opts     Options
	logger   loggingpkg.ServiceLogger

	state    *RetryState
	limiter  *rate.Limiter
	tracer   trace.Tracer
	inFlight atomic.Int64

	mu           sync.Mutex
	running      bool
	intakeCancel context.CancelFunc
	workCancel   context.CancelFunc
	done         chan struct{}
}

// New validates the collaborators and applies option defaults.
func New(q Queue, dec Decoder, res Resolver, router Router, opts Options, logger loggingpkg.ServiceLogger) (*Engine, error) {
	switch {
	case q == nil:
		return nil, errspkg.ErrQueueRequired
	case dec == nil:
		return nil, errspkg.ErrCodecRequired
	case res == nil:
		return nil, errspkg.ErrRegistryRequired
	case router == nil:
		return nil, errspkg.ErrRouterRequired
	case logger == nil:
		return nil, errspkg.ErrLoggerRequired
	}

	opts = opts.withDefaults()
	e := &Engine{
		queue:    q,
		decoder:  dec,
		resolver: res,
		router:   router,
		opts:     opts,
		logger:   logger,
		state:    NewRetryState(opts.Clock),
		tracer:   otel.Tracer(tracerName),
	}
	if opts.RateLimit > 0 {
		burst := int(math.Ceil(opts.RateLimit))
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return e, nil
}

// RetryState exposes the per-message retry bookkeeping.
func (e *Engine) RetryState() *RetryState { return e.state }

// InFlight returns the number of deliveries being handled right now.
func (e *Engine) InFlight() int { return int(e.inFlight.Load()) }

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start subscribes and launches the workers. It does not block. Cancelling
// ctx stops intake; deliveries already being handled run to completion.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errspkg.ErrEngineRunning
	}

	intakeCtx, intakeCancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))

	deliveries, err := e.queue.Receive(intakeCtx)
	if err != nil {
		intakeCancel()
		workCancel()
		return fmt.Errorf("dispatch: receive: %w", err)
	}

	e.running = true
	e.intakeCancel = intakeCancel
	e.workCancel = workCancel
	e.done = make(chan struct{})

	var g errgroup.Group
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			e.work(intakeCtx, workCtx, deliveries)
			return nil
		})
	}
	g.Go(func() error {
		e.janitor(intakeCtx)
		return nil
	})

	done := e.done
	go func() {
		_ = g.Wait()
		workCancel()
		intakeCancel()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(done)
	}()

	e.logger.Info("Dispatch engine started", loggingpkg.LogFields{
		"workers":      e.opts.Workers,
		"max_attempts": e.opts.MaxAttempts,
		"rate_limit":   e.opts.RateLimit,
	})
	return nil
}

// Stop ends intake and waits up to grace for in-flight deliveries. When the
// grace period runs out their context is cancelled, they are left unsettled
// for redelivery and ErrDrainTimeout is returned.
func (e *Engine) Stop(grace time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errspkg.ErrEngineNotRunning
	}
	intakeCancel, workCancel, done := e.intakeCancel, e.workCancel, e.done
	e.mu.Unlock()

	intakeCancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		e.logger.Info("Dispatch engine stopped", nil)
		return nil
	case <-timer.C:
	}

	inFlight := e.InFlight()
	workCancel()
	e.logger.Error("Dispatch engine drain timed out", errspkg.ErrDrainTimeout, loggingpkg.LogFields{
		"in_flight": inFlight,
		"grace":     grace.String(),
	})
	return errspkg.ErrDrainTimeout
}

// Wait blocks until the workers of the current run have exited.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) work(intakeCtx, workCtx context.Context, deliveries <-chan *queue.Delivery) {
	for {
		if e.limiter != nil {
			if err := e.limiter.Wait(intakeCtx); err != nil {
				return
			}
		}
		select {
		case <-intakeCtx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			e.Handle(workCtx, intakeCtx, d)
		}
	}
}

func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(e.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.state.Prune(e.opts.RetryStateTTL); n > 0 {
				e.logger.Debug("Pruned stale retry state", loggingpkg.LogFields{"entries": n})
			}
		}
	}
}

type attemptOutcome struct {
	strategy string
	err      error
	took     time.Duration
	// emitted is false for skipped or previously completed processors.
	emitted bool
}

// Handle runs one delivery through the state machine and settles it. A
// delivery still waiting for its retry window when intake stops is left
// unsettled.
func (e *Engine) Handle(ctx, intakeCtx context.Context, d *queue.Delivery) Outcome {
	e.inFlight.Add(1)
	e.opts.Metrics.addInFlight(1)
	defer func() {
		e.inFlight.Add(-1)
		e.opts.Metrics.addInFlight(-1)
	}()

	started := e.opts.Clock()
	info := e.state.Observe(d.ID)
	attempt := max(d.Attempt, info.Attempts+1)

	jc := JobContext{
		MessageID: d.ID,
		Topic:     d.Topic,
		Metadata:  d.Metadata.Clone(),
		StartedAt: started,
		Attempt:   attempt,
	}
	logger := e.logger.With(loggingpkg.LogFields{
		"message_id": d.ID,
		"attempt":    attempt,
	})

	if wait := e.eligibleIn(d, info, started); wait > 0 {
		logger.Debug("Waiting for retry window", loggingpkg.LogFields{"wait": wait.String()})
		if !sleep(ctx, intakeCtx, wait) {
			return e.abandon(logger)
		}
	}

	ctx, span := e.tracer.Start(ctx, "marketflow.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", d.ID),
			attribute.String("messaging.destination.name", d.Topic),
			attribute.Int("marketflow.attempt", attempt),
		),
	)
	defer span.End()
	jc.Context = ctx

	msgCtx, cancel := context.WithTimeout(ctx, e.opts.MessageTimeout)
	defer cancel()

	e.opts.Hooks.start(jc)

	inbound := d.Inbound()
	inbound.Attempt = attempt
	rec, err := e.decoder.Decode(inbound)
	if err != nil {
		e.observeUnresolved(err)
		return e.fail(ctx, span, logger, d, jc, err, []string{unresolvedStrategy}, nil)
	}
	rec.Attempt = attempt
	jc.Symbol = rec.Symbol
	span.SetAttributes(attribute.String("marketflow.symbol", rec.Symbol))

	procs, err := e.resolver.Resolve(rec)
	if err != nil {
		e.observeUnresolved(err)
		return e.fail(ctx, span, logger, d, jc, err, []string{unresolvedStrategy}, nil)
	}
	jc.Strategies = make([]string, 0, len(procs))
	for _, p := range procs {
		jc.Strategies = append(jc.Strategies, p.Name())
	}

	outcomes := e.fanOut(msgCtx, rec, procs, info.Completed)

	if ctx.Err() != nil {
		return e.abandon(logger)
	}

	var (
		failed    []string
		errs      []error
		completed []string
		emitted   int
	)
	for _, o := range outcomes {
		if o.err != nil {
			class, _ := errspkg.Classify(o.err)
			e.opts.Metrics.observeFailed(o.strategy, class.String(), o.took)
			failed = append(failed, o.strategy)
			errs = append(errs, o.err)
			continue
		}
		completed = append(completed, o.strategy)
		if o.emitted {
			emitted++
			e.opts.Metrics.observeProcessed(o.strategy, o.took)
		}
	}

	if len(errs) > 0 {
		return e.fail(ctx, span, logger, d, jc, errors.Join(errs...), failed, completed)
	}

	return e.ack(span, logger, d, jc, emitted)
}

func (e *Engine) observeUnresolved(err error) {
	class, _ := errspkg.Classify(err)
	e.opts.Metrics.observeFailed(unresolvedStrategy, class.String(), 0)
}

func (e *Engine) eligibleIn(d *queue.Delivery, info RetryInfo, now time.Time) time.Duration {
	wait := info.EligibleAt.Sub(now)
	if raw := d.Metadata[metadatapkg.KeyDelayUntil]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if until := time.UnixMilli(ms).Sub(now); until > wait {
				wait = until
			}
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// sleep reports false when either context ends first.
func sleep(ctx, intakeCtx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-intakeCtx.Done():
		return false
	}
}

// fanOut runs the processors one after another in resolve order, so results
// reach the router in registration order. Processors listed in completed
// already emitted their result on an earlier attempt and are not run again.
func (e *Engine) fanOut(ctx context.Context, rec envelope.Record, procs []strategy.Processor, completed map[string]bool) []attemptOutcome {
	outcomes := make([]attemptOutcome, 0, len(procs))
	for _, p := range procs {
		if completed[p.Name()] {
			outcomes = append(outcomes, attemptOutcome{strategy: p.Name()})
			continue
		}
		outcomes = append(outcomes, e.runProcessor(ctx, p, rec))
	}
	return outcomes
}

func (e *Engine) runProcessor(ctx context.Context, p strategy.Processor, rec envelope.Record) (out attemptOutcome) {
	name := p.Name()
	out.strategy = name
	start := e.opts.Clock()

	defer func() {
		if r := recover(); r != nil {
			out.err = errspkg.NewProcessingError(name, fmt.Errorf("panic: %v", r))
			out.took = e.opts.Clock().Sub(start)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, e.opts.ProcessorTimeout)
	defer cancel()

	res, err := strategy.Chain(p, e.opts.Middlewares...).Process(pctx, rec)
	out.took = e.opts.Clock().Sub(start)

	if err == nil && res.Status == envelope.StatusFailed {
		err = errspkg.NewProcessingError(name, errFailedStatus)
	}
	if err != nil {
		if errors.Is(err, errspkg.ErrSkip) {
			return out
		}
		out.err = e.classifyProcessorError(name, pctx, err)
		return out
	}

	if res.Strategy == "" {
		res.Strategy = name
	}
	if res.SourceRecordID == "" {
		res.SourceRecordID = rec.ID
	}
	if res.Symbol == "" {
		res.Symbol = rec.Symbol
	}
	if res.ComputedAt.IsZero() {
		res.ComputedAt = e.opts.Clock().UTC()
	}

	if err := e.router.Route(ctx, res); err != nil {
		out.err = err
		return out
	}
	out.emitted = true
	return out
}

func (e *Engine) classifyProcessorError(name string, pctx context.Context, err error) error {
	if errors.Is(err, errspkg.ErrTimeout) {
		return err
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return &errspkg.TimeoutError{Strategy: name, Timeout: e.opts.ProcessorTimeout}
	}
	if errors.Is(err, errspkg.ErrProcessing) {
		return err
	}
	return errspkg.NewProcessingError(name, err)
}

func (e *Engine) ack(span trace.Span, logger loggingpkg.ServiceLogger, d *queue.Delivery, jc JobContext, emitted int) Outcome {
	if err := e.queue.Ack(d); err != nil {
		logger.Error("Acknowledge failed", err, nil)
	}
	e.state.Clear(d.ID)

	jc.Duration = e.opts.Clock().Sub(jc.StartedAt)
	jc.Outcome = OutcomeAcked
	e.opts.Metrics.observeOutcome(OutcomeAcked)
	span.SetAttributes(attribute.String("marketflow.outcome", string(OutcomeAcked)))
	span.SetStatus(codes.Ok, "")

	logger.Info("Message acked", loggingpkg.LogFields{
		"outcome":     OutcomeAcked,
		"symbol":      jc.Symbol,
		"results":     emitted,
		"duration_ms": jc.Duration.Milliseconds(),
	})
	e.opts.Hooks.done(jc)
	return OutcomeAcked
}

// fail settles a failed attempt: requeue while the error is retryable and the
// budget allows, dead-letter otherwise.
func (e *Engine) fail(ctx context.Context, span trace.Span, logger loggingpkg.ServiceLogger, d *queue.Delivery, jc JobContext, err error, strategies, completed []string) Outcome {
	class, retryable := errspkg.Classify(err)
	jc.Duration = e.opts.Clock().Sub(jc.StartedAt)
	jc.Class = class

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if retryable && jc.Attempt < e.opts.MaxAttempts {
		delay, ok := errspkg.RetryDelay(err)
		if !ok {
			delay = e.opts.Backoff.Delay(jc.Attempt)
		}
		e.state.RecordFailure(d.ID, jc.Attempt, delay, completed...)

		rejection := queue.Rejection{Requeue: true, Delay: delay, Attempt: jc.Attempt, Cause: err, Class: class}
		if rerr := e.queue.Reject(context.WithoutCancel(ctx), d, rejection); rerr != nil {
			logger.Error("Requeue failed", rerr, nil)
		}

		for _, s := range strategies {
			e.opts.Metrics.observeRetried(s)
		}
		e.opts.Metrics.observeOutcome(OutcomeRequeued)
		span.SetAttributes(attribute.String("marketflow.outcome", string(OutcomeRequeued)))

		jc.Outcome = OutcomeRequeued
		logger.Info("Message requeued", loggingpkg.LogFields{
			"outcome":     OutcomeRequeued,
			"error_class": class.String(),
			"error":       err.Error(),
			"strategies":  strategies,
			"retry_in":    delay.String(),
		})
		e.opts.Hooks.failed(jc, err)
		return OutcomeRequeued
	}

	if retryable {
		err = &errspkg.ExhaustedRetriesError{Attempts: jc.Attempt, Last: err}
		class = errspkg.ClassExhausted
		jc.Class = class
	}

	rejection := queue.Rejection{Requeue: false, Attempt: jc.Attempt, Cause: err, Class: class}
	if rerr := e.queue.Reject(context.WithoutCancel(ctx), d, rejection); rerr != nil {
		logger.Error("Dead letter failed", rerr, nil)
	}
	e.state.Clear(d.ID)

	for _, s := range strategies {
		e.opts.Metrics.observeDeadLettered(s, class.String())
	}
	e.opts.Metrics.observeOutcome(OutcomeDeadLettered)
	span.SetAttributes(attribute.String("marketflow.outcome", string(OutcomeDeadLettered)))

	jc.Outcome = OutcomeDeadLettered
	logger.Error("Message dead-lettered", err, loggingpkg.LogFields{
		"outcome":        OutcomeDeadLettered,
		"error_class":    class.String(),
		"strategies":     strategies,
		"payload_sha256": ids.PayloadHash(d.Payload),
	})
	e.opts.Hooks.failed(jc, err)
	return OutcomeDeadLettered
}

func (e *Engine) abandon(logger loggingpkg.ServiceLogger) Outcome {
	e.opts.Metrics.observeOutcome(OutcomeAbandoned)
	logger.Info("Message left for redelivery", loggingpkg.LogFields{"outcome": OutcomeAbandoned})
	return OutcomeAbandoned
}
