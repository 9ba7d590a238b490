package dispatch

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "marketflow"
	metricsSubsystem = "dispatch"

	// unresolvedStrategy labels failures that happen before any processor
	// was resolved, such as schema errors.
	unresolvedStrategy = "unresolved"
)

// Metrics holds the dispatch collectors. A nil *Metrics records nothing.
type Metrics struct {
	processed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. Collectors
// that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "processed_total",
			Help:      "Results produced, per strategy.",
		}, []string{"strategy"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "failed_total",
			Help:      "Failed processor or emit attempts, per strategy and error class.",
		}, []string{"strategy", "error_class"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "retried_total",
			Help:      "Messages requeued for another attempt, per failing strategy.",
		}, []string{"strategy"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dead_lettered_total",
			Help:      "Messages moved to the dead letter destination.",
		}, []string{"strategy", "error_class"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "outcomes_total",
			Help:      "Terminal outcome of each delivery.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "processing_seconds",
			Help:      "Processor execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_flight",
			Help:      "Deliveries currently being handled.",
		}),
	}

	var err error
	if m.processed, err = register(reg, m.processed); err != nil {
		return nil, err
	}
	if m.failed, err = register(reg, m.failed); err != nil {
		return nil, err
	}
	if m.retried, err = register(reg, m.retried); err != nil {
		return nil, err
	}
	if m.deadLettered, err = register(reg, m.deadLettered); err != nil {
		return nil, err
	}
	if m.outcomes, err = register(reg, m.outcomes); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeProcessed(strategy string, took time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(strategy).Inc()
	m.duration.WithLabelValues(strategy).Observe(took.Seconds())
}

func (m *Metrics) observeFailed(strategy, class string, took time.Duration) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(strategy, class).Inc()
	if took > 0 {
		m.duration.WithLabelValues(strategy).Observe(took.Seconds())
	}
}

func (m *Metrics) observeRetried(strategy string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(strategy).Inc()
}

func (m *Metrics) observeDeadLettered(strategy, class string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(strategy, class).Inc()
}

func (m *Metrics) observeOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
