package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead letters per destination, both as Prometheus
// collectors and as an in-memory snapshot for the status API.
type DLQMetrics struct {
	mu    sync.RWMutex
	now   func() time.Time
	stats map[string]*DLQTopicMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	attempts        *prometheus.HistogramVec
}

// DLQTopicMetrics holds the counters of one dead letter destination.
type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	AvgAttempts      float64   `json:"avg_attempts"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot is a point-in-time copy of every destination.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                     `json:"total_messages"`
	TotalReplayed uint64                     `json:"total_replayed"`
	TotalPurged   uint64                     `json:"total_purged"`
	Topics        map[string]DLQTopicMetrics `json:"topics"`
	CollectedAt   time.Time                  `json:"collected_at"`
}

const (
	dlqNamespace = "marketflow"
	dlqSubsystem = "dlq"
)

// NewDLQMetrics creates the collectors and registers them on reg. Collectors
// registered earlier on the same registry are reused.
func NewDLQMetrics(reg prometheus.Registerer) (*DLQMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: dlqNamespace, Subsystem: dlqSubsystem, Name: name, Help: help,
		}, labels)
	}

	m := &DLQMetrics{
		now:           time.Now,
		stats:         make(map[string]*DLQTopicMetrics),
		messagesTotal: counter("messages_total", "Messages moved to the dead letter destination.", "topic", "strategy"),
		replayedTotal: counter("replayed_total", "Dead letters replayed onto the input topic.", "topic"),
		purgedTotal:   counter("purged_total", "Dead letters deleted without replay.", "topic"),
		messagesCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: dlqNamespace, Subsystem: dlqSubsystem, Name: "messages_current",
			Help: "Dead letters currently stored.",
		}, []string{"topic"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: dlqNamespace, Subsystem: dlqSubsystem, Name: "attempts",
			Help:    "Attempts made before a message was dead-lettered.",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		}, []string{"topic"}),
	}

	var err error
	if m.messagesTotal, err = reuse(reg, m.messagesTotal); err != nil {
		return nil, err
	}
	if m.replayedTotal, err = reuse(reg, m.replayedTotal); err != nil {
		return nil, err
	}
	if m.purgedTotal, err = reuse(reg, m.purgedTotal); err != nil {
		return nil, err
	}
	if m.messagesCurrent, err = reuse(reg, m.messagesCurrent); err != nil {
		return nil, err
	}
	if m.attempts, err = reuse(reg, m.attempts); err != nil {
		return nil, err
	}
	return m, nil
}

func reuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// RecordMessageToDLQ counts one dead letter for topic.
func (m *DLQMetrics) RecordMessageToDLQ(topic, strategy string, attempts int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	s := m.topic(topic)
	s.MessagesReceived++
	s.MessagesCurrent++
	s.AvgAttempts += (float64(attempts) - s.AvgAttempts) / float64(s.MessagesReceived)
	if s.OldestMessageAt.IsZero() {
		s.OldestMessageAt = now
	}
	s.NewestMessageAt = now
	s.LastUpdatedAt = now

	m.messagesTotal.WithLabelValues(topic, strategy).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(s.MessagesCurrent))
	m.attempts.WithLabelValues(topic).Observe(float64(attempts))
}

// RecordReplayed counts n dead letters moved back to the input topic.
func (m *DLQMetrics) RecordReplayed(topic string, n int64) {
	if n <= 0 {
		return
	}
	m.adjust(topic, n, func(s *DLQTopicMetrics) { s.MessagesReplayed += uint64(n) })
	m.replayedTotal.WithLabelValues(topic).Add(float64(n))
}

// RecordPurged counts n dead letters deleted.
func (m *DLQMetrics) RecordPurged(topic string, n int64) {
	if n <= 0 {
		return
	}
	m.adjust(topic, n, func(s *DLQTopicMetrics) { s.MessagesPurged += uint64(n) })
	m.purgedTotal.WithLabelValues(topic).Add(float64(n))
}

func (m *DLQMetrics) adjust(topic string, n int64, apply func(*DLQTopicMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.topic(topic)
	apply(s)
	if s.MessagesCurrent >= uint64(n) {
		s.MessagesCurrent -= uint64(n)
	} else {
		s.MessagesCurrent = 0
	}
	s.LastUpdatedAt = m.now().UTC()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(s.MessagesCurrent))
}

// SetCurrentCount overwrites the stored count with one read from the transport.
func (m *DLQMetrics) SetCurrentCount(topic string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.topic(topic)
	s.MessagesCurrent = count
	s.LastUpdatedAt = m.now().UTC()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(count))
}

// Snapshot copies the counters of every destination.
func (m *DLQMetrics) Snapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DLQMetricsSnapshot{
		Topics:      make(map[string]DLQTopicMetrics, len(m.stats)),
		CollectedAt: m.now().UTC(),
	}
	for topic, s := range m.stats {
		snap.Topics[topic] = *s
		snap.TotalMessages += s.MessagesCurrent
		snap.TotalReplayed += s.MessagesReplayed
		snap.TotalPurged += s.MessagesPurged
	}
	return snap
}

// Topic returns a copy of the counters of topic.
func (m *DLQMetrics) Topic(topic string) (DLQTopicMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[topic]
	if !ok {
		return DLQTopicMetrics{}, false
	}
	return *s, true
}

func (m *DLQMetrics) topic(name string) *DLQTopicMetrics {
	s, ok := m.stats[name]
	if !ok {
		s = &DLQTopicMetrics{}
		m.stats[name] = s
	}
	return s
}
