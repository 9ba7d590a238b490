package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
	"github.com/drblury/marketflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ProcessorStats aggregates the calls of one processor. Values are updated by
// the stats middleware and served by the status API.
type ProcessorStats struct {
	mu sync.Mutex

	Calls               uint64    `json:"calls"`
	Failures            uint64    `json:"failures"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastCalledAt        time.Time `json:"last_called_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceTracker
}

// ProcessorInfo is one row of /api/processors.
type ProcessorInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Default     bool            `json:"default"`
	Stats       *ProcessorStats `json:"stats,omitempty"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS    float64 `json:"current_rps"`
	WindowSeconds float64 `json:"window_seconds"`
	CallsInWindow uint64  `json:"calls_in_window"`
	TotalCalls    uint64  `json:"total_calls"`
}

// ErrorBreakdown counts failures per error class.
type ErrorBreakdown struct {
	Processing uint64 `json:"processing"`
	Timeout    uint64 `json:"timeout"`
	Retry      uint64 `json:"retry"`
	DeadLetter uint64 `json:"dead_letter"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

func newProcessorStats(sampler *resourceTracker) *ProcessorStats {
	return &ProcessorStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (p *ProcessorStats) onCallStart() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Backlog.InFlight++
	if p.Backlog.InFlight > p.Backlog.MaxInFlight {
		p.Backlog.MaxInFlight = p.Backlog.InFlight
	}
}

func (p *ProcessorStats) onCallFinish(now time.Time, duration time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Backlog.InFlight > 0 {
		p.Backlog.InFlight--
	}

	p.Calls++
	if err != nil {
		p.Failures++
	}
	p.TotalProcessingTime += int64(duration)
	p.LastCalledAt = now.UTC()

	if p.latencyWindow != nil {
		p.latencyWindow.Add(duration)
		snapshot := p.latencyWindow.Snapshot()
		snapshot.AverageNs = p.TotalProcessingTime / int64(p.Calls)
		p.Latency = snapshot
	}

	if p.throughputWindow != nil {
		snapshot := p.throughputWindow.AddAndSnapshot(now)
		p.Throughput.CurrentRPS = snapshot.CurrentRPS
		p.Throughput.WindowSeconds = snapshot.WindowSeconds
		p.Throughput.CallsInWindow = uint64(snapshot.Count)
	}
	p.Throughput.TotalCalls = p.Calls

	p.Errors.Record(err)

	if p.resourceSampler != nil {
		p.Resource = p.resourceSampler.Snapshot()
	}
}

func (p *ProcessorStats) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	type alias struct {
		Calls               uint64            `json:"calls"`
		Failures            uint64            `json:"failures"`
		TotalProcessingTime int64             `json:"total_processing_time_ns"`
		LastCalledAt        time.Time         `json:"last_called_at"`
		Latency             LatencyMetrics    `json:"latency"`
		Throughput          ThroughputMetrics `json:"throughput"`
		Errors              ErrorBreakdown    `json:"errors"`
		Resource            ResourceUsage     `json:"resource"`
		Backlog             BacklogMetrics    `json:"backlog"`
	}
	return jsoncodec.Marshal(alias{
		Calls:               p.Calls,
		Failures:            p.Failures,
		TotalProcessingTime: p.TotalProcessingTime,
		LastCalledAt:        p.LastCalledAt,
		Latency:             p.Latency,
		Throughput:          p.Throughput,
		Errors:              p.Errors,
		Resource:            p.Resource,
		Backlog:             p.Backlog,
	})
}

// Record counts err under its class. A nil error records nothing.
func (e *ErrorBreakdown) Record(err error) {
	if err == nil {
		return
	}
	class, _ := errspkg.Classify(err)
	switch class {
	case errspkg.ClassProcessing:
		e.Processing++
	case errspkg.ClassTimeout:
		e.Timeout++
	case errspkg.ClassDeadLetter:
		e.DeadLetter++
	default:
		if errspkg.IsRetryable(err) {
			e.Retry++
		} else {
			e.Other++
		}
	}
	e.LastError = err.Error()
}

// processorStatsSet hands out one ProcessorStats per processor name.
type processorStatsSet struct {
	mu      sync.RWMutex
	byName  map[string]*ProcessorStats
	sampler *resourceTracker
}

func newProcessorStatsSet(sampler *resourceTracker) *processorStatsSet {
	return &processorStatsSet{byName: make(map[string]*ProcessorStats), sampler: sampler}
}

func (s *processorStatsSet) For(name string) *ProcessorStats {
	s.mu.RLock()
	stats, ok := s.byName[name]
	s.mu.RUnlock()
	if ok {
		return stats
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stats, ok := s.byName[name]; ok {
		return stats
	}
	stats = newProcessorStats(s.sampler)
	s.byName[name] = stats
	return stats
}

func (s *processorStatsSet) Lookup(name string) (*ProcessorStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.byName[name]
	return stats, ok
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var m LatencyMetrics
	if lw == nil {
		return m
	}
	m.LastNs = lw.last
	if lw.filled == 0 {
		return m
	}

	samples := make([]int64, 0, lw.filled)
	start := lw.next - lw.filled
	for i := 0; i < lw.filled; i++ {
		idx := (start + i + len(lw.samples)) % len(lw.samples)
		samples = append(samples, lw.samples[idx])
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.SampleSize = lw.filled
	m.AverageNs = sum / int64(len(samples))
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	drop := sort.Search(len(tw.samples), func(i int) bool { return !tw.samples[i].Before(cutoff) })
	tw.samples = append(tw.samples[:0], tw.samples[drop:]...)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
