package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPUSeconds = "/cpu/classes/total:cpu-seconds"
	sampleHeapBytes  = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker reads process CPU, heap and goroutine counts from
// runtime/metrics. CPU usage is the average since the previous snapshot.
type resourceTracker struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	now      func() time.Time
	numCPU   float64
	lastCPU  float64
	lastTime time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: sampleCPUSeconds},
			{Name: sampleHeapBytes},
			{Name: sampleGoroutines},
		},
		now:    time.Now,
		numCPU: float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := r.now()

	var usage ResourceUsage
	for _, s := range r.samples {
		switch s.Name {
		case sampleCPUSeconds:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.lastTime.IsZero() {
				wall := now.Sub(r.lastTime).Seconds()
				if wall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
				}
			}
			r.lastCPU = cpu
		case sampleHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case sampleGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	r.lastTime = now

	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}
	return usage
}
