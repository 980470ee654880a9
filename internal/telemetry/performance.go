package telemetry

import (
	"context"
	"runtime"
	"time"
)

// RuntimeSampler records process gauges into a collector on a fixed interval.
type RuntimeSampler struct {
	collector *Collector
	interval  time.Duration
	started   time.Time
	lastGC    uint32
}

func NewRuntimeSampler(c *Collector, interval time.Duration) *RuntimeSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RuntimeSampler{collector: c, interval: interval, started: time.Now()}
}

// Run samples once immediately, then every interval until ctx is done.
func (s *RuntimeSampler) Run(ctx context.Context) {
	s.Sample()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

func (s *RuntimeSampler) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.collector.Gauge("nodewarden_memory_heap_bytes", float64(m.HeapAlloc), nil)
	s.collector.Gauge("nodewarden_memory_sys_bytes", float64(m.Sys), nil)
	s.collector.Gauge("nodewarden_gc_pause_ns", float64(m.PauseNs[(m.NumGC+255)%256]), nil)
	s.collector.Counter("nodewarden_gc_total", float64(m.NumGC-s.lastGC), nil)
	s.collector.Gauge("nodewarden_goroutines", float64(runtime.NumGoroutine()), nil)
	s.collector.Gauge("nodewarden_uptime_seconds", time.Since(s.started).Seconds(), nil)
	s.lastGC = m.NumGC
}
