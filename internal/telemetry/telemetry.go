package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one aggregated series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates process metrics in memory. A nil or disabled Collector
// accepts every call and records nothing.
type Collector struct {
	mu            sync.RWMutex
	series        map[string]*Metric
	enabled       bool
	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewCollector creates a collector. With a positive flushInterval the current
// series are logged periodically.
func NewCollector(enabled bool, flushInterval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		series:        make(map[string]*Metric),
		enabled:       enabled,
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	if enabled && flushInterval > 0 {
		go c.periodicFlush()
	}

	return c
}

// Counter adds value to a counter series
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.update(name, Counter, "", labels, func(m *Metric) {
		m.Value += value
		m.Count++
	})
}

// Gauge sets a gauge series
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.update(name, Gauge, "", labels, func(m *Metric) {
		m.Value = value
		m.Count = 1
	})
}

// Timer accumulates a duration; Value holds the total in milliseconds.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.update(name, Timer, "ms", labels, func(m *Metric) {
		m.Value += float64(duration.Milliseconds())
		m.Count++
	})
}

func (c *Collector) update(name string, typ MetricType, unit string, labels map[string]string, apply func(*Metric)) {
	if c == nil || !c.enabled {
		return
	}

	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Unit: unit, Labels: copyLabels(labels)}
		c.series[key] = m
	}
	apply(m)
	m.Timestamp = time.Now()
}

// GetMetrics returns a copy of all series sorted by name and labels
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]Metric, 0, len(keys))
	for _, k := range keys {
		m := *c.series[k]
		m.Labels = copyLabels(m.Labels)
		result = append(result, m)
	}
	c.mu.RUnlock()

	return result
}

// Value returns the current value of one series, or 0 when absent.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.series[seriesKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// FlushMetrics writes the current series to the log
func (c *Collector) FlushMetrics() {
	metrics := c.GetMetrics()
	if len(metrics) == 0 {
		return
	}

	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, metric := range metrics {
		log.Info().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Int64("count", metric.Count).
			Interface("labels", metric.Labels).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush() {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops the periodic flush and flushes once more
func (c *Collector) Shutdown() {
	if c == nil {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.enabled && c.flushInterval > 0 {
		c.FlushMetrics()
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
