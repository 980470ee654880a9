package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer exposes /health and /metrics for the panel process
type MonitoringServer struct {
	collector    *Collector
	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	server       *http.Server
	profiling    bool
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return ms
}

// Handler returns the monitoring routes
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	if ms.profiling {
		mountProfiling(mux)
	}
	return mux
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.RunHealthChecks()
	overallStatus := Overall(checks)

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(response)
}

// metricsHandler writes Prometheus text exposition
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	typed := map[string]bool{}
	for _, metric := range ms.collector.GetMetrics() {
		labelStr := ""
		if len(metric.Labels) > 0 {
			pairs := make([]string, 0, len(metric.Labels))
			for k, v := range metric.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s=%q`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}

		name := metric.Name
		promType := "gauge"
		switch metric.Type {
		case Counter:
			promType = "counter"
		case Timer:
			name += "_ms"
			promType = "summary"
		}
		if !typed[name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", name, promType)
			typed[name] = true
		}
		if metric.Type == Timer {
			fmt.Fprintf(w, "%s_sum%s %g\n", name, labelStr, metric.Value)
			fmt.Fprintf(w, "%s_count%s %d\n", name, labelStr, metric.Count)
			continue
		}
		fmt.Fprintf(w, "%s%s %g\n", name, labelStr, metric.Value)
	}
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

// RunHealthChecks executes all registered health checks, sorted by name
func (ms *MonitoringServer) RunHealthChecks() []HealthCheck {
	ms.mu.RLock()
	fns := make(map[string]func() HealthCheck, len(ms.healthChecks))
	for k, v := range ms.healthChecks {
		fns[k] = v
	}
	ms.mu.RUnlock()

	checks := make([]HealthCheck, 0, len(fns))
	for name, checkFn := range fns {
		start := time.Now()
		check := checkFn()
		if check.Name == "" {
			check.Name = name
		}
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	return checks
}

// Overall folds check results: any unhealthy wins, then any degraded.
func Overall(checks []HealthCheck) HealthStatus {
	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
		if check.Status == HealthStatusDegraded {
			overallStatus = HealthStatusDegraded
		}
	}
	return overallStatus
}

// Start serves until Shutdown
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server != nil {
		return ms.server.Shutdown(ctx)
	}
	return nil
}

// GoroutineCheck flags runaway goroutine counts.
func GoroutineCheck() HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	message := fmt.Sprintf("Goroutines: %d", count)

	if count > 1000 {
		status = HealthStatusDegraded
		message = fmt.Sprintf("High goroutine count: %d", count)
	}
	if count > 5000 {
		status = HealthStatusUnhealthy
		message = fmt.Sprintf("Critical goroutine count: %d", count)
	}

	return HealthCheck{
		Name:    "goroutines",
		Status:  status,
		Message: message,
		Details: map[string]string{"count": fmt.Sprintf("%d", count)},
	}
}
