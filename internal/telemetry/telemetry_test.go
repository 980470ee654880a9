package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true, 0)
	labels := map[string]string{"action": "server/start", "status": "success"}

	c.Counter("nodewarden_agent_commands", 1, labels)
	c.Counter("nodewarden_agent_commands", 1, map[string]string{"status": "success", "action": "server/start"})
	c.Gauge("nodewarden_agents_online", 3, nil)
	c.Gauge("nodewarden_agents_online", 2, nil)
	c.Timer("nodewarden_agent_command_duration", 120*time.Millisecond, labels)
	c.Timer("nodewarden_agent_command_duration", 80*time.Millisecond, labels)

	if got := c.Value("nodewarden_agent_commands", labels); got != 2 {
		t.Fatalf("counter = %v, want 2", got)
	}
	if got := c.Value("nodewarden_agents_online", nil); got != 2 {
		t.Fatalf("gauge = %v, want 2", got)
	}
	if got := c.Value("nodewarden_agent_command_duration", labels); got != 200 {
		t.Fatalf("timer total = %v, want 200", got)
	}
	if n := len(c.GetMetrics()); n != 3 {
		t.Fatalf("expected 3 series, got %d", n)
	}
}

func TestDisabledAndNilCollector(t *testing.T) {
	var nilCollector *Collector
	nilCollector.Counter("x", 1, nil)
	if nilCollector.GetMetrics() != nil {
		t.Fatalf("nil collector should report no metrics")
	}

	c := NewCollector(false, 0)
	c.Counter("x", 1, nil)
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("disabled collector recorded metrics")
	}
}

func TestMonitoringHealthAndMetrics(t *testing.T) {
	c := NewCollector(true, 0)
	c.Counter("nodewarden_agent_commands", 4, map[string]string{"status": "success"})
	ms := NewMonitoringServer(":0", c)
	ms.RegisterHealthCheck("agents", func() HealthCheck {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "no agents online"}
	})

	rr := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"agents"`) {
		t.Fatalf("health body missing check name: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE nodewarden_agent_commands counter") {
		t.Fatalf("missing TYPE line: %s", body)
	}
	if !strings.Contains(body, `nodewarden_agent_commands{status="success"} 4`) {
		t.Fatalf("missing series: %s", body)
	}
}

func TestOverall(t *testing.T) {
	checks := []HealthCheck{{Status: HealthStatusHealthy}, {Status: HealthStatusDegraded}}
	if Overall(checks) != HealthStatusDegraded {
		t.Fatalf("expected degraded")
	}
	checks = append(checks, HealthCheck{Status: HealthStatusUnhealthy})
	if Overall(checks) != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy")
	}
}
