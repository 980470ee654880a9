package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOTLPExport(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c := NewCollector(true, 0)
	c.Counter("nodewarden_agent_commands", 2, map[string]string{"status": "success"})
	c.Timer("nodewarden_agent_command_duration", 50*time.Millisecond, nil)

	e := NewOTLPExporter(srv.URL, "nodewarden", "1.2.3")
	if err := e.Export(context.Background(), c.GetMetrics()); err != nil {
		t.Fatalf("export: %v", err)
	}

	var payload otlpMetricsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rm := payload.ResourceMetrics[0]
	if rm.Resource.Attributes[0].Key != "service.name" || rm.Resource.Attributes[0].Value.StringValue != "nodewarden" {
		t.Fatalf("resource attributes %+v", rm.Resource.Attributes)
	}
	metrics := rm.ScopeMetrics[0].Metrics
	if len(metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(metrics))
	}
	for _, m := range metrics {
		switch m.Name {
		case "nodewarden_agent_commands":
			if m.Sum == nil || !m.Sum.IsMonotonic || m.Sum.DataPoints[0].AsDouble != 2 {
				t.Fatalf("counter exported as %+v", m)
			}
		case "nodewarden_agent_command_duration":
			if m.Summary == nil || m.Summary.DataPoints[0].Count != 1 || m.Unit != "ms" {
				t.Fatalf("timer exported as %+v", m)
			}
		default:
			t.Fatalf("unexpected metric %s", m.Name)
		}
	}
}

func TestOTLPExportErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewOTLPExporter(srv.URL, "nodewarden", "")
	if err := e.Export(context.Background(), nil); err != nil {
		t.Fatalf("empty export: %v", err)
	}
	if calls != 0 {
		t.Fatalf("empty export should not be sent")
	}
	err := e.Export(context.Background(), []Metric{{Name: "x", Type: Gauge, Value: 1}})
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestRuntimeSampler(t *testing.T) {
	c := NewCollector(true, 0)
	NewRuntimeSampler(c, time.Second).Sample()
	if c.Value("nodewarden_goroutines", nil) < 1 {
		t.Fatalf("goroutine gauge not recorded")
	}
	if c.Value("nodewarden_memory_heap_bytes", nil) <= 0 {
		t.Fatalf("heap gauge not recorded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewRuntimeSampler(nil, 0).Run(ctx)
}

func TestProfilingRoutes(t *testing.T) {
	ms := NewMonitoringServer(":0", NewCollector(true, 0))

	rr := httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("profiling should be off by default, got %d", rr.Code)
	}

	ms.EnableProfiling()
	rr = httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status %d", rr.Code)
	}
	var stats runtimeStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Goroutines < 1 || stats.CPUCores < 1 {
		t.Fatalf("stats %+v", stats)
	}

	rr = httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/build", nil))
	if !strings.Contains(rr.Body.String(), "go_version") {
		t.Fatalf("build body %s", rr.Body.String())
	}
}
