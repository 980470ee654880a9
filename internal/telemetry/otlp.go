package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

const otlpCumulative = 2

// OTLPExporter pushes the collector's series to an OTLP/HTTP metrics endpoint
// using the JSON encoding.
type OTLPExporter struct {
	endpoint string
	service  string
	version  string
	client   *http.Client
}

func NewOTLPExporter(endpoint, service, version string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		service:  service,
		version:  version,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name    string       `json:"name"`
	Unit    string       `json:"unit,omitempty"`
	Sum     *otlpSum     `json:"sum,omitempty"`
	Gauge   *otlpGauge   `json:"gauge,omitempty"`
	Summary *otlpSummary `json:"summary,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpSummary struct {
	DataPoints []otlpSummaryDataPoint `json:"dataPoints"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano,string"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpSummaryDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano,string"`
	Count        int64           `json:"count,string"`
	Sum          float64         `json:"sum"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue"`
}

// Export posts one snapshot of metrics. An empty snapshot is not sent.
func (e *OTLPExporter) Export(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	data, err := json.Marshal(e.payload(metrics))
	if err != nil {
		return fmt.Errorf("marshal otlp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("otlp endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().Str("endpoint", e.endpoint).Int("metrics", len(metrics)).Msg("exported metrics")
	return nil
}

// Run exports the collector's series every interval until ctx is done. Failed
// exports are logged and retried on the next tick.
func (e *OTLPExporter) Run(ctx context.Context, c *Collector, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Export(ctx, c.GetMetrics()); err != nil {
				log.Warn().Err(err).Str("endpoint", e.endpoint).Msg("metric export failed")
			}
		}
	}
}

func (e *OTLPExporter) payload(metrics []Metric) otlpMetricsPayload {
	out := make([]otlpMetric, 0, len(metrics))
	for _, m := range metrics {
		attrs := attributes(m.Labels)
		ts := m.Timestamp.UnixNano()
		point := otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value}

		om := otlpMetric{Name: m.Name, Unit: m.Unit}
		switch m.Type {
		case Counter:
			om.Sum = &otlpSum{
				DataPoints:             []otlpNumberDataPoint{point},
				AggregationTemporality: otlpCumulative,
				IsMonotonic:            true,
			}
		case Timer:
			om.Summary = &otlpSummary{DataPoints: []otlpSummaryDataPoint{{
				Attributes:   attrs,
				TimeUnixNano: ts,
				Count:        m.Count,
				Sum:          m.Value,
			}}}
		default:
			om.Gauge = &otlpGauge{DataPoints: []otlpNumberDataPoint{point}}
		}
		out = append(out, om)
	}

	return otlpMetricsPayload{ResourceMetrics: []otlpResourceMetrics{{
		Resource: otlpResource{Attributes: attributes(map[string]string{
			"service.name":    e.service,
			"service.version": e.version,
		})},
		ScopeMetrics: []otlpScopeMetrics{{
			Scope:   otlpScope{Name: e.service, Version: e.version},
			Metrics: out,
		}},
	}}}
}

func attributes(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return attrs
}
