package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketdesk/desk/internal/observability"
)

// MeterMetrics adapts an otel meter to the observability.Metrics interface.
// Instruments are created lazily and cached by name.
type MeterMetrics struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
	gauges   map[string]metric.Float64Gauge
}

// NewMeterMetrics builds a metrics collector backed by the provided meter.
func NewMeterMetrics(meter metric.Meter) *MeterMetrics {
	m := new(MeterMetrics)
	m.meter = meter
	m.counters = make(map[string]metric.Float64Counter)
	m.gauges = make(map[string]metric.Float64Gauge)
	return m
}

// IncCounter adds value to the named counter.
func (m *MeterMetrics) IncCounter(name string, value float64, labels map[string]string) {
	counter, err := m.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// SetGauge records the latest value for the named gauge.
func (m *MeterMetrics) SetGauge(name string, value float64, labels map[string]string) {
	gauge, err := m.gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (m *MeterMetrics) counter(name string) (metric.Float64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, ok := m.counters[name]; ok {
		return counter, nil
	}
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = counter
	return counter, nil
}

func (m *MeterMetrics) gauge(name string) (metric.Float64Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gauge, ok := m.gauges[name]; ok {
		return gauge, nil
	}
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	m.gauges[name] = gauge
	return gauge, nil
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

var _ observability.Metrics = (*MeterMetrics)(nil)
