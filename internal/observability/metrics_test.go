package observability

import (
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestSetMetricsNilRestoresNoop(t *testing.T) {
	SetMetrics(NewOTelMetrics(noop.NewMeterProvider().Meter("test")))
	t.Cleanup(func() { SetMetrics(nil) })

	SetMetrics(nil)
	if _, ok := Telemetry().(noopMetrics); !ok {
		t.Fatalf("expected noop metrics after SetMetrics(nil), got %T", Telemetry())
	}
}

func TestOTelMetricsCachesInstruments(t *testing.T) {
	m := NewOTelMetrics(noop.NewMeterProvider().Meter("test"))

	m.IncCounter("frames", 1, nil)
	m.IncCounter("frames", 2, map[string]string{"feed": "balances"})
	m.SetGauge("status", 1, nil)
	m.SetGauge("status", 0, nil)

	if len(m.counters) != 1 {
		t.Fatalf("expected one cached counter, got %d", len(m.counters))
	}
	if len(m.gauges) != 1 {
		t.Fatalf("expected one cached gauge, got %d", len(m.gauges))
	}
}

func TestLabelAttrs(t *testing.T) {
	if attrs := labelAttrs(nil); attrs != nil {
		t.Fatalf("expected nil attrs for empty labels, got %v", attrs)
	}
	attrs := labelAttrs(map[string]string{"feed": "open_positions"})
	if len(attrs) != 1 || string(attrs[0].Key) != "feed" || attrs[0].Value.AsString() != "open_positions" {
		t.Fatalf("unexpected attrs %v", attrs)
	}
}
