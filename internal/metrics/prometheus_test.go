package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.FillsApplied.Inc()
	prom.Metrics.FillsApplied.Inc()
	prom.Metrics.FillsDuplicate.Inc()
	prom.Metrics.OrdersPlaced.Inc()

	assertCounter(t, prom.Metrics.FillsApplied, 2)
	assertCounter(t, prom.Metrics.FillsDuplicate, 1)
	assertCounter(t, prom.Metrics.FillsUnattributed, 0)
	assertCounter(t, prom.Metrics.OrdersPlaced, 1)
}

func assertCounter(t *testing.T, counter Counter, expected float64) {
	t.Helper()
	pc, ok := counter.(promCounter)
	if !ok {
		t.Fatal("expected prometheus-backed counter")
	}
	if got := testutil.ToFloat64(pc.counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
