package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_connector"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		FillsApplied:      promCounter{newCounter("fills_applied_total", "Total number of trade fills applied to tracked orders.")},
		FillsDuplicate:    promCounter{newCounter("fills_duplicate_total", "Total number of trade fills rejected as already-seen trade ids.")},
		FillsUnattributed: promCounter{newCounter("fills_unattributed_total", "Total number of trade fills dropped because no tracked order matched.")},
		UpdatesDropped:    promCounter{newCounter("updates_dropped_total", "Total number of canonical updates dropped during normalization or merge.")},
		OrdersPlaced:      promCounter{newCounter("orders_placed_total", "Total number of orders submitted to the exchange.")},
		OrdersFailed:      promCounter{newCounter("orders_failed_total", "Total number of order submissions that failed or were rejected.")},
		PollFailures:      promCounter{newCounter("poll_failures_total", "Total number of poll cycle fetch failures.")},
		StreamErrors:      promCounter{newCounter("stream_errors_total", "Total number of stream messages that failed to decode or route.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
