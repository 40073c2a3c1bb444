package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

// CoreMetrics counts outcomes of order operations.
type CoreMetrics struct {
	OrdersBuilt   *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	UnitsReserved prometheus.Counter
	UnitsReleased prometheus.Counter
	OutboxSent    prometheus.Counter
}

func NewCoreMetrics(reg prometheus.Registerer, service string) *CoreMetrics {
	m := &CoreMetrics{
		OrdersBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "orders_built_total",
			Help:      "Order build attempts by result.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "order_transitions_total",
			Help:      "Order status transitions by target status and result.",
		}, []string{"to", "result"}),
		UnitsReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "inventory_units_reserved_total",
			Help:      "Stock units reserved by committed orders.",
		}),
		UnitsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "inventory_units_released_total",
			Help:      "Stock units returned by committed refunds.",
		}),
		OutboxSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "outbox_events_sent_total",
			Help:      "Outbox events published to the broker.",
		}),
	}
	reg.MustRegister(m.OrdersBuilt, m.Transitions, m.UnitsReserved, m.UnitsReleased, m.OutboxSent)
	return m
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
