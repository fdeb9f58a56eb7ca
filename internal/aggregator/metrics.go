package aggregator

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments aggregator calls
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics registers the aggregator collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerconsole",
			Subsystem: "aggregator",
			Name:      "requests_total",
			Help:      "Aggregator API requests by operation and HTTP status (0 = transport error).",
		}, []string{"operation", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "brokerconsole",
			Subsystem: "aggregator",
			Name:      "request_duration_seconds",
			Help:      "Aggregator API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) observe(operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}
