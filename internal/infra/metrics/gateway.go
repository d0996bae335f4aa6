package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(gatewayRequestsTotal, gatewayRequestDuration)
}

var (
	// result: ok|client_error|server_error|transport_error
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Calls to the payment gateway by operation and result.",
		},
		[]string{"op", "result"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Payment gateway call latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)
)

func ObserveGatewayCall(op, result string, elapsed time.Duration) {
	gatewayRequestsTotal.WithLabelValues(norm(op), norm(result)).Inc()
	gatewayRequestDuration.WithLabelValues(norm(op)).Observe(elapsed.Seconds())
}
