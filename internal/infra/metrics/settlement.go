package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		settlementEventsTotal,
		callbackVerifications,
	)
}

var (
	settlementEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_events_published_total",
			Help: "Settlement events delivered downstream, labeled by routing key.",
		},
		[]string{"routing_key"},
	)

	// source: callback|webhook; result: ok|bad_signature|invalid|error
	callbackVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_notifications_total",
			Help: "Gateway callbacks and webhooks by source and result.",
		},
		[]string{"source", "result"},
	)
)

func IncSettlementEvent(routingKey string) {
	settlementEventsTotal.WithLabelValues(norm(routingKey)).Inc()
}

func IncNotification(source, result string) {
	callbackVerifications.WithLabelValues(norm(source), norm(result)).Inc()
}
