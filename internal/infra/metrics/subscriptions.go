package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		subscriptionRefreshTotal,
		subscriptionsRefreshed,
	)
}

var (
	subscriptionRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_refresh_runs_total",
			Help: "Scheduled subscription status refresh runs, labeled by result.",
		},
		[]string{"result"}, // 'ok', 'error'
	)

	subscriptionsRefreshed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscriptions_refreshed_total",
			Help: "Subscriptions whose status was refreshed from the gateway.",
		},
	)
)

func IncSubscriptionRefresh(result string, refreshed int) {
	subscriptionRefreshTotal.WithLabelValues(norm(result)).Inc()
	subscriptionsRefreshed.Add(float64(refreshed))
}
