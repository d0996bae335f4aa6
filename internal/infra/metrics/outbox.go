package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(outboxPublishTotal, outboxBatchSize) }

var (
	outboxPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_total",
			Help: "Outbox delivery attempts, labeled by status.",
		},
		[]string{"status"}, // 'published', 'failed'
	)

	outboxBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_size",
			Help:    "Messages claimed per dispatcher tick.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)
)

func IncOutboxPublish(status string) {
	outboxPublishTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveOutboxBatch(n int) {
	outboxBatchSize.Observe(float64(n))
}
