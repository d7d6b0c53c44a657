package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptohook",
		Subsystem: "webhooks",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by result.",
	}, []string{"result"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cryptohook",
		Subsystem: "webhooks",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent waiting on webhook endpoints.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(deliveries, deliveryDuration)
}
