package payments

import "github.com/prometheus/client_golang/prometheus"

var paymentsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cryptohook",
	Subsystem: "payments",
	Name:      "created_total",
	Help:      "Payment requests created, by currency and network.",
}, []string{"currency", "network"})

func init() {
	prometheus.MustRegister(paymentsCreated)
}
