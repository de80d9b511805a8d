package storefront

import "github.com/prometheus/client_golang/prometheus"

var (
	syncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "storefront",
		Name:      "sync_total",
		Help:      "Storefront sync jobs by operation and result.",
	}, []string{"op", "result"})

	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "storefront",
		Name:      "webhooks_total",
		Help:      "Inbound storefront webhooks by topic and result.",
	}, []string{"topic", "result"})
)

func init() {
	prometheus.MustRegister(syncTotal, webhooksTotal)
}
