package enrollment

import "github.com/prometheus/client_golang/prometheus"

var issued = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "smokypay",
	Subsystem: "enrollment",
	Name:      "issued_total",
	Help:      "Custodial wallets issued.",
})

func init() {
	prometheus.MustRegister(issued)
}
