package oracle

import "github.com/prometheus/client_golang/prometheus"

var (
	quoteAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smokypay",
		Subsystem: "oracle",
		Name:      "quote_age_seconds",
		Help:      "Age of the most recently served or fetched quote by pair.",
	}, []string{"pair"})

	fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "oracle",
		Name:      "fetch_errors_total",
		Help:      "Price feed fetches rejected, by pair and reason.",
	}, []string{"pair", "reason"})
)

func init() {
	prometheus.MustRegister(quoteAge, fetchErrors)
}
