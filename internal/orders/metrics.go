package orders

import "github.com/prometheus/client_golang/prometheus"

var (
	confirmations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "orders",
		Name:      "confirmations_total",
		Help:      "Payment confirmation attempts by result.",
	}, []string{"result"})

	sweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "orders",
		Name:      "sweep_runs_total",
		Help:      "Reconciliation sweeps over submitted orders.",
	})

	sweepOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "orders",
		Name:      "sweep_outcomes_total",
		Help:      "Submitted orders resolved or left pending by the sweep.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(confirmations, sweepRuns, sweepOutcomes)
}
