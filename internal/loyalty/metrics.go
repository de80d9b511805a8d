package loyalty

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	accruedUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "loyalty",
		Name:      "accrued_units_total",
		Help:      "Reward units accrued on confirmed orders.",
	})

	redemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smokypay",
		Subsystem: "loyalty",
		Name:      "redemptions_total",
		Help:      "Burn redemptions by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(accruedUnits, redemptions)
}

// RecordAccrual counts units accrued by a first confirmation.
func RecordAccrual(units decimal.Decimal) {
	accruedUnits.Add(units.InexactFloat64())
}
