package chain

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var verifyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "smokypay",
	Subsystem: "chain",
	Name:      "verify_duration_seconds",
	Help:      "Time to verify a payment on the ledger, polling included, by result.",
	Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60},
}, []string{"result"})

func init() {
	prometheus.MustRegister(verifyDuration)
}

func observeVerify(err error, start time.Time) {
	verifyDuration.WithLabelValues(verifyResult(err)).Observe(time.Since(start).Seconds())
}

func verifyResult(err error) string {
	switch {
	case err == nil:
		return "verified"
	case errors.Is(err, ErrPendingConfirmation):
		return "pending"
	case errors.Is(err, ErrUnderfunded):
		return "underfunded"
	case errors.Is(err, ErrPaymentFailed):
		return "failed"
	default:
		return "error"
	}
}
