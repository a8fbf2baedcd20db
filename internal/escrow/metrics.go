package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EscrowsTotal counts escrow lifecycle outcomes.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealshield",
			Name:      "escrows_total",
			Help:      "Total escrow operations by outcome.",
		},
		[]string{"outcome"},
	)

	// RefundSweepDuration observes the background refund sweep latency.
	RefundSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dealshield",
			Name:      "escrow_refund_sweep_duration_seconds",
			Help:      "Duration of one refund sweeper pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(EscrowsTotal, RefundSweepDuration)
}
