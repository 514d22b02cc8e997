package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	holdMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdpay",
		Subsystem: "reconciliation",
		Name:      "hold_mismatches",
		Help:      "Accounts whose held funds differ from their pending escrow holds in the last run.",
	})

	stuckClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdpay",
		Subsystem: "reconciliation",
		Name:      "stuck_claims",
		Help:      "Release claims older than the retry budget in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "holdpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(holdMismatches, stuckClaims, runDuration, runErrors)
}
