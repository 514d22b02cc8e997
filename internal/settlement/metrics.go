package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	transfersCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "settlement_transfers_created_total",
		Help:      "Transfers created, by purpose.",
	}, []string{"purpose"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "settlement_requests_total",
		Help:      "Money request events, by action (created, accepted, rejected, canceled).",
	}, []string{"action"})

	sweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "settlement_sweep_runs_total",
		Help:      "Escrow sweep passes, by outcome.",
	}, []string{"outcome"})

	sweepClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "settlement_sweep_claims_total",
		Help:      "Escrowed transactions claimed and queued for release.",
	})

	releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "settlement_releases_total",
		Help:      "Release attempts, by outcome (released, skipped, failed, retried, exhausted).",
	}, []string{"outcome"})

	releaseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "holdpay",
		Name:      "settlement_release_attempt_duration_seconds",
		Help:      "Duration of a single release attempt.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 60},
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdpay",
		Name:      "settlement_release_queue_depth",
		Help:      "Release tasks waiting for a worker, including scheduled retries.",
	})

	disputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "settlement_disputes_total",
		Help:      "Disputes opened by senders.",
	})

	resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "settlement_dispute_resolutions_total",
		Help:      "Admin dispute resolutions, by action.",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		transfersCreated,
		requestsTotal,
		sweepRuns,
		sweepClaims,
		releasesTotal,
		releaseDuration,
		queueDepth,
		disputesOpened,
		resolutionsTotal,
	)
}
