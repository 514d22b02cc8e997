package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	policyRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "risk_policy_rejections_total",
		Help:      "Transfers rejected by the risk policy, by reason.",
	}, []string{"reason"})

	disputesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "risk_disputes_recorded_total",
		Help:      "Disputes applied to pair and account risk scores.",
	})

	decayRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "risk_decay_runs_total",
		Help:      "Risk decay passes by outcome (applied, skipped, error).",
	}, []string{"outcome"})

	decayedAccounts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdpay",
		Name:      "risk_decayed_accounts_total",
		Help:      "Accounts whose risk score was lowered by decay.",
	})
)

func init() {
	prometheus.MustRegister(policyRejections, disputesRecorded, decayRuns, decayedAccounts)
}
