package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMissingReceipts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "missing_receipts",
		Help:      "Executed intents with no receipt and no failure flag in the last run.",
	})

	reconcileFlaggedFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "flagged_failures",
		Help:      "Executed intents carrying the execution-failed flag in the last run.",
	})

	reconcileStuckIntents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "stuck_intents",
		Help:      "Pending or approved intents past expiry found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMissingReceipts,
		reconcileFlaggedFailures,
		reconcileStuckIntents,
		reconcileDuration,
		reconcileErrors,
	)
}
