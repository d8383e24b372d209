// Package metrics exposes Prometheus collectors for the settlement pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PaymentsTotal counts settlement attempts by terminal outcome
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kazipay",
			Name:      "payments_total",
			Help:      "Settlement attempts by terminal status",
		},
		[]string{"status"},
	)

	// LegDuration observes external leg latency
	LegDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kazipay",
			Name:      "leg_duration_seconds",
			Help:      "Latency of external settlement legs",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"leg"},
	)

	// ConnectorRetries counts retried connector transfer attempts
	ConnectorRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kazipay",
			Name:      "connector_retries_total",
			Help:      "Connector transfer attempts retried after a transient failure",
		},
	)

	// ReconciliationsPending tracks payouts awaiting an async result
	ReconciliationsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kazipay",
			Name:      "reconciliations_pending",
			Help:      "Transactions flagged for out-of-band reconciliation",
		},
	)
)

func init() {
	prometheus.MustRegister(PaymentsTotal, LegDuration, ConnectorRetries, ReconciliationsPending)
}
