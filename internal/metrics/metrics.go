package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PayoutsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_claimed_total",
			Help: "Payouts leased by the worker, by queue",
		},
		[]string{"queue"},
	)

	PayoutTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_transitions_total",
			Help: "Payout status transitions written, by source",
		},
		[]string{"provider", "from", "to", "source"},
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_provider_calls_total",
			Help: "Calls made to payout providers, by operation and normalized outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payout_provider_call_duration_seconds",
			Help:    "Duration of payout provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_webhook_events_total",
			Help: "Provider webhooks received, by outcome",
		},
		[]string{"provider", "outcome"},
	)

	WorkerPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payout_worker_pass_duration_seconds",
			Help:    "Duration of one claim-and-process pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ItemFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_item_failures_total",
			Help: "Per-payout processing errors isolated by the worker or ingestor",
		},
		[]string{"component"},
	)

	ReconciliationDiscrepanciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_reconciliation_discrepancies_total",
			Help: "Discrepancies found by reconciliation, by category",
		},
		[]string{"category"},
	)
)

var registerOnce sync.Once

// Register adds every payout metric to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PayoutsClaimedTotal,
			PayoutTransitionsTotal,
			ProviderCallsTotal,
			ProviderCallDuration,
			WebhookEventsTotal,
			WorkerPassDuration,
			ItemFailuresTotal,
			ReconciliationDiscrepanciesTotal,
		)
	})
}
