// Package metrics exposes the process-wide prometheus collectors for book
// synchronization. Everything registers on the default registry and is
// served by the HTTP server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerbook",
		Name:      "offers_added_total",
		Help:      "Offers inserted into a book from created change records.",
	}, []string{"book"})

	OffersRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerbook",
		Name:      "offers_removed_total",
		Help:      "Offers removed from a book by deleted change records.",
	}, []string{"book"})

	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerbook",
		Name:      "trades_total",
		Help:      "Transactions that produced a non-zero traded amount.",
	}, []string{"book"})

	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerbook",
		Name:      "resyncs_total",
		Help:      "Snapshot loads, including disconnect-driven rebuilds.",
	}, []string{"book"})

	DeferredBalanceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerbook",
		Name:      "deferred_balance_updates_total",
		Help:      "Balance changes queued while the transfer rate was unknown.",
	}, []string{"book"})

	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerbook",
		Name:      "invariant_violations_total",
		Help:      "Units of work abandoned due to fatal precondition failures.",
	}, []string{"book"})

	BookDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledgerbook",
		Name:      "book_depth",
		Help:      "Live offers currently held in the collection.",
	}, []string{"book"})

	Listeners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledgerbook",
		Name:      "listeners",
		Help:      "Registered event listeners per book.",
	}, []string{"book"})

	ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerbook",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying one transaction notification.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"book"})
)
