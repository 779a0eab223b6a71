package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesPublished counts successful appends per stream.
	EntriesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_entries_published_total",
		Help: "Entries successfully appended to a stream",
	}, []string{"stream"})

	// PublishFailures counts failed appends. Publishes are never retried by
	// the bus, so every increment here surfaced an error to a caller.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_publish_failures_total",
		Help: "Failed publish attempts (propagated to callers)",
	}, []string{"stream"})

	// EntriesDelivered counts entries handed to handlers, split by phase
	// (resume or live).
	EntriesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_entries_delivered_total",
		Help: "Entries delivered to consumer handlers",
	}, []string{"stream", "group", "phase"})

	// EntriesAcked counts acknowledged entries.
	EntriesAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_entries_acked_total",
		Help: "Entries acknowledged after successful handling",
	}, []string{"stream", "group"})

	// HandlerFailures counts handler errors; the entry stays pending.
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_handler_failures_total",
		Help: "Handler invocations that returned an error or panicked",
	}, []string{"stream", "group"})

	// EntriesReclaimed counts pending entries reassigned past the
	// visibility timeout.
	EntriesReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_entries_reclaimed_total",
		Help: "Pending entries claimed away from an idle consumer",
	}, []string{"stream", "group"})

	// DeadLetters counts entries reported after exceeding max deliveries.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_dead_letters_total",
		Help: "Entries surfaced to the dead-letter path (left pending)",
	}, []string{"stream", "group"})

	// PendingDepth tracks the size of each group's pending ledger as seen by
	// the last sweep.
	PendingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "castbus_pending_depth",
		Help: "Pending ledger depth per consumer group at last sweep",
	}, []string{"stream", "group"})

	// StoreLatency tracks log store operation roundtrip latency.
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "castbus_store_roundtrip_latency_seconds",
		Help:    "Log store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// StoreRetries counts subscriber-loop retries after store
	// connectivity failures.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_store_retries_total",
		Help: "Backoff-and-retry cycles after log store connectivity errors",
	}, []string{"stream", "group"})

	// APIRateLimited counts admin API requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbus_api_rate_limited_total",
		Help: "Admin API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})
)
