// Package metrics holds the Prometheus collectors of the billing service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "entitlements"

var (
	// WebhookEventsTotal counts billing events by kind and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Billing events received by kind and outcome.",
	}, []string{"kind", "outcome"})

	// WebhookDuration tracks billing event processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Billing event processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// IdentityResolutionsTotal counts resolutions by strategy and confidence.
	IdentityResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "identity",
		Name:      "resolutions_total",
		Help:      "Identity resolutions by strategy and confidence.",
	}, []string{"strategy", "confidence"})

	// StateTransitionsTotal counts subscription status changes.
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "transitions_total",
		Help:      "Subscription status transitions.",
	}, []string{"from", "to"})

	// PersistenceRetriesTotal counts account writes retried after a conflict.
	PersistenceRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "conflict_retries_total",
		Help:      "Account writes retried after a persistence conflict.",
	})

	// QuotaDecisionsTotal counts quota checks by quota type and result.
	QuotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "decisions_total",
		Help:      "Usage quota decisions by quota type and result.",
	}, []string{"quota_type", "result"})

	// QuotaStoreFailuresTotal counts counter store failures that degraded to allowed.
	QuotaStoreFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "store_failures_total",
		Help:      "Counter store failures answered with allowed.",
	}, []string{"operation"})

	// NotificationsTotal counts notification deliveries by outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification deliveries by message kind and outcome.",
	}, []string{"kind", "outcome"})

	// JobsTotal counts background job runs by kind and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Job runs by kind and outcome.",
	}, []string{"kind", "outcome"})

	// JobDuration tracks job handler latency.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Job handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
