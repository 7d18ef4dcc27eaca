// Package notify delivers user-facing messages about billing transitions.
// Messages are queued as jobs after the transition commits and delivered by
// the worker, so delivery failures never affect billing state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
	"github.com/PortNumber53/entitlement-engine/backend/internal/subscription"
	"github.com/PortNumber53/entitlement-engine/backend/internal/worker"
)

// JobKind is the queue kind of notification jobs.
const JobKind = "notify.billing"

// Kind names a notification.
type Kind string

const (
	TrialStarted          Kind = "trial_started"
	Activated             Kind = "activated"
	CancellationScheduled Kind = "cancellation_scheduled"
	Cancelled             Kind = "cancelled"
	PaymentFailed         Kind = "payment_failed"
	LifetimeGranted       Kind = "lifetime_granted"
)

// Notification is one message to an account.
type Notification struct {
	AccountID string       `json:"account_id"`
	Kind      Kind         `json:"kind"`
	Plan      plans.Code   `json:"plan,omitempty"`
	PeriodEnd *time.Time   `json:"period_end,omitempty"`
	Locale    plans.Locale `json:"locale,omitempty"`
}

// Dispatcher sends a notification over some channel.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// ForTransition returns the notification owed for tr, if any.
func ForTransition(accountID string, tr subscription.Transition, kind subscription.Kind) (Notification, bool) {
	if tr.Ignored || !tr.Changed {
		return Notification{}, false
	}
	n := Notification{
		AccountID: accountID,
		Plan:      tr.Account.Plan(),
		PeriodEnd: tr.Account.CurrentPeriodEnd,
	}

	switch {
	case kind == subscription.InvoicePaymentFailed && tr.To == models.StatusInactive:
		n.Kind = PaymentFailed
	case !tr.StatusChanged():
		return Notification{}, false
	case tr.To == models.StatusTrial:
		n.Kind = TrialStarted
		n.PeriodEnd = tr.Account.TrialEndDate
	case tr.To == models.StatusActive:
		n.Kind = Activated
	case tr.To == models.StatusCancelAtPeriodEnd:
		n.Kind = CancellationScheduled
	case tr.To == models.StatusCancelled:
		n.Kind = Cancelled
	case tr.To == models.StatusInactive && tr.From == models.StatusTrial:
		n.Kind = Cancelled
	case tr.To == models.StatusLifetime:
		n.Kind = LifetimeGranted
	default:
		return Notification{}, false
	}
	return n, true
}

// JobQueue is where notification jobs are stored.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// Outbox queues notifications for the worker.
type Outbox struct {
	queue  JobQueue
	locale plans.Locale
}

// NewOutbox creates an Outbox. A nil queue drops every notification.
func NewOutbox(queue JobQueue, locale plans.Locale) *Outbox {
	return &Outbox{queue: queue, locale: locale}
}

// Notify queues n. Failures are logged and never returned: billing state
// has already been committed.
func (o *Outbox) Notify(ctx context.Context, n Notification) {
	if o == nil || o.queue == nil {
		return
	}
	if n.Locale == "" {
		n.Locale = o.locale
	}
	job, err := models.NewJob(JobKind, n)
	if err == nil {
		err = o.queue.Enqueue(ctx, job)
	}
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "enqueue_failed").Inc()
		log.Error().Err(err).Str("account_id", n.AccountID).Str("kind", string(n.Kind)).Msg("notify: enqueue failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "queued").Inc()
}

// Handler returns the worker handler delivering queued notifications.
func Handler(d Dispatcher) worker.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var n Notification
		if err := json.Unmarshal(job.Payload, &n); err != nil {
			return worker.Permanent(fmt.Errorf("notify: decode payload: %w", err))
		}
		if n.AccountID == "" || n.Kind == "" {
			return worker.Permanent(fmt.Errorf("notify: payload lacks account or kind"))
		}

		if err := d.Send(ctx, n); err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "failed").Inc()
			return err
		}
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "sent").Inc()
		return nil
	}
}

// LogDispatcher only logs. It is used when no messaging channel is configured.
type LogDispatcher struct{}

// Send logs n.
func (LogDispatcher) Send(_ context.Context, n Notification) error {
	log.Info().Str("account_id", n.AccountID).Str("kind", string(n.Kind)).
		Str("plan", string(n.Plan)).Msg("notify: " + Text(n))
	return nil
}
