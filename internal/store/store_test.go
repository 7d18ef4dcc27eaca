package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

var (
	testNow     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testCreated = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	accountCols = []string{
		"id", "subscription_status", "current_plan", "stripe_customer_id", "stripe_subscription_id",
		"current_period_end", "trial_end_date", "cancelled_at", "has_used_trial", "coupon_used",
		"last_event_at", "ended_subscription_id", "created_at", "updated_at",
	}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	s, err := New(db)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s, mock
}

func inactiveRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(accountCols).
		AddRow(id, "inactive", nil, nil, nil, nil, nil, nil, false, nil, nil, nil, testCreated, testCreated)
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestGetAccountScansNullableColumns(t *testing.T) {
	s, mock := newMockStore(t)
	periodEnd := testNow.Add(72 * time.Hour)

	rows := sqlmock.NewRows(accountCols).
		AddRow("acct-1", "trial", "monthly", "cus_1", "sub_1", periodEnd, periodEnd, nil, true, nil, testNow, "sub_0", testCreated, testCreated)
	mock.ExpectQuery(`SELECT id, subscription_status`).WithArgs("acct-1").WillReturnRows(rows)

	a, err := s.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetAccount returned error: %v", err)
	}
	if a.SubscriptionStatus != models.StatusTrial {
		t.Fatalf("unexpected status: %s", a.SubscriptionStatus)
	}
	if a.Plan() != plans.Monthly {
		t.Fatalf("unexpected plan: %s", a.Plan())
	}
	if a.SubscriptionRef() != "sub_1" {
		t.Fatalf("unexpected subscription ref: %s", a.SubscriptionRef())
	}
	if a.CancelledAt != nil || a.CouponUsed != nil {
		t.Fatal("expected NULL columns to scan as nil")
	}
	if a.TrialEndDate == nil || !a.TrialEndDate.Equal(periodEnd) {
		t.Fatalf("unexpected trial end: %v", a.TrialEndDate)
	}
	if a.LastEventAt == nil || !a.LastEventAt.Equal(testNow) {
		t.Fatalf("unexpected last event: %v", a.LastEventAt)
	}
	if a.EndedSubscriptionID == nil || *a.EndedSubscriptionID != "sub_0" {
		t.Fatalf("unexpected ended subscription: %v", a.EndedSubscriptionID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, subscription_status`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(accountCols))

	_, err := s.GetAccount(context.Background(), "missing")
	if !errors.Is(err, billing.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAccountIDByProviderRef(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id\s+FROM accounts`).WithArgs("sub_1", "cus_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-1"))

	id, err := s.AccountIDByProviderRef(context.Background(), "sub_1", "cus_1")
	if err != nil {
		t.Fatalf("AccountIDByProviderRef returned error: %v", err)
	}
	if id != "acct-1" {
		t.Fatalf("unexpected account id: %s", id)
	}

	if _, err := s.AccountIDByProviderRef(context.Background(), "", ""); !errors.Is(err, billing.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound without refs, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMutateAccountWritesInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WithArgs("acct-1", testNow).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, subscription_status .* FOR UPDATE`).WithArgs("acct-1").WillReturnRows(inactiveRow("acct-1"))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs("acct-1", "active", "monthly", "cus_1", "sub_1", sqlmock.AnyArg(), nil, nil, false, nil, testNow, testCreated, testNow, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pending_trial_intents`).WithArgs("int-1", testNow, "evt_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO processed_events`).WithArgs("evt_1", "checkout.session.completed", "acct-1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	accountID := "acct-1"
	got, err := s.MutateAccount(context.Background(), accountID, testNow, func(current models.Account) (Mutation, error) {
		if current.SubscriptionStatus != models.StatusInactive {
			t.Fatalf("unexpected current status: %s", current.SubscriptionStatus)
		}
		next := current
		plan := plans.Monthly
		cus, sub := "cus_1", "sub_1"
		end := testNow.Add(30 * 24 * time.Hour)
		next.SubscriptionStatus = models.StatusActive
		next.CurrentPlan = &plan
		next.StripeCustomerID = &cus
		next.StripeSubscriptionID = &sub
		next.CurrentPeriodEnd = &end
		next.LastEventAt = &testNow
		return Mutation{
			Account:  next,
			Write:    true,
			IntentID: "int-1",
			Event: &models.ProcessedEvent{
				EventID:     "evt_1",
				Kind:        "checkout.session.completed",
				AccountID:   &accountID,
				ProcessedAt: testNow,
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("MutateAccount returned error: %v", err)
	}
	if got.SubscriptionStatus != models.StatusActive || !got.UpdatedAt.Equal(testNow) {
		t.Fatalf("unexpected result: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMutateAccountDuplicateEventRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(inactiveRow("acct-1"))
	mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.MutateAccount(context.Background(), "acct-1", testNow, func(current models.Account) (Mutation, error) {
		return Mutation{Account: current, Event: &models.ProcessedEvent{EventID: "evt_1", Kind: "invoice.paid", ProcessedAt: testNow}}, nil
	})
	if !errors.Is(err, billing.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMutateAccountStaleRowIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(inactiveRow("acct-1"))
	mock.ExpectExec(`UPDATE accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.MutateAccount(context.Background(), "acct-1", testNow, func(current models.Account) (Mutation, error) {
		current.SubscriptionStatus = models.StatusActive
		return Mutation{Account: current, Write: true}, nil
	})
	if !errors.Is(err, billing.ErrPersistenceConflict) {
		t.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}
}

func TestMutateAccountDeadlockIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	_, err := s.MutateAccount(context.Background(), "acct-1", testNow, func(current models.Account) (Mutation, error) {
		t.Fatal("callback must not run")
		return Mutation{}, nil
	})
	if !errors.Is(err, billing.ErrPersistenceConflict) {
		t.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}
}

func TestMutateAccountCallbackErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	wantErr := &billing.CancellationError{Reason: "no active subscription"}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(inactiveRow("acct-1"))
	mock.ExpectRollback()

	_, err := s.MutateAccount(context.Background(), "acct-1", testNow, func(models.Account) (Mutation, error) {
		return Mutation{}, wantErr
	})
	if !errors.Is(err, billing.ErrInvalidCancellation) {
		t.Fatalf("expected ErrInvalidCancellation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemUsedCoupon(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(inactiveRow("acct-2"))
	mock.ExpectExec(`UPDATE accounts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO coupon_redemptions`).WithArgs("CF600-1M-0001", "CF600-1M", "acct-2", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.MutateAccount(context.Background(), "acct-2", testNow, func(current models.Account) (Mutation, error) {
		return Mutation{
			Account: current,
			Write:   true,
			Coupon:  &models.CouponRedemption{Code: "CF600-1M-0001", CouponType: "CF600-1M", AccountID: "acct-2", RedeemedAt: testNow},
		}, nil
	})
	if !errors.Is(err, billing.ErrCouponAlreadyUsed) {
		t.Fatalf("expected ErrCouponAlreadyUsed, got %v", err)
	}
}

func TestRecentPendingIntents(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "account_id", "plan_type", "status", "created_at", "completed_at", "completed_by_event"}).
		AddRow("int-2", "acct-2", "monthly", "pending", testNow, nil, nil).
		AddRow("int-1", "acct-1", "annual", "pending", testNow.Add(-time.Minute), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = 'pending'`)).WithArgs(5).WillReturnRows(rows)

	intents, err := s.RecentPendingIntents(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentPendingIntents returned error: %v", err)
	}
	if len(intents) != 2 || intents[0].ID != "int-2" || intents[1].PlanType != plans.Annual {
		t.Fatalf("unexpected intents: %+v", intents)
	}
}

func TestIntentCompletedByEventMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`completed_by_event = \$1`).WithArgs("evt_9").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "plan_type", "status", "created_at", "completed_at", "completed_by_event"}))

	in, err := s.IntentCompletedByEvent(context.Background(), "evt_9")
	if err != nil {
		t.Fatalf("IntentCompletedByEvent returned error: %v", err)
	}
	if in != nil {
		t.Fatalf("expected nil intent, got %+v", in)
	}
}

func TestIsEventProcessed(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("evt_1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.IsEventProcessed(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("IsEventProcessed returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected event to be processed")
	}
}

func TestCleanupProcessedEvents(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM processed_events`).WithArgs(testNow.Add(-720 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.CleanupProcessedEvents(context.Background(), 720*time.Hour, testNow)
	if err != nil {
		t.Fatalf("CleanupProcessedEvents returned error: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 rows, got %d", n)
	}
}

func TestUsageCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	u, err := NewUsageCounters(db)
	if err != nil {
		t.Fatalf("NewUsageCounters returned error: %v", err)
	}

	mock.ExpectQuery(`SELECT count FROM daily_usage_counters`).WithArgs("acct-1", "2026-03-01", "record").
		WillReturnRows(sqlmock.NewRows([]string{"count"}))
	mock.ExpectQuery(`ON CONFLICT \(account_id, day, quota_type\) DO UPDATE`).WithArgs("acct-1", "2026-03-01", "record").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	n, err := u.Count(context.Background(), "acct-1", "2026-03-01", models.QuotaRecord)
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v; want 0, nil", n, err)
	}
	n, err = u.Increment(context.Background(), "acct-1", "2026-03-01", models.QuotaRecord)
	if err != nil || n != 1 {
		t.Fatalf("Increment = %d, %v; want 1, nil", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
