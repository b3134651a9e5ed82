// Package storagetest holds the behavioural suite every subscription.Storage
// backend must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psicoid/billing/pkg/subscription"
)

// Factory returns an empty storage for one subtest.
type Factory func(t *testing.T) subscription.Storage

var base = time.Date(2029, 12, 1, 12, 0, 0, 0, time.UTC)

// NewSubscription returns a fully populated row for userID/subscriptionID.
func NewSubscription(userID, subscriptionID string) *subscription.Subscription {
	renews := base.AddDate(0, 1, 0)
	return &subscription.Subscription{
		ID:             uuid.NewString(),
		UserID:         userID,
		CustomerID:     "cus_" + userID,
		SubscriptionID: subscriptionID,
		Status:         subscription.StatusActive,
		Plan:           "pro",
		PlanName:       "Psico Pro",
		RenewsAt:       &renews,
		PriceAmount:    4990,
		Currency:       "brl",
		Quantity:       1,
		PaymentMethod:  subscription.PaymentMethod{Brand: "visa", Last4: "4242"},
		Metadata: subscription.Metadata{
			Kind:         subscription.MetadataSubscription,
			Subscription: &subscription.SubscriptionMetadata{UserID: userID, Plan: "pro"},
			Extra:        map[string]string{"campaign": "launch"},
		},
		LastEventAt: &base,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

// Run executes the suite against storages produced by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStorage(t)) })
	t.Run("SingleRowPerUser", func(t *testing.T) { testSingleRowPerUser(t, newStorage(t)) })
	t.Run("UniqueExternalID", func(t *testing.T) { testUniqueExternalID(t, newStorage(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStorage(t)) })
	t.Run("ReplaceSubscription", func(t *testing.T) { testReplace(t, newStorage(t)) })
	t.Run("UpdateIsIdempotent", func(t *testing.T) { testUpdateIdempotent(t, newStorage(t)) })
	t.Run("UpdateWithoutRow", func(t *testing.T) { testUpdateWithoutRow(t, newStorage(t)) })
	t.Run("StaleUpdateSkipped", func(t *testing.T) { testStaleUpdate(t, newStorage(t)) })
	t.Run("ListSubscriptions", func(t *testing.T) { testList(t, newStorage(t)) })
	t.Run("ListWithoutLimitReturnsAll", func(t *testing.T) { testListUnlimited(t, newStorage(t)) })
	t.Run("TransactionsAppendOnly", func(t *testing.T) { testTransactions(t, newStorage(t)) })
}

func testCreateAndGet(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	sub := NewSubscription("user_1", "sub_1")
	require.NoError(t, s.CreateSubscription(ctx, sub))

	byUser, err := s.GetSubscriptionByUserID(ctx, "user_1")
	require.NoError(t, err)
	AssertSameRow(t, sub, byUser)

	byExt, err := s.GetSubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	AssertSameRow(t, sub, byExt)

	_, err = s.GetSubscriptionByUserID(ctx, "nobody")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	_, err = s.GetSubscriptionByExternalID(ctx, "sub_missing")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func testSingleRowPerUser(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, NewSubscription("user_1", "sub_1")))

	err := s.CreateSubscription(ctx, NewSubscription("user_1", "sub_2"))
	assert.ErrorIs(t, err, subscription.ErrAlreadyExists)

	_, err = s.GetSubscriptionByExternalID(ctx, "sub_2")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func testUniqueExternalID(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, NewSubscription("user_1", "sub_1")))

	err := s.CreateSubscription(ctx, NewSubscription("user_2", "sub_1"))
	assert.ErrorIs(t, err, subscription.ErrAlreadyExists)

	_, err = s.GetSubscriptionByUserID(ctx, "user_2")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func testConcurrentCreate(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.CreateSubscription(ctx, NewSubscription("user_race", fmt.Sprintf("sub_race_%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, subscription.ErrAlreadyExists)
	}
	assert.Equal(t, 1, created, "exactly one concurrent create must win")
}

func testReplace(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	old := NewSubscription("user_1", "sub_old")
	old.Status = subscription.StatusCanceled
	require.NoError(t, s.CreateSubscription(ctx, old))

	next := NewSubscription("user_1", "sub_new")
	next.ID = old.ID
	next.CreatedAt = old.CreatedAt
	require.NoError(t, s.ReplaceSubscription(ctx, next))

	got, err := s.GetSubscriptionByUserID(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", got.SubscriptionID)

	_, err = s.GetSubscriptionByExternalID(ctx, "sub_old")
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	missing := NewSubscription("user_9", "sub_9")
	assert.ErrorIs(t, s.ReplaceSubscription(ctx, missing), subscription.ErrNotFound)
}

func testUpdateIdempotent(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	sub := NewSubscription("user_1", "sub_123")
	sub.Status = subscription.StatusTrialing
	require.NoError(t, s.CreateSubscription(ctx, sub))

	renews := time.Unix(1893456000, 0).UTC()
	upd := &subscription.SubscriptionUpdate{
		SubscriptionID: "sub_123",
		Status:         subscription.StatusActive,
		RenewsAt:       &renews,
		Quantity:       1,
		EventAt:        base.Add(time.Hour),
	}

	res, err := s.ApplySubscriptionUpdate(ctx, upd)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, subscription.StatusTrialing, res.PreviousStatus)

	first, err := s.GetSubscriptionByExternalID(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, first.Status)
	require.NotNil(t, first.RenewsAt)
	assert.Equal(t, "2030-01-01T00:00:00Z", first.RenewsAt.Format(time.RFC3339))

	_, err = s.ApplySubscriptionUpdate(ctx, upd)
	require.NoError(t, err)

	second, err := s.GetSubscriptionByExternalID(ctx, "sub_123")
	require.NoError(t, err)
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func testUpdateWithoutRow(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, NewSubscription("user_1", "sub_1")))

	_, err := s.ApplySubscriptionUpdate(ctx, &subscription.SubscriptionUpdate{
		SubscriptionID: "sub_unknown",
		Status:         subscription.StatusCanceled,
		EventAt:        base.Add(time.Hour),
	})
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	_, err = s.GetSubscriptionByExternalID(ctx, "sub_unknown")
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	all, err := s.ListSubscriptions(ctx, subscription.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testStaleUpdate(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, NewSubscription("user_1", "sub_1")))

	res, err := s.ApplySubscriptionUpdate(ctx, &subscription.SubscriptionUpdate{
		SubscriptionID: "sub_1",
		Status:         subscription.StatusPastDue,
		EventAt:        base.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	got, err := s.GetSubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
}

func testList(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	a := NewSubscription("user_a", "sub_a")
	b := NewSubscription("user_b", "sub_b")
	b.Status = subscription.StatusCanceled
	b.CreatedAt = base.Add(time.Minute)
	c := NewSubscription("user_c", "sub_c")
	c.Status = subscription.StatusPastDue
	c.CreatedAt = base.Add(2 * time.Minute)
	for _, sub := range []*subscription.Subscription{a, b, c} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	got, err := s.ListSubscriptions(ctx, subscription.ListFilter{Statuses: subscription.EntitlingStatuses()})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sub_a", got[0].SubscriptionID)
	assert.Equal(t, "sub_c", got[1].SubscriptionID)

	limited, err := s.ListSubscriptions(ctx, subscription.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testTransactions(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	tx := &subscription.Transaction{
		ID:              uuid.NewString(),
		UserID:          "user_1",
		Amount:          "5000",
		Currency:        "brl",
		EventID:         "cs_test_1",
		Payload:         json.RawMessage(`{"id":"cs_test_1"}`),
		PaymentMethod:   "card",
		Status:          "paid",
		TransactionType: subscription.TransactionTypePayment,
		Metadata: subscription.Metadata{
			Kind:    subscription.MetadataPayment,
			Payment: &subscription.PaymentMetadata{UserID: "user_1", Amount: "5000"},
		},
		CreatedAt: base,
	}

	created, err := s.AppendTransaction(ctx, tx)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *tx
	dup.ID = uuid.NewString()
	created, err = s.AppendTransaction(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created, "same event id must not append twice")

	second := *tx
	second.ID = uuid.NewString()
	second.EventID = "cs_test_2"
	second.CreatedAt = base.Add(time.Hour)
	_, err = s.AppendTransaction(ctx, &second)
	require.NoError(t, err)

	list, err := s.ListTransactions(ctx, "user_1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cs_test_2", list[0].EventID)
	assert.Equal(t, "5000", list[1].Amount)
	assert.Equal(t, subscription.TransactionTypePayment, list[1].TransactionType)
	assert.JSONEq(t, `{"id":"cs_test_1"}`, string(list[1].Payload))

	other, err := s.ListTransactions(ctx, "user_2", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	sub, err := s.ListSubscriptions(ctx, subscription.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, sub, "ledger appends must not touch subscriptions")
}

// AssertSameRow compares two rows field by field, ignoring time zone representation.
func AssertSameRow(t *testing.T, want, got *subscription.Subscription) {
	t.Helper()
	a, err := json.Marshal(want)
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

// unlimitedRows is above any page size a backend might apply by default.
const unlimitedRows = 1050

func testListUnlimited(t *testing.T, s subscription.Storage) {
	ctx := context.Background()
	for i := 0; i < unlimitedRows; i++ {
		sub := NewSubscription(fmt.Sprintf("user_%04d", i), fmt.Sprintf("sub_%04d", i))
		sub.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	all, err := s.ListSubscriptions(ctx, subscription.ListFilter{Statuses: subscription.EntitlingStatuses()})
	require.NoError(t, err)
	assert.Len(t, all, unlimitedRows)

	all, err = s.ListSubscriptions(ctx, subscription.ListFilter{Limit: -1})
	require.NoError(t, err)
	assert.Len(t, all, unlimitedRows)

	page, err := s.ListSubscriptions(ctx, subscription.ListFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page, 10)
}
