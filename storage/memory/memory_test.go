package memory

import (
	"context"
	"testing"

	"github.com/psicoid/billing/pkg/subscription"
	"github.com/psicoid/billing/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subscription.Storage {
		return New()
	})
}

func TestReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := storagetest.NewSubscription("user_1", "sub_1")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	sub.Status = subscription.StatusEnded
	got, err := s.GetSubscriptionByUserID(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByUserID: %v", err)
	}
	if got.Status != subscription.StatusActive {
		t.Fatalf("stored row changed through caller pointer: %s", got.Status)
	}

	got.Metadata.Extra["campaign"] = "mutated"
	again, _ := s.GetSubscriptionByUserID(ctx, "user_1")
	if again.Metadata.Extra["campaign"] != "launch" {
		t.Fatalf("stored metadata changed through returned copy")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.CreateSubscription(ctx, storagetest.NewSubscription("user_1", "sub_1")); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	s.Clear()
	if _, err := s.GetSubscriptionByUserID(ctx, "user_1"); err != subscription.ErrNotFound {
		t.Fatalf("expected ErrNotFound after Clear, got %v", err)
	}
}

func TestRejectsIncompleteRows(t *testing.T) {
	s := New()
	err := s.CreateSubscription(context.Background(), &subscription.Subscription{ID: "x"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}
