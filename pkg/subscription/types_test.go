package subscription

import (
	"testing"
	"time"
)

func TestStatusClasses(t *testing.T) {
	tests := []struct {
		status    Status
		entitling bool
		terminal  bool
	}{
		{StatusTrialing, true, false},
		{StatusActive, true, false},
		{StatusPastDue, true, false},
		{StatusCanceled, false, true},
		{StatusEnded, false, true},
		{StatusIncompleteExpired, false, true},
		{StatusIncomplete, false, false},
		{StatusUnpaid, false, false},
		{Status("something_new"), false, false},
	}
	for _, tt := range tests {
		if got := tt.status.Entitling(); got != tt.entitling {
			t.Errorf("%s.Entitling() = %v, want %v", tt.status, got, tt.entitling)
		}
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestSubscriptionUpdateApplyIsOverwrite(t *testing.T) {
	renews := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	eventAt := time.Date(2029, 12, 1, 10, 0, 0, 0, time.UTC)
	sub := &Subscription{
		SubscriptionID: "sub_123",
		Status:         StatusTrialing,
		Plan:           "basic",
		Quantity:       1,
		CreatedAt:      eventAt.Add(-time.Hour),
	}
	upd := &SubscriptionUpdate{
		SubscriptionID: "sub_123",
		Status:         StatusActive,
		RenewsAt:       &renews,
		EventAt:        eventAt,
	}

	upd.Apply(sub)
	first := *sub.Clone()
	upd.Apply(sub)

	if sub.Status != StatusActive || !sub.RenewsAt.Equal(renews) {
		t.Fatalf("unexpected row after apply: %+v", sub)
	}
	if sub.Plan != "basic" || sub.Quantity != 1 {
		t.Errorf("untouched fields changed: plan=%s quantity=%d", sub.Plan, sub.Quantity)
	}
	if !sub.UpdatedAt.Equal(first.UpdatedAt) || !sub.LastEventAt.Equal(*first.LastEventAt) {
		t.Errorf("re-apply changed timestamps")
	}
}

func TestSubscriptionUpdateStale(t *testing.T) {
	last := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{LastEventAt: &last}

	if (&SubscriptionUpdate{EventAt: last}).Stale(sub) {
		t.Error("same-time event must not be stale")
	}
	if !(&SubscriptionUpdate{EventAt: last.Add(-time.Second)}).Stale(sub) {
		t.Error("older event must be stale")
	}
	if (&SubscriptionUpdate{EventAt: last}).Stale(&Subscription{}) {
		t.Error("row without events must accept any update")
	}
}
