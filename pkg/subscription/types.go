package subscription

import (
	"encoding/json"
	"time"
)

// Status is the provider-defined subscription status. Values outside the
// known set are stored verbatim.
type Status string

const (
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusEnded             Status = "ended"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

// Entitling reports whether a subscription in this status grants its plan.
func (s Status) Entitling() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

// Terminal reports whether the subscription can no longer become active again.
// A new checkout may supersede a terminal row.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusEnded, StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// PaymentMethod is display metadata only. It is never used for authorization.
type PaymentMethod struct {
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// Subscription is one user's relationship with the payment provider.
type Subscription struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	CustomerID     string        `json:"customerId"`
	SubscriptionID string        `json:"subscriptionId"`
	Status         Status        `json:"status"`
	Plan           string        `json:"plan"`
	PlanName       string        `json:"planName"`
	RenewsAt       *time.Time    `json:"renewsAt"`
	TrialEnd       *time.Time    `json:"trialEnd"`
	CancelAt       *time.Time    `json:"cancelAt"`
	CanceledAt     *time.Time    `json:"canceledAt"`
	EndedAt        *time.Time    `json:"endedAt"`
	PriceAmount    int64         `json:"priceAmount"`
	Currency       string        `json:"currency"`
	Quantity       int64         `json:"quantity"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	Metadata       Metadata      `json:"metadata"`
	LastEventAt    *time.Time    `json:"lastEventAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.RenewsAt = cloneTime(s.RenewsAt)
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.CancelAt = cloneTime(s.CancelAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.EndedAt = cloneTime(s.EndedAt)
	c.LastEventAt = cloneTime(s.LastEventAt)
	c.Metadata = s.Metadata.Clone()
	return &c
}

// SubscriptionUpdate carries the provider-owned fields of an "updated"-class
// event. It is applied as a pure overwrite keyed by SubscriptionID.
type SubscriptionUpdate struct {
	SubscriptionID string
	CustomerID     string
	Status         Status
	RenewsAt       *time.Time
	TrialEnd       *time.Time
	CancelAt       *time.Time
	CanceledAt     *time.Time
	EndedAt        *time.Time
	Quantity       int64
	// PriceAmount and Plan are left untouched when zero.
	PriceAmount int64
	Plan        string
	// EventAt is the provider's event creation time. An update older than
	// the row's LastEventAt is skipped.
	EventAt time.Time
}

// Apply overwrites the provider-owned fields of sub with u.
func (u *SubscriptionUpdate) Apply(sub *Subscription) {
	if u.CustomerID != "" {
		sub.CustomerID = u.CustomerID
	}
	sub.Status = u.Status
	sub.RenewsAt = cloneTime(u.RenewsAt)
	sub.TrialEnd = cloneTime(u.TrialEnd)
	sub.CancelAt = cloneTime(u.CancelAt)
	sub.CanceledAt = cloneTime(u.CanceledAt)
	sub.EndedAt = cloneTime(u.EndedAt)
	if u.Quantity > 0 {
		sub.Quantity = u.Quantity
	}
	if u.PriceAmount > 0 {
		sub.PriceAmount = u.PriceAmount
	}
	if u.Plan != "" {
		sub.Plan = u.Plan
	}
	at := u.EventAt.UTC()
	sub.LastEventAt = &at
	sub.UpdatedAt = at
}

// Stale reports whether u is older than the last event applied to sub.
func (u *SubscriptionUpdate) Stale(sub *Subscription) bool {
	return sub.LastEventAt != nil && sub.LastEventAt.After(u.EventAt)
}

// UpdateResult describes the outcome of ApplySubscriptionUpdate.
type UpdateResult struct {
	Applied        bool
	PreviousStatus Status
	Subscription   *Subscription
}

// TransactionTypePayment marks a one-off payment ledger entry.
const TransactionTypePayment = "payment"

// Transaction is an append-only billing ledger entry.
type Transaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Amount          string          `json:"amount"`
	Currency        string          `json:"currency"`
	EventID         string          `json:"eventId"`
	Payload         json.RawMessage `json:"payload"`
	PaymentMethod   string          `json:"paymentMethod"`
	Status          string          `json:"status"`
	TransactionType string          `json:"transactionType"`
	Metadata        Metadata        `json:"metadata"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// ListFilter selects subscriptions for sweeps.
type ListFilter struct {
	Statuses []Status
	Limit    int
}

// Matches reports whether sub passes the status filter.
func (f ListFilter) Matches(sub *Subscription) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if sub.Status == st {
			return true
		}
	}
	return false
}

// EntitlingStatuses lists the statuses for which a plan is granted.
func EntitlingStatuses() []Status {
	return []Status{StatusTrialing, StatusActive, StatusPastDue}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
