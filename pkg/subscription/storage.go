package subscription

import "context"

// Storage persists subscriptions and ledger transactions.
//
// Implementations must enforce one subscription per user id and one per
// external subscription id, and must apply updates atomically with respect
// to the stale-event check.
type Storage interface {
	// GetSubscriptionByUserID returns ErrNotFound when the user has no row.
	GetSubscriptionByUserID(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByExternalID returns ErrNotFound when no row carries the id.
	GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CreateSubscription inserts a new row. Returns ErrAlreadyExists when the
	// user id or external subscription id is already present.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// ReplaceSubscription overwrites the row with sub.ID. Returns ErrNotFound
	// when the row is gone and ErrAlreadyExists when the new external id
	// belongs to another row.
	ReplaceSubscription(ctx context.Context, sub *Subscription) error

	// ApplySubscriptionUpdate overwrites the provider-owned fields of the row
	// located by upd.SubscriptionID. Returns ErrNotFound when no row matches.
	ApplySubscriptionUpdate(ctx context.Context, upd *SubscriptionUpdate) (*UpdateResult, error)

	// ListSubscriptions returns rows matching filter ordered by creation time.
	ListSubscriptions(ctx context.Context, filter ListFilter) ([]*Subscription, error)

	// AppendTransaction adds a ledger entry. A second entry with the same
	// EventID is ignored and reported with created == false.
	AppendTransaction(ctx context.Context, tx *Transaction) (created bool, err error)

	// ListTransactions returns the user's ledger newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}
