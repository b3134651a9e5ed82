// Package memory provides an in-memory implementation of the subscription.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/psicoid/billing/pkg/subscription"
)

// Storage implements subscription.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription.Subscription // internal id -> row
	byUser        map[string]string                     // user id -> internal id
	byExternal    map[string]string                     // external subscription id -> internal id
	transactions  []*subscription.Transaction
	txByEvent     map[string]struct{}
}

// New creates a new in-memory storage adapter
func New() *Storage {
	s := &Storage{}
	s.reset()
	return s
}

func (s *Storage) reset() {
	s.subscriptions = make(map[string]*subscription.Subscription)
	s.byUser = make(map[string]string)
	s.byExternal = make(map[string]string)
	s.transactions = nil
	s.txByEvent = make(map[string]struct{})
}

// GetSubscriptionByUserID implements subscription.Storage
func (s *Storage) GetSubscriptionByUserID(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return s.subscriptions[id].Clone(), nil
}

// GetSubscriptionByExternalID implements subscription.Storage
func (s *Storage) GetSubscriptionByExternalID(_ context.Context, subscriptionID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[subscriptionID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return s.subscriptions[id].Clone(), nil
}

// CreateSubscription implements subscription.Storage
func (s *Storage) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	if err := checkRow(sub); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; ok {
		return fmt.Errorf("%w: subscription id %s", subscription.ErrAlreadyExists, sub.ID)
	}
	if _, ok := s.byUser[sub.UserID]; ok {
		return fmt.Errorf("%w: user %s already has a subscription", subscription.ErrAlreadyExists, sub.UserID)
	}
	if _, ok := s.byExternal[sub.SubscriptionID]; ok {
		return fmt.Errorf("%w: external subscription %s", subscription.ErrAlreadyExists, sub.SubscriptionID)
	}

	s.subscriptions[sub.ID] = sub.Clone()
	s.byUser[sub.UserID] = sub.ID
	s.byExternal[sub.SubscriptionID] = sub.ID
	return nil
}

// ReplaceSubscription implements subscription.Storage
func (s *Storage) ReplaceSubscription(_ context.Context, sub *subscription.Subscription) error {
	if err := checkRow(sub); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.subscriptions[sub.ID]
	if !ok {
		return subscription.ErrNotFound
	}
	if owner, ok := s.byExternal[sub.SubscriptionID]; ok && owner != sub.ID {
		return fmt.Errorf("%w: external subscription %s", subscription.ErrAlreadyExists, sub.SubscriptionID)
	}
	if owner, ok := s.byUser[sub.UserID]; ok && owner != sub.ID {
		return fmt.Errorf("%w: user %s already has a subscription", subscription.ErrAlreadyExists, sub.UserID)
	}

	delete(s.byExternal, old.SubscriptionID)
	delete(s.byUser, old.UserID)
	s.subscriptions[sub.ID] = sub.Clone()
	s.byUser[sub.UserID] = sub.ID
	s.byExternal[sub.SubscriptionID] = sub.ID
	return nil
}

// ApplySubscriptionUpdate implements subscription.Storage
func (s *Storage) ApplySubscriptionUpdate(_ context.Context, upd *subscription.SubscriptionUpdate) (*subscription.UpdateResult, error) {
	if upd == nil || upd.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: update without subscription id", subscription.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[upd.SubscriptionID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	row := s.subscriptions[id]
	result := &subscription.UpdateResult{PreviousStatus: row.Status}

	if upd.Stale(row) {
		result.Subscription = row.Clone()
		return result, nil
	}

	upd.Apply(row)
	result.Applied = true
	result.Subscription = row.Clone()
	return result, nil
}

// ListSubscriptions implements subscription.Storage
func (s *Storage) ListSubscriptions(_ context.Context, filter subscription.ListFilter) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if filter.Matches(sub) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendTransaction implements subscription.Storage
func (s *Storage) AppendTransaction(_ context.Context, tx *subscription.Transaction) (bool, error) {
	if tx == nil || tx.ID == "" || tx.UserID == "" || tx.EventID == "" {
		return false, fmt.Errorf("%w: transaction requires id, user id and event id", subscription.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txByEvent[tx.EventID]; ok {
		return false, nil
	}
	c := *tx
	c.Payload = append([]byte(nil), tx.Payload...)
	c.Metadata = tx.Metadata.Clone()
	s.transactions = append(s.transactions, &c)
	s.txByEvent[tx.EventID] = struct{}{}
	return true, nil
}

// ListTransactions implements subscription.Storage
func (s *Storage) ListTransactions(_ context.Context, userID string, limit int) ([]*subscription.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subscription.Transaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.UserID != userID {
			continue
		}
		c := *tx
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func checkRow(sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" || sub.SubscriptionID == "" {
		return fmt.Errorf("%w: subscription requires id, user id and external id", subscription.ErrValidation)
	}
	return nil
}
