// Package redis provides a Redis implementation of the subscription.Storage interface.
// Writes go through Lua scripts so uniqueness checks and index maintenance are atomic.
// Scripts touch several keys; on Redis Cluster use a KeyPrefix with a hash tag
// such as "{billing}:" so they share a slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/psicoid/billing/pkg/subscription"
)

const (
	defaultKeyPrefix = "billing:"

	resultOK         = "ok"
	resultConflict   = "conflict"
	resultNotFound   = "not_found"
	resultExistsID   = "exists:id"
	resultExistsUser = "exists:user"
	resultExistsExt  = "exists:external"
)

var errCASConflict = errors.New("concurrent modification")

// Storage implements subscription.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billing:")
	KeyPrefix string

	// MaxRetries bounds compare-and-swap retries on concurrent updates (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  defaultKeyPrefix,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS: row, user index, external index, creation order
	// ARGV: id, row json, score
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 'exists:id'
		end
		if redis.call('EXISTS', KEYS[2]) == 1 then
			return 'exists:user'
		end
		if redis.call('EXISTS', KEYS[3]) == 1 then
			return 'exists:external'
		end
		redis.call('SET', KEYS[1], ARGV[2])
		redis.call('SET', KEYS[2], ARGV[1])
		redis.call('SET', KEYS[3], ARGV[1])
		redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
		return 'ok'
	`)

	// KEYS: row, new user index, new external index, old user index, old external index, creation order
	// ARGV: id, expected row json, new row json, score
	s.scripts["replace"] = redis.NewScript(`
		local current = redis.call('GET', KEYS[1])
		if not current then
			return 'not_found'
		end
		if current ~= ARGV[2] then
			return 'conflict'
		end
		local owner = redis.call('GET', KEYS[2])
		if owner and owner ~= ARGV[1] then
			return 'exists:user'
		end
		owner = redis.call('GET', KEYS[3])
		if owner and owner ~= ARGV[1] then
			return 'exists:external'
		end
		redis.call('DEL', KEYS[4])
		redis.call('DEL', KEYS[5])
		redis.call('SET', KEYS[1], ARGV[3])
		redis.call('SET', KEYS[2], ARGV[1])
		redis.call('SET', KEYS[3], ARGV[1])
		redis.call('ZADD', KEYS[6], ARGV[4], ARGV[1])
		return 'ok'
	`)

	// Compare-and-swap of a row document.
	// KEYS: row
	// ARGV: expected row json, new row json
	s.scripts["swap"] = redis.NewScript(`
		local current = redis.call('GET', KEYS[1])
		if not current then
			return 'not_found'
		end
		if current ~= ARGV[1] then
			return 'conflict'
		end
		redis.call('SET', KEYS[1], ARGV[2])
		return 'ok'
	`)

	// KEYS: event marker, transaction, user ledger
	// ARGV: id, transaction json, score
	s.scripts["append"] = redis.NewScript(`
		if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
			return 0
		end
		redis.call('SET', KEYS[2], ARGV[2])
		redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
		return 1
	`)
}

func (s *Storage) subKey(id string) string         { return s.config.KeyPrefix + "sub:" + id }
func (s *Storage) userKey(userID string) string    { return s.config.KeyPrefix + "sub:user:" + userID }
func (s *Storage) externalKey(subID string) string { return s.config.KeyPrefix + "sub:ext:" + subID }
func (s *Storage) orderKey() string                { return s.config.KeyPrefix + "subs" }
func (s *Storage) txKey(id string) string          { return s.config.KeyPrefix + "tx:" + id }
func (s *Storage) txEventKey(eventID string) string {
	return s.config.KeyPrefix + "tx:event:" + eventID
}
func (s *Storage) txLedgerKey(userID string) string { return s.config.KeyPrefix + "tx:user:" + userID }

// GetSubscriptionByUserID implements subscription.Storage
func (s *Storage) GetSubscriptionByUserID(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, _, err := s.getVia(ctx, s.userKey(userID))
	return sub, err
}

// GetSubscriptionByExternalID implements subscription.Storage
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	sub, _, err := s.getVia(ctx, s.externalKey(subscriptionID))
	return sub, err
}

// getVia resolves an index key to the row and returns it with its raw document.
func (s *Storage) getVia(ctx context.Context, indexKey string) (*subscription.Subscription, string, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", subscription.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read index: %w", err)
	}
	return s.getRow(ctx, id)
}

func (s *Storage) getRow(ctx context.Context, id string) (*subscription.Subscription, string, error) {
	raw, err := s.client.Get(ctx, s.subKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", subscription.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read subscription: %w", err)
	}
	var sub subscription.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, raw, nil
}

// CreateSubscription implements subscription.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := checkRow(sub); err != nil {
		return err
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	res, err := s.scripts["create"].Run(ctx, s.client,
		[]string{s.subKey(sub.ID), s.userKey(sub.UserID), s.externalKey(sub.SubscriptionID), s.orderKey()},
		sub.ID, string(data), score(sub.CreatedAt.UnixMicro())).Text()
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return scriptResult(res)
}

// ReplaceSubscription implements subscription.Storage
func (s *Storage) ReplaceSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := checkRow(sub); err != nil {
		return err
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	return s.retry(func() error {
		old, raw, err := s.getRow(ctx, sub.ID)
		if err != nil {
			return err
		}
		res, err := s.scripts["replace"].Run(ctx, s.client,
			[]string{
				s.subKey(sub.ID), s.userKey(sub.UserID), s.externalKey(sub.SubscriptionID),
				s.userKey(old.UserID), s.externalKey(old.SubscriptionID), s.orderKey(),
			},
			sub.ID, raw, string(data), score(sub.CreatedAt.UnixMicro())).Text()
		if err != nil {
			return fmt.Errorf("failed to replace subscription: %w", err)
		}
		return scriptResult(res)
	})
}

// ApplySubscriptionUpdate implements subscription.Storage
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, upd *subscription.SubscriptionUpdate) (*subscription.UpdateResult, error) {
	if upd == nil || upd.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: update without subscription id", subscription.ErrValidation)
	}

	var result *subscription.UpdateResult
	err := s.retry(func() error {
		row, raw, err := s.getVia(ctx, s.externalKey(upd.SubscriptionID))
		if err != nil {
			return err
		}
		result = &subscription.UpdateResult{PreviousStatus: row.Status}
		if upd.Stale(row) {
			result.Subscription = row
			return nil
		}

		upd.Apply(row)
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		if string(data) == raw {
			result.Applied = true
			result.Subscription = row
			return nil
		}
		res, err := s.scripts["swap"].Run(ctx, s.client, []string{s.subKey(row.ID)}, raw, string(data)).Text()
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if err := scriptResult(res); err != nil {
			return err
		}
		result.Applied = true
		result.Subscription = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListSubscriptions implements subscription.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, filter subscription.ListFilter) ([]*subscription.Subscription, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]*subscription.Subscription, 0)
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subKey(id)
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	for _, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			continue
		}
		var sub subscription.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		if !filter.Matches(&sub) {
			continue
		}
		out = append(out, &sub)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// AppendTransaction implements subscription.Storage
func (s *Storage) AppendTransaction(ctx context.Context, tx *subscription.Transaction) (bool, error) {
	if tx == nil || tx.ID == "" || tx.UserID == "" || tx.EventID == "" {
		return false, fmt.Errorf("%w: transaction requires id, user id and event id", subscription.ErrValidation)
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return false, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	created, err := s.scripts["append"].Run(ctx, s.client,
		[]string{s.txEventKey(tx.EventID), s.txKey(tx.ID), s.txLedgerKey(tx.UserID)},
		tx.ID, string(data), score(tx.CreatedAt.UnixMicro())).Int()
	if err != nil {
		return false, fmt.Errorf("failed to append transaction: %w", err)
	}
	return created == 1, nil
}

// ListTransactions implements subscription.Storage
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*subscription.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, s.txLedgerKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]*subscription.Transaction, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.txKey(id)
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	for _, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			continue
		}
		var tx subscription.Transaction
		if err := json.Unmarshal([]byte(raw), &tx); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, nil
}

func (s *Storage) retry(fn func() error) error {
	var err error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, errCASConflict) {
			return err
		}
	}
	return err
}

func scriptResult(res string) error {
	switch res {
	case resultOK:
		return nil
	case resultNotFound:
		return subscription.ErrNotFound
	case resultConflict:
		return errCASConflict
	case resultExistsID:
		return fmt.Errorf("%w: subscription id", subscription.ErrAlreadyExists)
	case resultExistsUser:
		return fmt.Errorf("%w: user already has a subscription", subscription.ErrAlreadyExists)
	case resultExistsExt:
		return fmt.Errorf("%w: external subscription id", subscription.ErrAlreadyExists)
	default:
		return fmt.Errorf("unexpected script result %q", res)
	}
}

func score(micros int64) string {
	return strconv.FormatInt(micros, 10)
}

func checkRow(sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" || sub.SubscriptionID == "" {
		return fmt.Errorf("%w: subscription requires id, user id and external id", subscription.ErrValidation)
	}
	return nil
}
