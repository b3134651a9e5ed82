// Package postgres provides a PostgreSQL implementation of the subscription.Storage interface.
// Updates run in a transaction with SELECT FOR UPDATE so the stale-event check and the
// overwrite are atomic; uniqueness is enforced by constraints.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psicoid/billing/pkg/subscription"
)

const uniqueViolation = "23505"

const subscriptionColumns = `id::text, user_id, customer_id, subscription_id, status, plan, plan_name,
	renews_at, trial_end, cancel_at, canceled_at, ended_at, price_amount, currency, quantity,
	payment_method_brand, payment_method_last4, metadata, last_event_at, created_at, updated_at`

const transactionColumns = `id::text, user_id, amount, currency, event_id, payload, payment_method,
	status, transaction_type, metadata, created_at`

// Storage implements subscription.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSubscriptionByUserID implements subscription.Storage
func (s *Storage) GetSubscriptionByUserID(ctx context.Context, userID string) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

// GetSubscriptionByExternalID implements subscription.Storage
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1`, subscriptionID)
	return scanSubscription(row)
}

// CreateSubscription implements subscription.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := checkRow(sub); err != nil {
		return err
	}
	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, customer_id, subscription_id, status, plan, plan_name,
			renews_at, trial_end, cancel_at, canceled_at, ended_at, price_amount, currency, quantity,
			payment_method_brand, payment_method_last4, metadata, last_event_at, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		sub.ID, sub.UserID, sub.CustomerID, sub.SubscriptionID, string(sub.Status), sub.Plan, sub.PlanName,
		sub.RenewsAt, sub.TrialEnd, sub.CancelAt, sub.CanceledAt, sub.EndedAt,
		sub.PriceAmount, sub.Currency, sub.Quantity,
		sub.PaymentMethod.Brand, sub.PaymentMethod.Last4, metadata, sub.LastEventAt,
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC())
	if err != nil {
		return mapWriteError(err, "failed to create subscription")
	}
	return nil
}

// ReplaceSubscription implements subscription.Storage
func (s *Storage) ReplaceSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := checkRow(sub); err != nil {
		return err
	}
	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET user_id = $2, customer_id = $3, subscription_id = $4, status = $5,
			plan = $6, plan_name = $7, renews_at = $8, trial_end = $9, cancel_at = $10, canceled_at = $11,
			ended_at = $12, price_amount = $13, currency = $14, quantity = $15,
			payment_method_brand = $16, payment_method_last4 = $17, metadata = $18,
			last_event_at = $19, created_at = $20, updated_at = $21
		WHERE id = $1::uuid`,
		sub.ID, sub.UserID, sub.CustomerID, sub.SubscriptionID, string(sub.Status), sub.Plan, sub.PlanName,
		sub.RenewsAt, sub.TrialEnd, sub.CancelAt, sub.CanceledAt, sub.EndedAt,
		sub.PriceAmount, sub.Currency, sub.Quantity,
		sub.PaymentMethod.Brand, sub.PaymentMethod.Last4, metadata, sub.LastEventAt,
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC())
	if err != nil {
		return mapWriteError(err, "failed to replace subscription")
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

// ApplySubscriptionUpdate implements subscription.Storage
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, upd *subscription.SubscriptionUpdate) (*subscription.UpdateResult, error) {
	if upd == nil || upd.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: update without subscription id", subscription.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1 FOR UPDATE`,
		upd.SubscriptionID))
	if err != nil {
		return nil, err
	}

	result := &subscription.UpdateResult{PreviousStatus: row.Status}
	if upd.Stale(row) {
		result.Subscription = row
		return result, nil
	}

	upd.Apply(row)
	_, err = tx.Exec(ctx,
		`UPDATE subscriptions SET customer_id = $2, status = $3, renews_at = $4, trial_end = $5,
			cancel_at = $6, canceled_at = $7, ended_at = $8, quantity = $9, price_amount = $10,
			plan = $11, last_event_at = $12, updated_at = $13
		WHERE id = $1::uuid`,
		row.ID, row.CustomerID, string(row.Status), row.RenewsAt, row.TrialEnd,
		row.CancelAt, row.CanceledAt, row.EndedAt, row.Quantity, row.PriceAmount,
		row.Plan, row.LastEventAt, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	result.Applied = true
	result.Subscription = row
	return result, nil
}

// ListSubscriptions implements subscription.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, filter subscription.ListFilter) ([]*subscription.Subscription, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	// A NULL limit returns every row.
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY created_at, id
		LIMIT $2`, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*subscription.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AppendTransaction implements subscription.Storage
func (s *Storage) AppendTransaction(ctx context.Context, t *subscription.Transaction) (bool, error) {
	if t == nil || t.ID == "" || t.UserID == "" || t.EventID == "" {
		return false, fmt.Errorf("%w: transaction requires id, user id and event id", subscription.ErrValidation)
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	payload := []byte(t.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, amount, currency, event_id, payload, payment_method,
			status, transaction_type, metadata, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		t.ID, t.UserID, t.Amount, t.Currency, t.EventID, payload, t.PaymentMethod,
		t.Status, t.TransactionType, metadata, t.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to append transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListTransactions implements subscription.Storage
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*subscription.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*subscription.Transaction, 0)
	for rows.Next() {
		var t subscription.Transaction
		var payload, metadata []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Currency, &t.EventID, &payload,
			&t.PaymentMethod, &t.Status, &t.TransactionType, &metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction metadata: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	var status string
	var metadata []byte

	err := row.Scan(&sub.ID, &sub.UserID, &sub.CustomerID, &sub.SubscriptionID, &status, &sub.Plan,
		&sub.PlanName, &sub.RenewsAt, &sub.TrialEnd, &sub.CancelAt, &sub.CanceledAt, &sub.EndedAt,
		&sub.PriceAmount, &sub.Currency, &sub.Quantity, &sub.PaymentMethod.Brand,
		&sub.PaymentMethod.Last4, &metadata, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.Status = subscription.Status(status)
	if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription metadata: %w", err)
	}
	for _, t := range []**time.Time{&sub.RenewsAt, &sub.TrialEnd, &sub.CancelAt, &sub.CanceledAt, &sub.EndedAt, &sub.LastEventAt} {
		if *t != nil {
			v := (*t).UTC()
			*t = &v
		}
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func mapWriteError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", subscription.ErrAlreadyExists, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func checkRow(sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" || sub.SubscriptionID == "" {
		return fmt.Errorf("%w: subscription requires id, user id and external id", subscription.ErrValidation)
	}
	return nil
}
