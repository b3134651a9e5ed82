// Package jobs runs scheduled maintenance against the subscription store.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/psicoid/billing/pkg/subscription"
)

const sweepTimeout = 5 * time.Minute

// Lister is the read side of the store used by the sweep.
type Lister interface {
	ListSubscriptions(ctx context.Context, filter subscription.ListFilter) ([]*subscription.Subscription, error)
}

// StaleReporter receives the number of stale renewals found by a sweep.
type StaleReporter interface {
	SetStaleRenewals(count int)
}

// StaleRenewalSweep finds entitling subscriptions whose renewal date passed
// more than Grace ago. Such rows usually mean a missed webhook. The sweep
// only reports them; statuses change through provider events alone.
type StaleRenewalSweep struct {
	Store   Lister
	Grace   time.Duration
	Logger  subscription.Logger
	Metrics StaleReporter
	Now     func() time.Time
}

// Run performs one sweep and returns the stale rows.
func (s *StaleRenewalSweep) Run(ctx context.Context) ([]*subscription.Subscription, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().UTC().Add(-s.Grace)

	subs, err := s.Store.ListSubscriptions(ctx, subscription.ListFilter{Statuses: subscription.EntitlingStatuses()})
	if err != nil {
		return nil, fmt.Errorf("list entitling subscriptions: %w", err)
	}

	var stale []*subscription.Subscription
	for _, sub := range subs {
		if sub.RenewsAt != nil && sub.RenewsAt.Before(cutoff) {
			stale = append(stale, sub)
		}
	}

	for _, sub := range stale {
		s.logger().Warn("subscription renewal overdue",
			subscription.F("user_id", sub.UserID),
			subscription.F("subscription_id", sub.SubscriptionID),
			subscription.F("status", string(sub.Status)),
			subscription.F("renews_at", sub.RenewsAt.Format(time.RFC3339)),
		)
	}
	if s.Metrics != nil {
		s.Metrics.SetStaleRenewals(len(stale))
	}
	s.logger().Info("stale renewal sweep finished",
		subscription.F("checked", len(subs)),
		subscription.F("stale", len(stale)),
	)
	return stale, nil
}

func (s *StaleRenewalSweep) logger() subscription.Logger {
	if s.Logger == nil {
		return &subscription.NoopLogger{}
	}
	return s.Logger
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron   *cron.Cron
	logger subscription.Logger
}

// NewScheduler creates a scheduler running jobs in UTC.
func NewScheduler(logger subscription.Logger) *Scheduler {
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
	}
}

// AddSweep schedules sweep with a standard cron spec or descriptor
// ("0 * * * *", "@every 1h").
func (s *Scheduler) AddSweep(spec string, sweep *StaleRenewalSweep) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		if _, err := sweep.Run(ctx); err != nil {
			s.logger.Error("stale renewal sweep failed", subscription.F("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.logger.Info("scheduled stale renewal sweep", subscription.F("schedule", spec))
	return nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
	}
}
