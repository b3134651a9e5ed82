// Package entitlement answers which plan a user is on, for limit checks in
// other modules. It only reads subscription state.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/psicoid/billing/pkg/subscription"
)

// FreePlan is reported when the user has no entitling subscription.
const FreePlan = "free"

// Resources with per-plan ceilings.
const (
	ResourcePatients   = "patients"
	ResourceAIRequests = "ai_requests"
	ResourceEvents     = "events"
)

// Unlimited marks a resource with no ceiling.
const Unlimited = -1

// ErrLimitExceeded is returned by Check when the plan's ceiling is reached.
var ErrLimitExceeded = errors.New("plan limit exceeded")

// Limits are the per-plan ceilings for each resource.
type Limits map[string]int

// DefaultLimits are the ceilings for the built-in plans.
func DefaultLimits() map[string]Limits {
	return map[string]Limits{
		FreePlan: {
			ResourcePatients:   5,
			ResourceAIRequests: 10,
			ResourceEvents:     30,
		},
		"basic": {
			ResourcePatients:   50,
			ResourceAIRequests: 200,
			ResourceEvents:     500,
		},
		"pro": {
			ResourcePatients:   Unlimited,
			ResourceAIRequests: 2000,
			ResourceEvents:     Unlimited,
		},
	}
}

// Entitlement is the result of a plan lookup.
type Entitlement struct {
	UserID string              `json:"userId"`
	Plan   string              `json:"plan"`
	Free   bool                `json:"free"`
	Status subscription.Status `json:"status,omitempty"`
	Limits Limits              `json:"limits"`
}

// Limit returns the ceiling for resource. Resources the plan does not
// list have a ceiling of zero.
func (e *Entitlement) Limit(resource string) int {
	if v, ok := e.Limits[resource]; ok {
		return v
	}
	return 0
}

// Reader is the storage read the gate needs.
type Reader interface {
	GetSubscriptionByUserID(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// Metrics records gate decisions.
type Metrics interface {
	RecordEntitlementCheck(plan, resource string, allowed bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordEntitlementCheck(string, string, bool) {}

// Config configures a Gate.
type Config struct {
	Storage Reader

	// Limits per plan. Defaults to DefaultLimits. Plans missing from the
	// map fall back to the free plan's limits.
	Limits map[string]Limits

	Logger  subscription.Logger
	Metrics Metrics
}

// Gate is the read-only plan lookup.
type Gate struct {
	store   Reader
	limits  map[string]Limits
	logger  subscription.Logger
	metrics Metrics
}

// NewGate creates a gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Storage == nil {
		return nil, errors.New("entitlement: storage is required")
	}
	g := &Gate{
		store:   cfg.Storage,
		limits:  cfg.Limits,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if g.limits == nil {
		g.limits = DefaultLimits()
	}
	if _, ok := g.limits[FreePlan]; !ok {
		return nil, fmt.Errorf("entitlement: limits for plan %q are required", FreePlan)
	}
	if g.logger == nil {
		g.logger = &subscription.NoopLogger{}
	}
	if g.metrics == nil {
		g.metrics = noopMetrics{}
	}
	return g, nil
}

// Plan returns the user's current plan. A user with no subscription, or
// with one in a non-entitling status, is on the free plan. Errors are
// returned as is and must be treated as a denial by callers.
func (g *Gate) Plan(ctx context.Context, userID string) (*Entitlement, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing user", subscription.ErrUnauthenticated)
	}

	sub, err := g.store.GetSubscriptionByUserID(ctx, userID)
	if errors.Is(err, subscription.ErrNotFound) {
		return g.entitlement(userID, FreePlan, true, ""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitlement lookup: %w", err)
	}

	if !sub.Status.Entitling() || sub.Plan == "" {
		return g.entitlement(userID, FreePlan, true, sub.Status), nil
	}
	return g.entitlement(userID, sub.Plan, false, sub.Status), nil
}

func (g *Gate) entitlement(userID, plan string, free bool, status subscription.Status) *Entitlement {
	limits, ok := g.limits[plan]
	if !ok {
		g.logger.Warn("no limits configured for plan", subscription.F("plan", plan))
		limits = g.limits[FreePlan]
	}
	copied := make(Limits, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &Entitlement{UserID: userID, Plan: plan, Free: free, Status: status, Limits: copied}
}

// Check reports whether the user may create one more unit of resource given
// current usage. It returns ErrLimitExceeded when the ceiling is reached and
// the lookup error when the plan cannot be determined.
func (g *Gate) Check(ctx context.Context, userID, resource string, current int) (*Entitlement, error) {
	ent, err := g.Plan(ctx, userID)
	if err != nil {
		g.metrics.RecordEntitlementCheck("unknown", resource, false)
		return nil, err
	}

	limit := ent.Limit(resource)
	allowed := limit == Unlimited || current < limit
	g.metrics.RecordEntitlementCheck(ent.Plan, resource, allowed)
	if !allowed {
		return ent, fmt.Errorf("%w: %s allows %d %s", ErrLimitExceeded, ent.Plan, limit, resource)
	}
	return ent, nil
}
