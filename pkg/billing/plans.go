package billing

import (
	"slices"
	"strings"
)

// DefaultPlan is the plan assigned when no subscription entitles the user.
const DefaultPlan = "free"

// PlanMapper resolves provider price IDs to plan names and back.
type PlanMapper struct {
	byPrice     map[string]string
	byPlan      map[string]string
	defaultPlan string
}

// NewPlanMapper builds a mapper from a price-to-plan map. Keys and plans
// are matched case-insensitively.
func NewPlanMapper(mapping map[string]string) *PlanMapper {
	m := &PlanMapper{
		byPrice: make(map[string]string, len(mapping)),
		byPlan:  make(map[string]string, len(mapping)),
	}
	for price, plan := range mapping {
		key := strings.ToLower(strings.TrimSpace(price))
		plan = strings.ToLower(strings.TrimSpace(plan))
		if key == "" || plan == "" {
			continue
		}
		if key == "*" || key == "default" {
			m.defaultPlan = plan
			continue
		}
		m.byPrice[key] = plan
		if _, seen := m.byPlan[plan]; !seen {
			m.byPlan[plan] = strings.TrimSpace(price)
		}
	}
	return m
}

// Plan returns the plan mapped to priceID, or "" if there is none.
func (m *PlanMapper) Plan(priceID string) string {
	return m.byPrice[strings.ToLower(strings.TrimSpace(priceID))]
}

// PlanOrDefault returns the mapped plan, falling back to the reserved
// default entry and then DefaultPlan.
func (m *PlanMapper) PlanOrDefault(priceID string) string {
	if plan := m.Plan(priceID); plan != "" {
		return plan
	}
	if m.defaultPlan != "" {
		return m.defaultPlan
	}
	return DefaultPlan
}

// PriceFor returns the provider price for plan.
func (m *PlanMapper) PriceFor(plan string) (string, bool) {
	price, ok := m.byPlan[strings.ToLower(strings.TrimSpace(plan))]
	return price, ok
}

// Plans lists the purchasable plans.
func (m *PlanMapper) Plans() []string {
	out := make([]string, 0, len(m.byPlan))
	for plan := range m.byPlan {
		out = append(out, plan)
	}
	slices.Sort(out)
	return out
}
