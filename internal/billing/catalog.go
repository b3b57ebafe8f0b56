// Package billing provides the plan catalog and the customer/subscription
// domain services built on top of the Stripe client and the record store.
package billing

import (
	"fmt"

	"portalsync/internal/config"
	"portalsync/internal/types"
)

// Catalog maps plan names to Stripe price IDs and back. The mapping is loaded
// from configuration at startup and is immutable afterwards.
type Catalog struct {
	planToPrice map[types.Plan]string
}

// NewCatalog builds a Catalog from the billing configuration. Every known plan
// must carry a non-empty price ID; config validation guarantees that, but the
// constructor checks again so a miswired caller fails at startup rather than
// mid-request.
func NewCatalog(cfg config.BillingConfig) (*Catalog, error) {
	m := map[types.Plan]string{
		types.PlanStarter: cfg.PriceStarter,
		types.PlanGrowth:  cfg.PriceGrowth,
		types.PlanScale:   cfg.PriceScale,
	}
	for _, plan := range types.AllPlans {
		if m[plan] == "" {
			return nil, fmt.Errorf("billing catalog: no price ID configured for plan %q", plan)
		}
	}
	return &Catalog{planToPrice: m}, nil
}

// PriceID returns the Stripe price ID for a plan, or false for unknown plans.
func (c *Catalog) PriceID(plan types.Plan) (string, bool) {
	price, ok := c.planToPrice[plan]
	return price, ok
}

// PlanFromPriceID resolves a Stripe price ID back to a plan name. Plans are
// checked in their canonical order, so if two plans were ever configured with
// the same price the lower tier wins deterministically. Returns nil for price
// IDs outside the catalog.
func (c *Catalog) PlanFromPriceID(priceID string) *types.Plan {
	if priceID == "" {
		return nil
	}
	for _, plan := range types.AllPlans {
		if c.planToPrice[plan] == priceID {
			p := plan
			return &p
		}
	}
	return nil
}

// PlanPriceMap returns a copy of the plan-to-price mapping for the public
// portal config endpoint.
func (c *Catalog) PlanPriceMap() map[types.Plan]string {
	out := make(map[types.Plan]string, len(c.planToPrice))
	for plan, price := range c.planToPrice {
		out[plan] = price
	}
	return out
}
