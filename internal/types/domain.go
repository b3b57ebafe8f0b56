// Package types defines the domain model shared across the portalsync service:
// plan tiers, subscription state, the customer binding record, and the webhook
// change-feed message format. It has no dependencies on other internal packages
// so every layer can import it without cycles.
package types

import "time"

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

// Plan identifies a purchasable subscription tier. The catalog maps each plan
// to a Stripe price ID at startup; plans form a strict total order used only
// for labeling a change as an upgrade or downgrade.
type Plan string

const (
	PlanStarter Plan = "starter"
	PlanGrowth  Plan = "growth"
	PlanScale   Plan = "scale"
)

// AllPlans lists the catalog tiers in ascending order. Iteration order matters:
// PlanFromPriceID resolves aliased prices to the first match in this order.
var AllPlans = []Plan{PlanStarter, PlanGrowth, PlanScale}

// planRank assigns each known plan its position in the tier order.
// Unknown plans have rank 0 and compare as unordered.
var planRank = map[Plan]int{
	PlanStarter: 1,
	PlanGrowth:  2,
	PlanScale:   3,
}

// IsKnown reports whether p is one of the configured catalog tiers.
func (p Plan) IsKnown() bool {
	_, ok := planRank[p]
	return ok
}

// DisplayName returns the tier name shown in the portal UI. Plans outside the
// catalog fall back to their raw identifier.
func (p Plan) DisplayName() string {
	switch p {
	case PlanStarter:
		return "Starter"
	case PlanGrowth:
		return "Growth"
	case PlanScale:
		return "Scale"
	default:
		return string(p)
	}
}

// ChangeDirection labels a plan change for display purposes only. It never
// gates a mutation: unknown or administrative plans simply label as a switch.
type ChangeDirection string

const (
	DirectionUpgrade   ChangeDirection = "upgrade"
	DirectionDowngrade ChangeDirection = "downgrade"
	DirectionSwitch    ChangeDirection = "switch"
)

// DirectionOfChange compares two plans on the tier order and returns the
// display label for moving from one to the other. Either side being unknown
// yields the neutral switch label.
func DirectionOfChange(from, to Plan) ChangeDirection {
	if !from.IsKnown() || !to.IsKnown() {
		return DirectionSwitch
	}
	fr, tr := planRank[from], planRank[to]
	switch {
	case fr == tr:
		return DirectionSwitch
	case tr > fr:
		return DirectionUpgrade
	default:
		return DirectionDowngrade
	}
}

// PlanChange is the outcome of a plan change request: the refreshed
// projection, the display label for the move, and whether the request was a
// no-op because the subscription was already on the target price.
type PlanChange struct {
	Subscription *SubscriptionProjection
	Direction    ChangeDirection
	AlreadyOn    bool
}

// ---------------------------------------------------------------------------
// Subscription state
// ---------------------------------------------------------------------------

// SubscriptionStatus mirrors Stripe's subscription status strings as a closed
// enum. Unknown provider statuses are carried through verbatim so the
// projection never loses information.
type SubscriptionStatus string

const (
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusPaused            SubscriptionStatus = "paused"
)

// IsQualifying reports whether a subscription in this status counts toward the
// "current subscription" selection. This is the single authority for that
// predicate; call sites must not compare status strings directly.
func (s SubscriptionStatus) IsQualifying() bool {
	switch s {
	case SubStatusTrialing, SubStatusActive, SubStatusPastDue, SubStatusUnpaid:
		return true
	default:
		return false
	}
}

// UserIdentity is the verified output of the identity provider: a stable user
// identifier and, when the provider knows it, an email address. It is passed
// through to Stripe customer records but never persisted beyond that.
type UserIdentity struct {
	UserID string
	Email  string // empty when the provider did not supply one
}

// SubscriptionProjection is the service's view of a single subscription,
// assembled either live from Stripe (query path) or from a webhook event
// (reconciliation path). Plan is nil when the price maps to no catalog tier.
type SubscriptionProjection struct {
	ID                 string             `json:"id"`
	Status             SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd  bool               `json:"cancelAtPeriodEnd"`
	CurrentPeriodStart *time.Time         `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"currentPeriodEnd"`
	PriceID            string             `json:"priceId,omitempty"`
	Plan               *Plan              `json:"plan"`
}

// CustomerBinding is the persisted association between an application user and
// a Stripe customer, with the last-known subscription projection and invoice
// bookkeeping merged in. It is a cache of provider-owned state, never the
// basis for an authorization decision.
type CustomerBinding struct {
	UserID           string
	StripeCustomerID string
	Email            *string

	SubscriptionID     *string
	SubscriptionStatus *SubscriptionStatus
	CancelAtPeriodEnd  *bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	PriceID            *string
	Plan               *Plan

	CheckoutSessionID       *string
	LastCheckoutCompletedAt *time.Time

	LastInvoiceID     *string
	LastInvoiceStatus *string
	LastInvoicePaid   *bool

	LastEventAt *time.Time
	UpdatedAt   time.Time
}

// BindingPatch is a partial update of a CustomerBinding. Nil fields are left
// untouched by the store's blind-merge upsert, which is what makes concurrent
// webhook deliveries safe without read-modify-write.
type BindingPatch struct {
	StripeCustomerID *string
	Email            *string

	SubscriptionID     *string
	SubscriptionStatus *SubscriptionStatus
	CancelAtPeriodEnd  *bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	PriceID            *string
	Plan               *Plan
	// ClearPlan forces the stored plan to NULL. Needed because a nil Plan in a
	// patch means "untouched", but an unmapped price must erase the stale tier.
	ClearPlan bool

	CheckoutSessionID       *string
	LastCheckoutCompletedAt *time.Time

	LastInvoiceID     *string
	LastInvoiceStatus *string
	LastInvoicePaid   *bool
}

// ---------------------------------------------------------------------------
// Change feed
// ---------------------------------------------------------------------------

// SubscriptionChangeMessage is published to the analytics change-feed queue
// after the reconciler applies a provider event. Consumers use it for metrics
// and reporting only; it carries no authority over billing state.
type SubscriptionChangeMessage struct {
	TraceID          string             `json:"trace_id"`
	EventID          string             `json:"event_id"`
	EventType        string             `json:"event_type"`
	UserID           string             `json:"user_id"`
	StripeCustomerID string             `json:"stripe_customer_id"`
	SubscriptionID   string             `json:"subscription_id,omitempty"`
	Status           SubscriptionStatus `json:"status,omitempty"`
	Plan             *Plan              `json:"plan,omitempty"`
	OccurredAt       time.Time          `json:"occurred_at"`
}

// PlanPtr is a convenience for building optional plan fields.
func PlanPtr(p Plan) *Plan { return &p }

// StrPtr is a convenience for building BindingPatch string fields.
func StrPtr(s string) *string { return &s }

// BoolPtr is a convenience for building BindingPatch bool fields.
func BoolPtr(b bool) *bool { return &b }

// TimePtr is a convenience for building BindingPatch time fields.
func TimePtr(t time.Time) *time.Time { return &t }
