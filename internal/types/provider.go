package types

// ProviderSubscription is the provider-shaped subscription record returned by
// the Stripe client. Epoch fields are zero when the provider omitted them.
type ProviderSubscription struct {
	ID                 string
	Status             SubscriptionStatus
	CancelAtPeriodEnd  bool
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	ItemID             string
	PriceID            string
}

// CheckoutParams carries everything the Stripe client needs to open a hosted
// checkout session. Redirect URLs are server-constructed by the caller.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	UserID     string
	Plan       Plan
	SuccessURL string
	CancelURL  string
}
