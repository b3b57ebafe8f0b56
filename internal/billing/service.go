package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"portalsync/internal/types"
)

// subscriptionPageLimit bounds how many subscriptions the service pulls per
// customer. A customer with more than one page of subscriptions indicates a
// data problem; the service logs it and works with the first page.
const subscriptionPageLimit = 20

// StripeAPI is the subset of the payment provider client the subscription
// services depend on. Implemented by external.StripeClient.
type StripeAPI interface {
	// FindCustomerByEmail returns the newest customer ID for the email, or ""
	// when none exists.
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	// CreateCustomer creates a customer tagged with the application user ID.
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
	// UpdateCustomer refreshes the email and user-ID metadata on a customer.
	UpdateCustomer(ctx context.Context, customerID, email, userID string) error
	// ListSubscriptions returns up to limit subscriptions across all statuses,
	// newest first, plus whether more pages exist.
	ListSubscriptions(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error)
	// UpdateSubscriptionPrice swaps the subscription item to the new price,
	// clears any pending cancellation, and prorates the change.
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (types.ProviderSubscription, error)
	// SetCancelAtPeriodEnd flips the subscription's end-of-period cancellation flag.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (types.ProviderSubscription, error)
	// CreateCheckoutSession opens a hosted checkout session and returns its URL.
	CreateCheckoutSession(ctx context.Context, params types.CheckoutParams) (string, error)
}

// RecordStore is the persistence surface the services need.
// Implemented by db.BindingRepo.
type RecordStore interface {
	// GetBinding returns the binding for a user, or nil when none exists.
	GetBinding(ctx context.Context, userID string) (*types.CustomerBinding, error)
	// UpsertBinding merges the patch into the user's binding row.
	UpsertBinding(ctx context.Context, userID string, patch types.BindingPatch) error
}

// Service implements the customer-binding resolver and the subscription query
// and mutation operations. It holds no per-user state; every method is safe
// for concurrent use.
type Service struct {
	stripe  StripeAPI
	store   RecordStore
	catalog *Catalog
	siteURL string
	logger  *slog.Logger
}

// NewService wires the subscription service. siteURL is the public portal
// origin used to build checkout redirect URLs.
func NewService(stripe StripeAPI, store RecordStore, catalog *Catalog, siteURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		stripe:  stripe,
		store:   store,
		catalog: catalog,
		siteURL: strings.TrimRight(siteURL, "/"),
		logger:  logger,
	}
}

// EnsureBinding resolves the Stripe customer for a verified identity, creating
// one if necessary, and persists the association. The store is the first
// authority; an email search against Stripe is the fallback so a pre-existing
// customer is adopted instead of duplicated.
//
// The binding write on the create/adopt path must succeed before the customer
// ID is returned: handing out a customer that a crashed write would orphan
// risks a second customer for the same user on retry.
func (s *Service) EnsureBinding(ctx context.Context, id types.UserIdentity) (string, error) {
	binding, err := s.store.GetBinding(ctx, id.UserID)
	if err != nil {
		return "", err
	}
	if binding != nil && binding.StripeCustomerID != "" {
		// Known customer. Refresh the provider-side email and metadata tags
		// best-effort; a failure here must not block the caller.
		if id.Email != "" {
			if uerr := s.stripe.UpdateCustomer(ctx, binding.StripeCustomerID, id.Email, id.UserID); uerr != nil {
				s.logger.Warn("customer metadata refresh failed",
					slog.String("user_id", id.UserID),
					slog.String("stripe_customer_id", binding.StripeCustomerID),
					slog.String("error", uerr.Error()),
				)
			} else if binding.Email == nil || *binding.Email != id.Email {
				if uerr := s.store.UpsertBinding(ctx, id.UserID, types.BindingPatch{Email: types.StrPtr(id.Email)}); uerr != nil {
					s.logger.Warn("binding email refresh failed",
						slog.String("user_id", id.UserID),
						slog.String("error", uerr.Error()),
					)
				}
			}
		}
		return binding.StripeCustomerID, nil
	}

	customerID := ""
	if id.Email != "" {
		customerID, err = s.stripe.FindCustomerByEmail(ctx, id.Email)
		if err != nil {
			return "", err
		}
	}

	if customerID == "" {
		customerID, err = s.stripe.CreateCustomer(ctx, id.Email, id.UserID)
		if err != nil {
			return "", err
		}
		s.logger.Info("stripe customer created",
			slog.String("user_id", id.UserID),
			slog.String("stripe_customer_id", customerID),
		)
	} else {
		// Adopted an existing customer found by email; tag it with our user ID
		// so webhook reverse lookups have a second resolution path.
		if uerr := s.stripe.UpdateCustomer(ctx, customerID, id.Email, id.UserID); uerr != nil {
			s.logger.Warn("adopted customer tagging failed",
				slog.String("user_id", id.UserID),
				slog.String("stripe_customer_id", customerID),
				slog.String("error", uerr.Error()),
			)
		}
		s.logger.Info("stripe customer adopted by email",
			slog.String("user_id", id.UserID),
			slog.String("stripe_customer_id", customerID),
		)
	}

	patch := types.BindingPatch{StripeCustomerID: types.StrPtr(customerID)}
	if id.Email != "" {
		patch.Email = types.StrPtr(id.Email)
	}
	if err := s.store.UpsertBinding(ctx, id.UserID, patch); err != nil {
		return "", err
	}
	return customerID, nil
}

// CurrentSubscription returns the user's current subscription projection, or
// nil when the customer has no qualifying subscription. The qualifying
// selection is first-match over the provider's listing order, which returns
// newest subscriptions first.
func (s *Service) CurrentSubscription(ctx context.Context, id types.UserIdentity) (*types.SubscriptionProjection, error) {
	customerID, err := s.EnsureBinding(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := s.currentFor(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	proj := s.project(*current)
	return &proj, nil
}

// Overview returns the customer ID together with the current subscription
// projection, for the portal's subscription page. The projection is nil when
// no qualifying subscription exists.
func (s *Service) Overview(ctx context.Context, id types.UserIdentity) (string, *types.SubscriptionProjection, error) {
	customerID, err := s.EnsureBinding(ctx, id)
	if err != nil {
		return "", nil, err
	}
	current, err := s.currentFor(ctx, customerID)
	if err != nil {
		return "", nil, err
	}
	if current == nil {
		return customerID, nil, nil
	}
	proj := s.project(*current)
	return customerID, &proj, nil
}

// StartCheckout opens a hosted checkout session for the given plan and returns
// the redirect URL. The caller is expected to not have a current subscription;
// Stripe's checkout page itself is the final arbiter of duplicates.
func (s *Service) StartCheckout(ctx context.Context, id types.UserIdentity, plan types.Plan) (string, error) {
	priceID, ok := s.catalog.PriceID(plan)
	if !ok {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"unknown plan", nil, map[string]any{"plan": string(plan)})
	}
	customerID, err := s.EnsureBinding(ctx, id)
	if err != nil {
		return "", err
	}
	url, err := s.stripe.CreateCheckoutSession(ctx, types.CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		UserID:     id.UserID,
		Plan:       plan,
		SuccessURL: s.siteURL + "/portal/?checkout=success",
		CancelURL:  s.siteURL + "/portal/?checkout=cancelled",
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("checkout session created",
		slog.String("user_id", id.UserID),
		slog.String("stripe_customer_id", customerID),
		slog.String("plan", string(plan)),
	)
	return url, nil
}

// ChangePlan moves the user's current subscription to a new plan. The result
// reports the already-on-plan no-op case and labels the move's direction.
func (s *Service) ChangePlan(ctx context.Context, userID string, plan types.Plan) (*types.PlanChange, error) {
	priceID, ok := s.catalog.PriceID(plan)
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"unknown plan", nil, map[string]any{"plan": string(plan)})
	}
	customerID, current, err := s.requireCurrent(ctx, userID)
	if err != nil {
		return nil, err
	}

	if current.PriceID == priceID {
		proj := s.project(*current)
		return &types.PlanChange{Subscription: &proj, AlreadyOn: true}, nil
	}

	from := s.catalog.PlanFromPriceID(current.PriceID)
	updated, err := s.stripe.UpdateSubscriptionPrice(ctx, current.ID, current.ItemID, priceID)
	if err != nil {
		return nil, err
	}
	s.applyLocal(ctx, userID, updated)

	direction := s.Direction(from, plan)
	s.logger.Info("subscription plan changed",
		slog.String("user_id", userID),
		slog.String("stripe_customer_id", customerID),
		slog.String("subscription_id", updated.ID),
		slog.String("plan", string(plan)),
		slog.String("direction", string(direction)),
	)
	proj := s.project(updated)
	return &types.PlanChange{Subscription: &proj, Direction: direction}, nil
}

// StopAtPeriodEnd schedules the user's current subscription for cancellation
// at the end of the paid period. Repeating the call on an already-flagged
// subscription is a harmless no-op on the provider side.
func (s *Service) StopAtPeriodEnd(ctx context.Context, userID string) (*types.SubscriptionProjection, error) {
	_, current, err := s.requireCurrent(ctx, userID)
	if err != nil {
		return nil, err
	}
	updated, err := s.stripe.SetCancelAtPeriodEnd(ctx, current.ID, true)
	if err != nil {
		return nil, err
	}
	s.applyLocal(ctx, userID, updated)

	s.logger.Info("subscription flagged to stop at period end",
		slog.String("user_id", userID),
		slog.String("subscription_id", updated.ID),
	)
	proj := s.project(updated)
	return &proj, nil
}

// Direction labels the change from the stored plan of the user's binding to
// the target plan, for response bodies. Purely presentational.
func (s *Service) Direction(from *types.Plan, to types.Plan) types.ChangeDirection {
	if from == nil {
		return types.DirectionSwitch
	}
	return types.DirectionOfChange(*from, to)
}

// requireCurrent loads the user's binding and their current subscription,
// failing with a not-found error when either is missing. Mutations deliberately
// skip the resolver's create path: plan changes against a customer that does
// not exist yet make no sense.
func (s *Service) requireCurrent(ctx context.Context, userID string) (string, *types.ProviderSubscription, error) {
	binding, err := s.store.GetBinding(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if binding == nil || binding.StripeCustomerID == "" {
		return "", nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "no billing account for user", nil)
	}
	current, err := s.currentFor(ctx, binding.StripeCustomerID)
	if err != nil {
		return "", nil, err
	}
	if current == nil {
		return "", nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription", nil)
	}
	return binding.StripeCustomerID, current, nil
}

// currentFor lists the customer's subscriptions and picks the first one in a
// qualifying status. Returns nil when none qualify.
func (s *Service) currentFor(ctx context.Context, customerID string) (*types.ProviderSubscription, error) {
	subs, hasMore, err := s.stripe.ListSubscriptions(ctx, customerID, subscriptionPageLimit)
	if err != nil {
		return nil, err
	}
	if hasMore {
		s.logger.Warn("customer has more subscriptions than one page",
			slog.String("stripe_customer_id", customerID),
			slog.Int("page_limit", subscriptionPageLimit),
		)
	}
	for i := range subs {
		if subs[i].Status.IsQualifying() {
			return &subs[i], nil
		}
	}
	return nil, nil
}

// project converts a provider subscription into the API projection, attaching
// the catalog plan when the price maps to one.
func (s *Service) project(sub types.ProviderSubscription) types.SubscriptionProjection {
	proj := types.SubscriptionProjection{
		ID:                sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PriceID:           sub.PriceID,
		Plan:              s.catalog.PlanFromPriceID(sub.PriceID),
	}
	if sub.CurrentPeriodStart > 0 {
		proj.CurrentPeriodStart = types.TimePtr(time.Unix(sub.CurrentPeriodStart, 0).UTC())
	}
	if sub.CurrentPeriodEnd > 0 {
		proj.CurrentPeriodEnd = types.TimePtr(time.Unix(sub.CurrentPeriodEnd, 0).UTC())
	}
	return proj
}

// applyLocal merges the refreshed provider state into the stored binding so
// the record is fresh before the corresponding webhook lands. Best-effort: the
// provider mutation already succeeded, so a store failure is logged, not
// returned, and the webhook reconciler repairs the record later.
func (s *Service) applyLocal(ctx context.Context, userID string, sub types.ProviderSubscription) {
	patch := types.BindingPatch{
		SubscriptionID:     types.StrPtr(sub.ID),
		SubscriptionStatus: &sub.Status,
		CancelAtPeriodEnd:  types.BoolPtr(sub.CancelAtPeriodEnd),
		PriceID:            types.StrPtr(sub.PriceID),
	}
	if sub.CurrentPeriodStart > 0 {
		patch.CurrentPeriodStart = types.TimePtr(time.Unix(sub.CurrentPeriodStart, 0).UTC())
	}
	if sub.CurrentPeriodEnd > 0 {
		patch.CurrentPeriodEnd = types.TimePtr(time.Unix(sub.CurrentPeriodEnd, 0).UTC())
	}
	if plan := s.catalog.PlanFromPriceID(sub.PriceID); plan != nil {
		patch.Plan = plan
	} else {
		patch.ClearPlan = true
	}
	if err := s.store.UpsertBinding(ctx, userID, patch); err != nil {
		s.logger.Warn("local binding refresh failed after provider mutation",
			slog.String("user_id", userID),
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}
