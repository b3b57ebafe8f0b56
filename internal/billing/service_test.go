package billing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalsync/internal/config"
	"portalsync/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockStripeAPI struct {
	findCustomerByEmailFn     func(ctx context.Context, email string) (string, error)
	createCustomerFn          func(ctx context.Context, email, userID string) (string, error)
	updateCustomerFn          func(ctx context.Context, customerID, email, userID string) error
	listSubscriptionsFn       func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error)
	updateSubscriptionPriceFn func(ctx context.Context, subscriptionID, itemID, priceID string) (types.ProviderSubscription, error)
	setCancelAtPeriodEndFn    func(ctx context.Context, subscriptionID string, cancel bool) (types.ProviderSubscription, error)
	createCheckoutSessionFn   func(ctx context.Context, params types.CheckoutParams) (string, error)

	updateCustomerCalls int
}

func (m *mockStripeAPI) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	if m.findCustomerByEmailFn != nil {
		return m.findCustomerByEmailFn(ctx, email)
	}
	return "", nil
}

func (m *mockStripeAPI) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	if m.createCustomerFn != nil {
		return m.createCustomerFn(ctx, email, userID)
	}
	return "cus_new", nil
}

func (m *mockStripeAPI) UpdateCustomer(ctx context.Context, customerID, email, userID string) error {
	m.updateCustomerCalls++
	if m.updateCustomerFn != nil {
		return m.updateCustomerFn(ctx, customerID, email, userID)
	}
	return nil
}

func (m *mockStripeAPI) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
	if m.listSubscriptionsFn != nil {
		return m.listSubscriptionsFn(ctx, customerID, limit)
	}
	return nil, false, nil
}

func (m *mockStripeAPI) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (types.ProviderSubscription, error) {
	if m.updateSubscriptionPriceFn != nil {
		return m.updateSubscriptionPriceFn(ctx, subscriptionID, itemID, priceID)
	}
	return types.ProviderSubscription{}, errors.New("unexpected UpdateSubscriptionPrice call")
}

func (m *mockStripeAPI) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (types.ProviderSubscription, error) {
	if m.setCancelAtPeriodEndFn != nil {
		return m.setCancelAtPeriodEndFn(ctx, subscriptionID, cancel)
	}
	return types.ProviderSubscription{}, errors.New("unexpected SetCancelAtPeriodEnd call")
}

func (m *mockStripeAPI) CreateCheckoutSession(ctx context.Context, params types.CheckoutParams) (string, error) {
	if m.createCheckoutSessionFn != nil {
		return m.createCheckoutSessionFn(ctx, params)
	}
	return "https://checkout.stripe.com/c/pay/test", nil
}

type mockRecordStore struct {
	getBindingFn    func(ctx context.Context, userID string) (*types.CustomerBinding, error)
	upsertBindingFn func(ctx context.Context, userID string, patch types.BindingPatch) error

	upserts []types.BindingPatch
}

func (m *mockRecordStore) GetBinding(ctx context.Context, userID string) (*types.CustomerBinding, error) {
	if m.getBindingFn != nil {
		return m.getBindingFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockRecordStore) UpsertBinding(ctx context.Context, userID string, patch types.BindingPatch) error {
	m.upserts = append(m.upserts, patch)
	if m.upsertBindingFn != nil {
		return m.upsertBindingFn(ctx, userID, patch)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog(config.BillingConfig{
		PriceStarter: "price_starter",
		PriceGrowth:  "price_growth",
		PriceScale:   "price_scale",
	})
	require.NoError(t, err)
	return cat
}

func newTestService(stripe *mockStripeAPI, store *mockRecordStore, t *testing.T) *Service {
	return NewService(stripe, store, testCatalog(t), "https://example.com/", slog.Default())
}

func boundUser(customerID string) *types.CustomerBinding {
	return &types.CustomerBinding{
		UserID:           "user-1",
		StripeCustomerID: customerID,
	}
}

var identity = types.UserIdentity{UserID: "user-1", Email: "person@example.com"}

// =============================================================================
// Catalog
// =============================================================================

func TestCatalogRoundTrip(t *testing.T) {
	cat := testCatalog(t)

	price, ok := cat.PriceID(types.PlanGrowth)
	require.True(t, ok)
	assert.Equal(t, "price_growth", price)

	plan := cat.PlanFromPriceID("price_growth")
	require.NotNil(t, plan)
	assert.Equal(t, types.PlanGrowth, *plan)

	assert.Nil(t, cat.PlanFromPriceID("price_unknown"))
	assert.Nil(t, cat.PlanFromPriceID(""))

	_, ok = cat.PriceID(types.Plan("enterprise"))
	assert.False(t, ok)
}

func TestCatalogRejectsMissingPrice(t *testing.T) {
	_, err := NewCatalog(config.BillingConfig{
		PriceStarter: "price_starter",
		PriceGrowth:  "",
		PriceScale:   "price_scale",
	})
	require.Error(t, err)
}

// =============================================================================
// EnsureBinding
// =============================================================================

func TestEnsureBindingUsesStoredCustomer(t *testing.T) {
	stripe := &mockStripeAPI{
		findCustomerByEmailFn: func(ctx context.Context, email string) (string, error) {
			t.Fatal("email search must not run when a binding exists")
			return "", nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_stored"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	customerID, err := svc.EnsureBinding(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "cus_stored", customerID)
	// Provider-side metadata refresh still runs for known customers.
	assert.Equal(t, 1, stripe.updateCustomerCalls)
}

func TestEnsureBindingAdoptsCustomerByEmail(t *testing.T) {
	stripe := &mockStripeAPI{
		findCustomerByEmailFn: func(ctx context.Context, email string) (string, error) {
			assert.Equal(t, "person@example.com", email)
			return "cus_found", nil
		},
		createCustomerFn: func(ctx context.Context, email, userID string) (string, error) {
			t.Fatal("must adopt the found customer, not create a new one")
			return "", nil
		},
	}
	store := &mockRecordStore{}
	svc := newTestService(stripe, store, t)

	customerID, err := svc.EnsureBinding(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "cus_found", customerID)

	require.Len(t, store.upserts, 1)
	require.NotNil(t, store.upserts[0].StripeCustomerID)
	assert.Equal(t, "cus_found", *store.upserts[0].StripeCustomerID)
	require.NotNil(t, store.upserts[0].Email)
	assert.Equal(t, "person@example.com", *store.upserts[0].Email)
}

func TestEnsureBindingCreatesCustomer(t *testing.T) {
	stripe := &mockStripeAPI{
		createCustomerFn: func(ctx context.Context, email, userID string) (string, error) {
			assert.Equal(t, "user-1", userID)
			return "cus_created", nil
		},
	}
	store := &mockRecordStore{}
	svc := newTestService(stripe, store, t)

	customerID, err := svc.EnsureBinding(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "cus_created", customerID)
	require.Len(t, store.upserts, 1)
}

func TestEnsureBindingSkipsEmailSearchWithoutEmail(t *testing.T) {
	stripe := &mockStripeAPI{
		findCustomerByEmailFn: func(ctx context.Context, email string) (string, error) {
			t.Fatal("email search must not run without an email")
			return "", nil
		},
		createCustomerFn: func(ctx context.Context, email, userID string) (string, error) {
			return "cus_created", nil
		},
	}
	svc := newTestService(stripe, &mockRecordStore{}, t)

	customerID, err := svc.EnsureBinding(context.Background(), types.UserIdentity{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "cus_created", customerID)
}

func TestEnsureBindingFailsWhenBindingWriteFails(t *testing.T) {
	stripe := &mockStripeAPI{
		createCustomerFn: func(ctx context.Context, email, userID string) (string, error) {
			return "cus_created", nil
		},
	}
	store := &mockRecordStore{
		upsertBindingFn: func(ctx context.Context, userID string, patch types.BindingPatch) error {
			return types.NewAppError(types.ErrCodeInternalDB, "write failed", nil)
		},
	}
	svc := newTestService(stripe, store, t)

	_, err := svc.EnsureBinding(context.Background(), identity)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// =============================================================================
// CurrentSubscription
// =============================================================================

func TestCurrentSubscriptionPicksFirstQualifying(t *testing.T) {
	now := time.Now().Unix()
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			assert.Equal(t, 20, limit)
			return []types.ProviderSubscription{
				{ID: "sub_old", Status: types.SubStatusCanceled, PriceID: "price_starter"},
				{ID: "sub_live", Status: types.SubStatusPastDue, PriceID: "price_growth", CurrentPeriodEnd: now},
				{ID: "sub_other", Status: types.SubStatusActive, PriceID: "price_scale"},
			}, false, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	proj, err := svc.CurrentSubscription(context.Background(), identity)
	require.NoError(t, err)
	require.NotNil(t, proj)
	assert.Equal(t, "sub_live", proj.ID)
	assert.Equal(t, types.SubStatusPastDue, proj.Status)
	require.NotNil(t, proj.Plan)
	assert.Equal(t, types.PlanGrowth, *proj.Plan)
	require.NotNil(t, proj.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(now, 0).UTC(), *proj.CurrentPeriodEnd)
}

func TestCurrentSubscriptionNilWhenNoneQualify(t *testing.T) {
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return []types.ProviderSubscription{
				{ID: "sub_dead", Status: types.SubStatusCanceled},
				{ID: "sub_incomplete", Status: types.SubStatusIncomplete},
			}, false, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	proj, err := svc.CurrentSubscription(context.Background(), identity)
	require.NoError(t, err)
	assert.Nil(t, proj)
}

func TestOverviewReturnsCustomerIDWithProjection(t *testing.T) {
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return []types.ProviderSubscription{
				{ID: "sub_live", Status: types.SubStatusActive, PriceID: "price_scale"},
			}, false, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	customerID, proj, err := svc.Overview(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customerID)
	require.NotNil(t, proj)
	assert.Equal(t, "sub_live", proj.ID)
}

func TestOverviewReturnsCustomerIDWithoutSubscription(t *testing.T) {
	stripe := &mockStripeAPI{}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	customerID, proj, err := svc.Overview(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customerID)
	assert.Nil(t, proj)
}

// =============================================================================
// StartCheckout
// =============================================================================

func TestStartCheckoutBuildsSessionParams(t *testing.T) {
	var got types.CheckoutParams
	stripe := &mockStripeAPI{
		createCheckoutSessionFn: func(ctx context.Context, params types.CheckoutParams) (string, error) {
			got = params
			return "https://checkout.stripe.com/c/pay/cs_123", nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	url, err := svc.StartCheckout(context.Background(), identity, types.PlanScale)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_123", url)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, "price_scale", got.PriceID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, types.PlanScale, got.Plan)
	assert.Equal(t, "https://example.com/portal/?checkout=success", got.SuccessURL)
	assert.Equal(t, "https://example.com/portal/?checkout=cancelled", got.CancelURL)
}

func TestStartCheckoutRejectsUnknownPlan(t *testing.T) {
	svc := newTestService(&mockStripeAPI{}, &mockRecordStore{}, t)

	_, err := svc.StartCheckout(context.Background(), identity, types.Plan("platinum"))
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidPlan, appErr.Code)
}

// =============================================================================
// ChangePlan
// =============================================================================

func TestChangePlanSwapsPrice(t *testing.T) {
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return []types.ProviderSubscription{
				{ID: "sub_1", Status: types.SubStatusActive, ItemID: "si_1", PriceID: "price_starter"},
			}, false, nil
		},
		updateSubscriptionPriceFn: func(ctx context.Context, subscriptionID, itemID, priceID string) (types.ProviderSubscription, error) {
			assert.Equal(t, "sub_1", subscriptionID)
			assert.Equal(t, "si_1", itemID)
			assert.Equal(t, "price_growth", priceID)
			return types.ProviderSubscription{
				ID: "sub_1", Status: types.SubStatusActive, ItemID: "si_1", PriceID: "price_growth",
			}, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	change, err := svc.ChangePlan(context.Background(), "user-1", types.PlanGrowth)
	require.NoError(t, err)
	assert.False(t, change.AlreadyOn)
	assert.Equal(t, types.DirectionUpgrade, change.Direction)
	require.NotNil(t, change.Subscription.Plan)
	assert.Equal(t, types.PlanGrowth, *change.Subscription.Plan)

	// The refreshed provider state is merged into the stored binding.
	require.Len(t, store.upserts, 1)
	require.NotNil(t, store.upserts[0].PriceID)
	assert.Equal(t, "price_growth", *store.upserts[0].PriceID)
}

func TestChangePlanNoOpOnSamePrice(t *testing.T) {
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return []types.ProviderSubscription{
				{ID: "sub_1", Status: types.SubStatusActive, ItemID: "si_1", PriceID: "price_growth"},
			}, false, nil
		},
		updateSubscriptionPriceFn: func(ctx context.Context, subscriptionID, itemID, priceID string) (types.ProviderSubscription, error) {
			t.Fatal("same-price change must not call the provider")
			return types.ProviderSubscription{}, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	change, err := svc.ChangePlan(context.Background(), "user-1", types.PlanGrowth)
	require.NoError(t, err)
	assert.True(t, change.AlreadyOn)
	assert.Equal(t, "sub_1", change.Subscription.ID)
	assert.Empty(t, store.upserts)
}

func TestChangePlanRequiresBinding(t *testing.T) {
	svc := newTestService(&mockStripeAPI{}, &mockRecordStore{}, t)

	_, err := svc.ChangePlan(context.Background(), "user-1", types.PlanGrowth)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundCustomer, appErr.Code)
}

func TestChangePlanRequiresCurrentSubscription(t *testing.T) {
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return []types.ProviderSubscription{
				{ID: "sub_dead", Status: types.SubStatusCanceled, PriceID: "price_starter"},
			}, false, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	_, err := svc.ChangePlan(context.Background(), "user-1", types.PlanGrowth)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

// =============================================================================
// StopAtPeriodEnd
// =============================================================================

func TestStopAtPeriodEndFlagsSubscription(t *testing.T) {
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return []types.ProviderSubscription{
				{ID: "sub_1", Status: types.SubStatusActive, ItemID: "si_1", PriceID: "price_growth"},
			}, false, nil
		},
		setCancelAtPeriodEndFn: func(ctx context.Context, subscriptionID string, cancel bool) (types.ProviderSubscription, error) {
			assert.Equal(t, "sub_1", subscriptionID)
			assert.True(t, cancel)
			return types.ProviderSubscription{
				ID: "sub_1", Status: types.SubStatusActive, CancelAtPeriodEnd: true, PriceID: "price_growth",
			}, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	proj, err := svc.StopAtPeriodEnd(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, proj.CancelAtPeriodEnd)
	assert.Equal(t, types.SubStatusActive, proj.Status)

	require.Len(t, store.upserts, 1)
	require.NotNil(t, store.upserts[0].CancelAtPeriodEnd)
	assert.True(t, *store.upserts[0].CancelAtPeriodEnd)
}

func TestStopAtPeriodEndRepeatedCallStaysFlagged(t *testing.T) {
	flagged := false
	var cancelCalls int
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return []types.ProviderSubscription{
				{ID: "sub_1", Status: types.SubStatusActive, ItemID: "si_1", PriceID: "price_growth", CancelAtPeriodEnd: flagged},
			}, false, nil
		},
		setCancelAtPeriodEndFn: func(ctx context.Context, subscriptionID string, cancel bool) (types.ProviderSubscription, error) {
			cancelCalls++
			assert.True(t, cancel)
			flagged = true
			return types.ProviderSubscription{
				ID: "sub_1", Status: types.SubStatusActive, CancelAtPeriodEnd: true, PriceID: "price_growth",
			}, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	first, err := svc.StopAtPeriodEnd(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, first.CancelAtPeriodEnd)

	// Second call sees the flag already set upstream and still succeeds.
	second, err := svc.StopAtPeriodEnd(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, second.CancelAtPeriodEnd)

	assert.Equal(t, 2, cancelCalls)
	require.Len(t, store.upserts, 2)
	for _, patch := range store.upserts {
		require.NotNil(t, patch.CancelAtPeriodEnd)
		assert.True(t, *patch.CancelAtPeriodEnd)
	}
}

func TestStopAtPeriodEndRequiresSubscription(t *testing.T) {
	stripe := &mockStripeAPI{
		listSubscriptionsFn: func(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
			return nil, false, nil
		},
	}
	store := &mockRecordStore{
		getBindingFn: func(ctx context.Context, userID string) (*types.CustomerBinding, error) {
			return boundUser("cus_1"), nil
		},
	}
	svc := newTestService(stripe, store, t)

	_, err := svc.StopAtPeriodEnd(context.Background(), "user-1")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

// =============================================================================
// Direction labeling
// =============================================================================

func TestDirectionOfChange(t *testing.T) {
	assert.Equal(t, types.DirectionUpgrade, types.DirectionOfChange(types.PlanStarter, types.PlanScale))
	assert.Equal(t, types.DirectionDowngrade, types.DirectionOfChange(types.PlanScale, types.PlanGrowth))
	assert.Equal(t, types.DirectionSwitch, types.DirectionOfChange(types.PlanGrowth, types.PlanGrowth))
	assert.Equal(t, types.DirectionSwitch, types.DirectionOfChange(types.Plan("legacy"), types.PlanGrowth))
}
