package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"portalsync/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// metadataUserIDKey is the customer/session metadata key carrying the
// application user ID. Webhook reverse lookup falls back on it when the local
// binding table has no row for a customer.
const metadataUserIDKey = "uid"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient. Form
// encoding and raw HTTP keep every request on the platform's resilience path
// (circuit breaker, retries, error mapping) and make httptest-based testing
// straightforward. It implements billing.StripeAPI.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the standard retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"PortalSync/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful in tests to disable retry sleeps.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Customers
// ---------------------------------------------------------------------------

// Customer is the slice of a Stripe customer record the service cares about.
type Customer struct {
	ID     string
	Email  string
	UserID string // from metadata, empty when untagged
}

// FindCustomerByEmail returns the ID of the most recently created customer with
// the given email, or "" when none exists. Stripe lists newest first.
func (s *StripeClient) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/customers", params)
	if err != nil {
		return "", s.wrapStripeError("FindCustomerByEmail", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "FindCustomerByEmail")
	}

	var list stripeCustomerList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer list response",
			err,
		)
	}
	if len(list.Data) == 0 {
		return "", nil
	}
	return list.Data[0].ID, nil
}

// CreateCustomer creates a customer tagged with the application user ID so the
// association survives even if the local binding row is lost.
func (s *StripeClient) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	params := url.Values{}
	if email != "" {
		params.Set("email", email)
	}
	params.Set(fmt.Sprintf("metadata[%s]", metadataUserIDKey), userID)

	resp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return "", s.wrapStripeError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}
	return customer.ID, nil
}

// UpdateCustomer refreshes the email and user-ID tag on an existing customer.
func (s *StripeClient) UpdateCustomer(ctx context.Context, customerID, email, userID string) error {
	params := url.Values{}
	if email != "" {
		params.Set("email", email)
	}
	params.Set(fmt.Sprintf("metadata[%s]", metadataUserIDKey), userID)

	resp, err := s.doPost(ctx, "/v1/customers/"+url.PathEscape(customerID), params)
	if err != nil {
		return s.wrapStripeError("UpdateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateCustomer")
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetCustomer fetches a customer record. The reconciler uses it as a fallback
// resolution path: the metadata tag points back at the application user.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	resp, err := s.doGet(ctx, "/v1/customers/"+url.PathEscape(customerID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer response",
			err,
		)
	}
	return &Customer{
		ID:     customer.ID,
		Email:  customer.Email,
		UserID: customer.Metadata[metadataUserIDKey],
	}, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// ListSubscriptions returns up to limit subscriptions for the customer across
// every status, newest first, plus whether more pages exist. status=all is
// deliberate: the qualifying-status selection belongs to the caller.
func (s *StripeClient) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]types.ProviderSubscription, bool, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")
	params.Set("limit", strconv.Itoa(limit))

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, false, s.wrapStripeError("ListSubscriptions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, s.handleErrorResponse(resp, "ListSubscriptions")
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, false, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	subs := make([]types.ProviderSubscription, 0, len(list.Data))
	for i := range list.Data {
		subs = append(subs, mapStripeSubscription(&list.Data[i]))
	}
	return subs, list.HasMore, nil
}

// UpdateSubscriptionPrice moves the subscription's single item to a new price.
// It clears any pending cancellation and prorates the switch, matching the
// portal's plan-change semantics.
func (s *StripeClient) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", "false")
	params.Set("proration_behavior", "create_prorations")
	params.Set("items[0][id]", itemID)
	params.Set("items[0][price]", priceID)

	return s.postSubscription(ctx, "UpdateSubscriptionPrice", subscriptionID, params)
}

// SetCancelAtPeriodEnd flips the end-of-period cancellation flag. Setting an
// already-set flag is a no-op on Stripe's side, which keeps the stop operation
// idempotent.
func (s *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	return s.postSubscription(ctx, "SetCancelAtPeriodEnd", subscriptionID, params)
}

func (s *StripeClient) postSubscription(ctx context.Context, operation, subscriptionID string, params url.Values) (types.ProviderSubscription, error) {
	resp, err := s.doPost(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), params)
	if err != nil {
		return types.ProviderSubscription{}, s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ProviderSubscription{}, s.handleErrorResponse(resp, operation)
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return types.ProviderSubscription{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}
	return mapStripeSubscription(&sub), nil
}

// ---------------------------------------------------------------------------
// Checkout
// ---------------------------------------------------------------------------

// CreateCheckoutSession opens a hosted checkout session for a subscription.
// The user ID rides along as client_reference_id and in both the session and
// subscription metadata, so every webhook shape downstream can be correlated.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p types.CheckoutParams) (string, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", p.UserID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("allow_promotion_codes", "true")
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set(fmt.Sprintf("metadata[%s]", metadataUserIDKey), p.UserID)
	params.Set("metadata[plan]", string(p.Plan))
	params.Set(fmt.Sprintf("subscription_data[metadata][%s]", metadataUserIDKey), p.UserID)
	params.Set("subscription_data[metadata][plan]", string(p.Plan))

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return session.URL, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundCustomer,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
			map[string]any{"stripe_code": stripeErr.Error.Code, "stripe_type": stripeErr.Error.Type},
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerList struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID                 string      `json:"id"`
	Price              stripePrice `json:"price"`
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// mapStripeSubscription converts a Stripe subscription into the provider-shaped
// domain struct. Newer Stripe API versions carry the period on the item rather
// than the subscription, so the item values win when present.
func mapStripeSubscription(sub *stripeSubscription) types.ProviderSubscription {
	out := types.ProviderSubscription{
		ID:                 sub.ID,
		Status:             types.SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		out.PriceID = item.Price.ID
		if item.CurrentPeriodStart > 0 {
			out.CurrentPeriodStart = item.CurrentPeriodStart
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = item.CurrentPeriodEnd
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's signature
// validation, which checks the HMAC-SHA256 signature and timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
