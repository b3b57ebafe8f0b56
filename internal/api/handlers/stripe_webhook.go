// This file implements the webhook reconciler: the asynchronous, at-least-once
// consumer of provider-signed events that keeps the record store's projection
// in agreement with Stripe.
//
// The endpoint is NOT behind auth middleware; security is the Stripe-Signature
// HMAC verified over the exact raw body bytes. Verification always fails
// closed: an unconfigured signing secret rejects every delivery.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"portalsync/internal/core"
	"portalsync/internal/external"
	"portalsync/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Real payloads are
// a few kilobytes; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// metadataUserIDKey is the metadata key under which the checkout and customer
// objects carry the application user ID.
const metadataUserIDKey = "uid"

// BindingWriter is the record store surface the reconciler writes through.
type BindingWriter interface {
	// GetUserIDByCustomer reverse-resolves a provider customer ID to the
	// bound user ID. Returns "" when no binding exists.
	GetUserIDByCustomer(ctx context.Context, stripeCustomerID string) (string, error)

	// UpsertBinding blind-merges a partial binding update.
	UpsertBinding(ctx context.Context, userID string, patch types.BindingPatch) error

	// ApplySubscriptionEvent merges a projection update guarded by the event
	// timestamp; returns false when the event is older than the stored state.
	ApplySubscriptionEvent(ctx context.Context, userID string, patch types.BindingPatch, eventAt time.Time) (bool, error)
}

// EventLog records delivered event IDs with their compressed raw payload.
type EventLog interface {
	// RecordEvent returns true for a first delivery, false for a redelivery.
	RecordEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
}

// CustomerReader retrieves a provider customer, used to fall back to customer
// metadata for user resolution and to refresh the stored email.
type CustomerReader interface {
	GetCustomer(ctx context.Context, customerID string) (*external.Customer, error)
}

// PriceMapper maps a provider price ID back to a catalog plan.
type PriceMapper interface {
	PlanFromPriceID(priceID string) *types.Plan
}

// ChangePublisher publishes applied subscription changes to the analytics
// feed. Publishing is best effort; the reconciler never fails on it.
type ChangePublisher interface {
	Publish(ctx context.Context, msg types.SubscriptionChangeMessage) error
}

// ReconciliationMetrics counts reconciled events by type and outcome
// (applied, stale, skipped).
type ReconciliationMetrics interface {
	RecordReconciliation(ctx context.Context, eventType, outcome string)
}

// StripeWebhookHandler is the webhook reconciler. It is stateless per
// invocation; all state lives in the record store, and every write is an
// idempotent merge so redeliveries and concurrent deliveries are safe.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	bindings  BindingWriter
	events    EventLog
	customers CustomerReader
	prices    PriceMapper
	feed      ChangePublisher
	metrics   ReconciliationMetrics
	secret    string
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates the reconciler. feed and metrics may be nil
// when no change-feed queue or metrics backend is configured.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	bindings BindingWriter,
	events EventLog,
	customers CustomerReader,
	prices PriceMapper,
	feed ChangePublisher,
	metrics ReconciliationMetrics,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		bindings:  bindings,
		events:    events,
		customers: customers,
		prices:    prices,
		feed:      feed,
		metrics:   metrics,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Separate from the authenticated
// handler groups because this route is public.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one webhook delivery:
//
//  1. Reads the raw body and verifies the Stripe-Signature header over those
//     exact bytes.
//  2. Parses the event envelope, failing loudly on missing required fields.
//  3. Records the event ID in the dedup log with the compressed payload.
//  4. Dispatches by event type; unrecognized types are acknowledged unchanged.
//  5. Acknowledges with 200 even when the event's customer has no binding
//     (not a transient failure); returns non-2xx on store failures so Stripe
//     retries the delivery.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationBadSignature, "failed to read request body", err))
		return
	}

	if h.secret == "" {
		h.logger.ErrorContext(r.Context(), "webhook signing secret not configured, rejecting delivery")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook verification unavailable", nil))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationBadSignature, "malformed webhook event", err))
		return
	}
	if event.ID == "" || event.Type == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationBadSignature, "webhook event missing id or type", nil))
		return
	}

	firstDelivery, err := h.events.RecordEvent(r.Context(), event.ID, event.Type, payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to record webhook event",
			"event_id", event.ID, "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalDB, "failed to record event", err))
		return
	}
	if !firstDelivery {
		h.logger.InfoContext(r.Context(), "webhook event redelivered",
			"event_id", event.ID, "event_type", event.Type)
	}

	// Redeliveries are processed anyway: every write below is an idempotent
	// merge, and reprocessing heals a delivery that failed mid-dispatch.
	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}

// Reconciliation outcomes reported per event.
const (
	outcomeApplied = "applied"
	outcomeStale   = "stale"
	outcomeSkipped = "skipped"
)

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)
	case external.EventStripeSubCreated, external.EventStripeSubUpdated, external.EventStripeSubDeleted:
		return h.handleSubscriptionEvent(ctx, event)
	case external.EventStripeInvoicePaid, external.EventStripePaymentFailed:
		return h.handleInvoiceEvent(ctx, event)
	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_id", event.ID, "event_type", event.Type)
		h.recordOutcome(ctx, event.Type, outcomeSkipped)
		return nil
	}
}

// recordOutcome reports the event's reconciliation outcome. Metrics are
// optional and never gate event processing.
func (h *StripeWebhookHandler) recordOutcome(ctx context.Context, eventType, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordReconciliation(ctx, eventType, outcome)
}

// handleCheckoutCompleted records the session ID and completion time on the
// binding. Subscription fields are left alone; they arrive via the
// customer.subscription.* events.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeWebhookEvent) error {
	session, err := parseEventObject[stripeCheckoutSessionObj](event)
	if err != nil {
		return err
	}

	userID, err := h.resolveUserID(ctx, session.ClientReferenceID, session.Metadata, session.Customer)
	if err != nil {
		return err
	}
	if userID == "" {
		h.logger.InfoContext(ctx, "dropping checkout event for unbound customer",
			"event_id", event.ID, "stripe_customer_id", session.Customer)
		h.recordOutcome(ctx, event.Type, outcomeSkipped)
		return nil
	}

	patch := types.BindingPatch{
		CheckoutSessionID:       types.StrPtr(session.ID),
		LastCheckoutCompletedAt: types.TimePtr(event.timestamp()),
	}
	if session.Customer != "" {
		patch.StripeCustomerID = types.StrPtr(session.Customer)
		// Best-effort email refresh from the provider's customer record.
		if customer, err := h.customers.GetCustomer(ctx, session.Customer); err == nil && customer.Email != "" {
			patch.Email = types.StrPtr(customer.Email)
		}
	}

	if err := h.bindings.UpsertBinding(ctx, userID, patch); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store checkout completion", err)
	}

	h.logger.InfoContext(ctx, "checkout completion recorded",
		"event_id", event.ID, "user_id", userID, "session_id", session.ID)
	h.recordOutcome(ctx, event.Type, outcomeApplied)
	h.publishChange(ctx, event, userID, session.Customer, "", "", nil)
	return nil
}

// handleSubscriptionEvent applies the full projection carried by a
// customer.subscription.* event, guarded by the event timestamp so a stale
// redelivery cannot overwrite fresher state.
func (h *StripeWebhookHandler) handleSubscriptionEvent(ctx context.Context, event *stripeWebhookEvent) error {
	sub, err := parseEventObject[stripeSubscriptionObj](event)
	if err != nil {
		return err
	}
	if sub.ID == "" {
		return types.NewAppError(types.ErrCodeValidationBadSignature,
			fmt.Sprintf("%s event %s missing subscription id", event.Type, event.ID), nil)
	}

	userID, err := h.resolveUserID(ctx, "", sub.Metadata, sub.Customer)
	if err != nil {
		return err
	}
	if userID == "" {
		h.logger.InfoContext(ctx, "dropping subscription event for unbound customer",
			"event_id", event.ID, "stripe_customer_id", sub.Customer)
		h.recordOutcome(ctx, event.Type, outcomeSkipped)
		return nil
	}

	status := types.SubscriptionStatus(sub.Status)
	if event.Type == external.EventStripeSubDeleted {
		status = types.SubStatusCanceled
	}

	periodStart, periodEnd, priceID := sub.period()

	patch := types.BindingPatch{
		SubscriptionID:     types.StrPtr(sub.ID),
		SubscriptionStatus: &status,
		CancelAtPeriodEnd:  types.BoolPtr(sub.CancelAtPeriodEnd),
	}
	if sub.Customer != "" {
		patch.StripeCustomerID = types.StrPtr(sub.Customer)
	}
	if periodStart > 0 {
		patch.CurrentPeriodStart = types.TimePtr(time.Unix(periodStart, 0).UTC())
	}
	if periodEnd > 0 {
		patch.CurrentPeriodEnd = types.TimePtr(time.Unix(periodEnd, 0).UTC())
	}

	var plan *types.Plan
	if priceID != "" {
		patch.PriceID = types.StrPtr(priceID)
		plan = h.prices.PlanFromPriceID(priceID)
		if plan != nil {
			patch.Plan = plan
		} else {
			// Unmapped price: the stale tier must not survive on the record.
			patch.ClearPlan = true
		}
	}

	applied, err := h.bindings.ApplySubscriptionEvent(ctx, userID, patch, event.timestamp())
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription event", err)
	}
	if !applied {
		h.logger.InfoContext(ctx, "stale subscription event dropped",
			"event_id", event.ID, "user_id", userID, "subscription_id", sub.ID)
		h.recordOutcome(ctx, event.Type, outcomeStale)
		return nil
	}

	h.logger.InfoContext(ctx, "subscription projection updated",
		"event_id", event.ID, "user_id", userID,
		"subscription_id", sub.ID, "status", string(status))
	h.recordOutcome(ctx, event.Type, outcomeApplied)
	h.publishChange(ctx, event, userID, sub.Customer, sub.ID, status, plan)
	return nil
}

// handleInvoiceEvent records invoice bookkeeping fields on the binding.
// Subscription status fields are never touched from invoice events.
func (h *StripeWebhookHandler) handleInvoiceEvent(ctx context.Context, event *stripeWebhookEvent) error {
	invoice, err := parseEventObject[stripeInvoiceObj](event)
	if err != nil {
		return err
	}

	metadata := invoice.Metadata
	if invoice.SubscriptionDetails != nil && invoice.SubscriptionDetails.Metadata[metadataUserIDKey] != "" {
		metadata = invoice.SubscriptionDetails.Metadata
	}

	userID, err := h.resolveUserID(ctx, "", metadata, invoice.Customer)
	if err != nil {
		return err
	}
	if userID == "" {
		h.logger.InfoContext(ctx, "dropping invoice event for unbound customer",
			"event_id", event.ID, "stripe_customer_id", invoice.Customer)
		h.recordOutcome(ctx, event.Type, outcomeSkipped)
		return nil
	}

	paid := event.Type == external.EventStripeInvoicePaid || invoice.Paid
	patch := types.BindingPatch{
		LastInvoiceID:     types.StrPtr(invoice.ID),
		LastInvoiceStatus: types.StrPtr(invoice.Status),
		LastInvoicePaid:   types.BoolPtr(paid),
	}

	if err := h.bindings.UpsertBinding(ctx, userID, patch); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store invoice state", err)
	}

	h.logger.InfoContext(ctx, "invoice state recorded",
		"event_id", event.ID, "user_id", userID,
		"invoice_id", invoice.ID, "paid", paid)
	h.recordOutcome(ctx, event.Type, outcomeApplied)
	return nil
}

// resolveUserID resolves the application user for an event. Order: explicit
// reference, object metadata, reverse binding lookup, then the customer's own
// provider metadata. An empty result means the event is for a customer this
// application never bound.
func (h *StripeWebhookHandler) resolveUserID(ctx context.Context, reference string, metadata map[string]string, customerID string) (string, error) {
	if reference != "" {
		return reference, nil
	}
	if uid := metadata[metadataUserIDKey]; uid != "" {
		return uid, nil
	}
	if customerID == "" {
		return "", nil
	}

	userID, err := h.bindings.GetUserIDByCustomer(ctx, customerID)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve customer binding", err)
	}
	if userID != "" {
		return userID, nil
	}

	// Last resort: the customer object itself carries the user ID in its
	// metadata when it was created by this application.
	customer, err := h.customers.GetCustomer(ctx, customerID)
	if err != nil {
		h.logger.WarnContext(ctx, "customer metadata lookup failed during resolution",
			"stripe_customer_id", customerID, "error", err)
		return "", nil
	}
	return customer.UserID, nil
}

// publishChange emits a change-feed message. Failures are logged and
// swallowed; the feed is analytics-only and never gates reconciliation.
func (h *StripeWebhookHandler) publishChange(ctx context.Context, event *stripeWebhookEvent, userID, customerID, subscriptionID string, status types.SubscriptionStatus, plan *types.Plan) {
	if h.feed == nil {
		return
	}

	msg := types.SubscriptionChangeMessage{
		EventID:          event.ID,
		EventType:        event.Type,
		UserID:           userID,
		StripeCustomerID: customerID,
		SubscriptionID:   subscriptionID,
		Status:           status,
		Plan:             plan,
		OccurredAt:       event.timestamp(),
	}
	if err := h.feed.Publish(ctx, msg); err != nil {
		h.logger.WarnContext(ctx, "change feed publish failed",
			"event_id", event.ID, "user_id", userID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Event parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event.
// The full stripe.Event type is deliberately not imported; these closed
// per-type structs fail loudly on missing required fields instead of letting
// untyped values reach the store.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

func (e *stripeWebhookEvent) timestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// parseEventObject decodes the event's data.object into the per-type struct.
func parseEventObject[T any](event *stripeWebhookEvent) (*T, error) {
	if len(event.Data.Object) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationBadSignature,
			fmt.Sprintf("%s event %s missing data.object", event.Type, event.ID), nil)
	}
	var obj T
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationBadSignature,
			fmt.Sprintf("%s event %s has malformed data.object", event.Type, event.ID), err)
	}
	return &obj, nil
}

// stripeCheckoutSessionObj carries the checkout.session.completed fields the
// reconciler needs.
type stripeCheckoutSessionObj struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Subscription      string            `json:"subscription"`
}

// stripeSubscriptionObj carries the customer.subscription.* fields.
type stripeSubscriptionObj struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	CurrentPeriodStart int64          `json:"current_period_start"`
	CurrentPeriodEnd   int64          `json:"current_period_end"`
	Price              stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

// period returns the billing period bounds and price ID, preferring
// item-level period fields (current API versions) over the subscription-level
// ones (older versions).
func (s *stripeSubscriptionObj) period() (start, end int64, priceID string) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			start = item.CurrentPeriodStart
		}
		if item.CurrentPeriodEnd > 0 {
			end = item.CurrentPeriodEnd
		}
		priceID = item.Price.ID
	}
	return start, end, priceID
}

// stripeInvoiceObj carries the invoice.* fields.
type stripeInvoiceObj struct {
	ID                  string            `json:"id"`
	Customer            string            `json:"customer"`
	Status              string            `json:"status"`
	Paid                bool              `json:"paid"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *stripeSubDetails `json:"subscription_details"`
}

type stripeSubDetails struct {
	Metadata map[string]string `json:"metadata"`
}
