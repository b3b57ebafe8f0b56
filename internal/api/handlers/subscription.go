// Package handlers contains the HTTP handler implementations for the
// portalsync API.
//
// This file implements the authenticated subscription endpoints: reading the
// current subscription state and the three mutations (start checkout, change
// plan, stop at period end). All four resolve the caller from the verified
// identity injected by the auth middleware; none of them trust client-supplied
// user or customer identifiers.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"portalsync/internal/core"
	"portalsync/internal/types"
)

// SubscriptionService abstracts the billing service for the subscription
// endpoints. Defined locally so the handler can be tested against a mock.
type SubscriptionService interface {
	// Overview returns the bound customer ID and the current subscription
	// projection (nil when the user has no qualifying subscription).
	Overview(ctx context.Context, id types.UserIdentity) (string, *types.SubscriptionProjection, error)

	// StartCheckout creates a hosted checkout session for the plan and
	// returns the redirect URL.
	StartCheckout(ctx context.Context, id types.UserIdentity, plan types.Plan) (string, error)

	// ChangePlan swaps the current subscription onto the plan's price.
	ChangePlan(ctx context.Context, userID string, plan types.Plan) (*types.PlanChange, error)

	// StopAtPeriodEnd flags the current subscription to cancel when the paid
	// period expires.
	StopAtPeriodEnd(ctx context.Context, userID string) (*types.SubscriptionProjection, error)
}

// PlanLister exposes the plan catalog for response payloads.
type PlanLister interface {
	PlanPriceMap() map[types.Plan]string
}

// planEntry is one catalog tier in API responses.
type planEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	PriceID string `json:"priceId"`
}

// subscriptionResponse is the body for GET /portal/subscription.
type subscriptionResponse struct {
	CustomerID   string                        `json:"customerId"`
	Subscription *types.SubscriptionProjection `json:"subscription"`
	Plans        []planEntry                   `json:"plans"`
}

// planRequest is the body for the start and change mutations.
type planRequest struct {
	Plan types.Plan `json:"plan" validate:"required,oneof=starter growth scale"`
}

// checkoutResponse is the body for POST /portal/subscription/start.
type checkoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

// mutationResponse is the body for the change and stop mutations.
type mutationResponse struct {
	OK           bool                          `json:"ok"`
	Subscription *types.SubscriptionProjection `json:"subscription"`
	Direction    types.ChangeDirection         `json:"direction,omitempty"`
	Message      string                        `json:"message,omitempty"`
}

// SubscriptionHandler serves the authenticated portal subscription endpoints.
type SubscriptionHandler struct {
	service   SubscriptionService
	catalog   PlanLister
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler with the provided
// dependencies.
func NewSubscriptionHandler(svc SubscriptionService, catalog PlanLister, v *core.Validator, l *slog.Logger) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SubscriptionHandler{
		service:   svc,
		catalog:   catalog,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the subscription endpoints.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/portal/subscription", h.Get)
	r.Post("/portal/subscription/start", h.Start)
	r.Post("/portal/subscription/change", h.Change)
	r.Post("/portal/subscription/stop", h.Stop)
}

// Get handles GET /portal/subscription. A nil subscription in the response is
// the "not subscribed" state, not an error.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	customerID, sub, err := h.service.Overview(r.Context(), identity)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, subscriptionResponse{
		CustomerID:   customerID,
		Subscription: sub,
		Plans:        h.planEntries(),
	})
}

// Start handles POST /portal/subscription/start.
func (h *SubscriptionHandler) Start(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	req, ok := h.decodePlanRequest(w, r)
	if !ok {
		return
	}

	checkoutURL, err := h.service.StartCheckout(r.Context(), identity, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, checkoutResponse{CheckoutURL: checkoutURL})
}

// Change handles POST /portal/subscription/change.
func (h *SubscriptionHandler) Change(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	req, ok := h.decodePlanRequest(w, r)
	if !ok {
		return
	}

	change, err := h.service.ChangePlan(r.Context(), identity.UserID, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := mutationResponse{OK: true, Subscription: change.Subscription, Direction: change.Direction}
	if change.AlreadyOn {
		resp.Message = "already on selected plan"
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// Stop handles POST /portal/subscription/stop. The request body is empty;
// the target subscription is always the caller's current one.
func (h *SubscriptionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	identity, ok := types.GetIdentity(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	sub, err := h.service.StopAtPeriodEnd(r.Context(), identity.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, mutationResponse{OK: true, Subscription: sub})
}

// decodePlanRequest reads and validates a plan mutation body, writing the
// error response itself when the body is unusable.
func (h *SubscriptionHandler) decodePlanRequest(w http.ResponseWriter, r *http.Request) (planRequest, bool) {
	var req planRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	return req, true
}

// planEntries renders the catalog in ascending tier order.
func (h *SubscriptionHandler) planEntries() []planEntry {
	prices := h.catalog.PlanPriceMap()
	entries := make([]planEntry, 0, len(prices))
	for _, plan := range types.AllPlans {
		if priceID, ok := prices[plan]; ok {
			entries = append(entries, planEntry{ID: string(plan), Name: plan.DisplayName(), PriceID: priceID})
		}
	}
	return entries
}
