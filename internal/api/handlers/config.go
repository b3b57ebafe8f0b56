// This file implements the public portal bootstrap endpoint. The browser
// calls it before any authenticated request to obtain the identity provider's
// public client configuration and the plan catalog.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"portalsync/internal/config"
	"portalsync/internal/core"
	"portalsync/internal/types"
)

// identityPublicConfig is the identity provider's browser SDK configuration.
// These values are public by design and carry no secrets.
type identityPublicConfig struct {
	APIKey     string `json:"apiKey"`
	AuthDomain string `json:"authDomain"`
	ProjectID  string `json:"projectId"`
	AppID      string `json:"appId,omitempty"`
}

// portalConfigResponse is the body for GET /portal/config.
type portalConfigResponse struct {
	Identity identityPublicConfig `json:"identity"`
	Plans    []planEntry          `json:"plans"`
}

// PortalConfigHandler serves GET /portal/config, unauthenticated.
type PortalConfigHandler struct {
	identity config.IdentityConfig
	catalog  PlanLister
	logger   *slog.Logger
}

// NewPortalConfigHandler creates a PortalConfigHandler.
func NewPortalConfigHandler(identity config.IdentityConfig, catalog PlanLister, l *slog.Logger) *PortalConfigHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PortalConfigHandler{identity: identity, catalog: catalog, logger: l}
}

// RegisterRoutes mounts the portal config endpoint.
func (h *PortalConfigHandler) RegisterRoutes(r chi.Router) {
	r.Get("/portal/config", h.Get)
}

// Get returns the public identity configuration and the plan catalog. Missing
// required public config is a deployment fault and fails the request rather
// than handing the browser a half-usable bootstrap.
func (h *PortalConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.identity.PublicAPIKey == "" || h.identity.PublicAuthDomain == "" || h.identity.PublicProjectID == "" {
		h.logger.ErrorContext(r.Context(), "identity public config incomplete")
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalConfig, "portal configuration unavailable", nil))
		return
	}

	prices := h.catalog.PlanPriceMap()
	plans := make([]planEntry, 0, len(prices))
	for _, plan := range types.AllPlans {
		if priceID, ok := prices[plan]; ok {
			plans = append(plans, planEntry{ID: string(plan), Name: plan.DisplayName(), PriceID: priceID})
		}
	}

	core.JSON(w, r, http.StatusOK, portalConfigResponse{
		Identity: identityPublicConfig{
			APIKey:     h.identity.PublicAPIKey,
			AuthDomain: h.identity.PublicAuthDomain,
			ProjectID:  h.identity.PublicProjectID,
			AppID:      h.identity.PublicAppID,
		},
		Plans: plans,
	})
}
