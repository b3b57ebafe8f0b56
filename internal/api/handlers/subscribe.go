// This file implements the public newsletter signup endpoint.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"portalsync/internal/core"
	"portalsync/internal/external"
	"portalsync/internal/types"
)

// subscribeRequest is the body for POST /subscribe.
type subscribeRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName" validate:"omitempty,max=100"`
}

// subscribeResponse is the body for a successful signup.
type subscribeResponse struct {
	Success bool `json:"success"`
}

// SubscribeHandler serves POST /subscribe, unauthenticated.
type SubscribeHandler struct {
	newsletter external.NewsletterService
	validator  *core.Validator
	logger     *slog.Logger
}

// NewSubscribeHandler creates a SubscribeHandler. newsletter may be nil when
// the mailing-list provider is not configured; requests then fail with a
// misconfiguration error instead of silently dropping signups.
func NewSubscribeHandler(newsletter external.NewsletterService, v *core.Validator, l *slog.Logger) *SubscribeHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SubscribeHandler{newsletter: newsletter, validator: v, logger: l}
}

// RegisterRoutes mounts the subscribe endpoint.
func (h *SubscribeHandler) RegisterRoutes(r chi.Router) {
	r.Post("/subscribe", h.Subscribe)
}

// Subscribe validates the email and forwards it to the mailing-list provider.
func (h *SubscribeHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if h.newsletter == nil {
		h.logger.ErrorContext(r.Context(), "newsletter provider not configured")
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalConfig, "newsletter signup unavailable", nil))
		return
	}

	if err := h.newsletter.Subscribe(r.Context(), req.Email, req.FirstName); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "newsletter signup accepted")
	core.JSON(w, r, http.StatusOK, subscribeResponse{Success: true})
}
