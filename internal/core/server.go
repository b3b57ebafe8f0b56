// Package core provides the API chassis for portalsync. It creates a chi
// router compatible with both standard HTTP (for local dev) and AWS Lambda
// proxy integration (via chiadapter), and enforces cross-cutting concerns,
// security headers, logging, metrics, and error handling, before requests
// reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"portalsync/internal/config"
	"portalsync/internal/types"
)

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records request latency and count for one completed request.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// IdentityVerifier resolves bearer tokens to verified identities. Defined here
// rather than importing the external package so the chassis stays mockable.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (types.UserIdentity, error)
}

// Server encapsulates the API's cross-cutting dependencies, allowing for easy
// injection during testing and distinct configuration per environment.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector
	Verifier  IdentityVerifier

	// RouteRegistrars are populated by the application entry point; each one
	// mounts a handler group. The indirection avoids import cycles between
	// core and the handlers package.
	RouteRegistrars []func(chi.Router)

	// HealthProbes are the dependency checks run by GET /health.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes the chassis. The caller mounts routes afterwards via
// MountRoutes; the separation lets tests customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router. Used by http.ListenAndServe
// locally and chiadapter.New on Lambda.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
