package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"portalsync/internal/types"
)

// authPublicPaths lists URL paths exempt from authentication. The webhook
// endpoint authenticates by signature instead; the config and subscribe
// endpoints are deliberately public.
var authPublicPaths = map[string]bool{
	"/health":          true,
	"/portal/config":   true,
	"/subscribe":       true,
	"/webhooks/stripe": true,
}

// AuthMiddleware guards the portal endpoints.
//
//  1. Extracts the Bearer token from the Authorization header.
//  2. Verifies it with the identity provider via the injected Verifier.
//  3. Injects the verified types.UserIdentity into the request context.
//
// Distinct 401 error codes: auth_token_missing when no usable token is
// present, auth_token_invalid / auth_token_expired from verification. An
// identity provider outage surfaces as a 502, never as a 401, so clients do
// not discard valid tokens during an upstream incident.
//
// If the Verifier field on Server is nil (e.g. tests that don't inject one),
// the middleware passes through without authentication.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		if authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		identity, err := s.Verifier.Verify(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if identity.UserID == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithIdentity(r.Context(), identity)))
	})
}

// extractBearerToken parses the Authorization header value and returns the
// token string. It expects "Bearer <token>" (case-insensitive scheme per
// RFC 7235). Returns "" if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// handleAuthError inspects the verification error and writes the appropriate
// response. Auth-classed errors become 401s with their own code; anything else
// (provider outage, internal failure) passes through Error for its real status.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.Warn("authentication failed: token expired",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthTokenMissing:
			s.Logger.Warn("authentication failed: token invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error_code", string(appErr.Code)),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
		// Non-auth AppError (upstream outage etc.): keep its status and code.
		s.Logger.Error("authentication failed: provider error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		Error(w, r, appErr)
		return
	}

	s.Logger.Error("authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

// writeAuthError writes a 401 Unauthorized JSON response with the given code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, ErrorResponse{
		Error:     message,
		Code:      string(code),
		RequestID: types.GetRequestID(r.Context()),
	})
}
