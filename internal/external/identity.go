package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portalsync/internal/config"
	"portalsync/internal/types"
)

// IdentityClient verifies bearer tokens against the identity provider's
// token-lookup endpoint. The provider is the sole authority on token validity;
// this client never inspects token contents itself.
type IdentityClient struct {
	base      *BaseClient
	verifyURL string
	apiKey    string
	logger    *slog.Logger
}

// NewIdentityClient creates an IdentityClient from the identity configuration.
// Token verification sits on the hot path of every authenticated request, so
// the retry policy is tighter than the Stripe client's.
func NewIdentityClient(httpClient *http.Client, cfg config.IdentityConfig, logger *slog.Logger) *IdentityClient {
	base := NewBaseClient(
		httpClient,
		"identity",
		RetryPolicy{
			MaxRetries: 1,
			MinWait:    200 * time.Millisecond,
			MaxWait:    2 * time.Second,
		},
		"PortalSync/1.0",
	)
	return NewIdentityClientWithBase(base, cfg, logger)
}

// NewIdentityClientWithBase creates an IdentityClient with a pre-configured
// BaseClient, for tests.
func NewIdentityClientWithBase(base *BaseClient, cfg config.IdentityConfig, logger *slog.Logger) *IdentityClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityClient{
		base:      base,
		verifyURL: strings.TrimSuffix(cfg.VerifyURL, "/"),
		apiKey:    cfg.APIKey.Unmask(),
		logger:    logger,
	}
}

type identityLookupRequest struct {
	IDToken string `json:"idToken"`
}

type identityLookupResponse struct {
	Users []identityUser `json:"users"`
}

type identityUser struct {
	LocalID string `json:"localId"`
	Email   string `json:"email"`
}

type identityErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Verify checks the token with the provider and returns the verified identity.
// Any ambiguity, a 4xx from the provider, an empty user set, a missing user ID,
// fails closed with an auth error.
func (c *IdentityClient) Verify(ctx context.Context, token string) (types.UserIdentity, error) {
	if token == "" {
		return types.UserIdentity{}, types.NewAppError(types.ErrCodeAuthTokenMissing, "no bearer token provided", nil)
	}

	body, err := json.Marshal(identityLookupRequest{IDToken: token})
	if err != nil {
		return types.UserIdentity{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode token lookup request", err)
	}

	reqURL := c.verifyURL
	if c.apiKey != "" {
		reqURL += "?key=" + url.QueryEscape(c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.UserIdentity{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build token lookup request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		if appErr, ok := err.(*types.AppError); ok {
			return types.UserIdentity{}, appErr
		}
		return types.UserIdentity{}, types.NewAppError(types.ErrCodeUpstreamIdentity, "identity provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.UserIdentity{}, c.mapLookupError(resp)
	}

	var lookup identityLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lookup); err != nil {
		return types.UserIdentity{}, types.NewAppError(types.ErrCodeUpstreamIdentity, "failed to decode token lookup response", err)
	}
	if len(lookup.Users) == 0 || lookup.Users[0].LocalID == "" {
		return types.UserIdentity{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token resolved to no user", nil)
	}

	return types.UserIdentity{
		UserID: lookup.Users[0].LocalID,
		Email:  lookup.Users[0].Email,
	}, nil
}

// mapLookupError classifies a non-200 lookup response. Provider 4xx means the
// token is bad; anything else is an upstream failure and must not be reported
// to the caller as an auth problem.
func (c *IdentityClient) mapLookupError(resp *http.Response) error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var provErr identityErrorResponse
		if readErr == nil && json.Unmarshal(raw, &provErr) == nil {
			if strings.Contains(provErr.Error.Message, "EXPIRED") {
				return types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", nil)
			}
		}
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "token rejected by identity provider", nil)
	}
	return types.NewAppError(
		types.ErrCodeUpstreamIdentity,
		fmt.Sprintf("identity provider returned status %d", resp.StatusCode),
		nil,
	)
}
