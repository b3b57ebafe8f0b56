package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"portalsync/internal/config"
	"portalsync/internal/types"
)

// NewsletterClient subscribes emails to a ConvertKit form. Best-effort from
// the product's perspective; failures map to upstream errors and the caller
// decides whether to surface them.
type NewsletterClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	formID  string
	logger  *slog.Logger
}

// NewNewsletterClient creates a NewsletterClient from the newsletter config.
func NewNewsletterClient(httpClient *http.Client, cfg config.NewsletterConfig, logger *slog.Logger) *NewsletterClient {
	base := NewBaseClient(
		httpClient,
		"newsletter",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"PortalSync/1.0",
	)
	return NewNewsletterClientWithBase(base, cfg, logger)
}

// NewNewsletterClientWithBase creates a NewsletterClient with a pre-configured
// BaseClient, for tests.
func NewNewsletterClientWithBase(base *BaseClient, cfg config.NewsletterConfig, logger *slog.Logger) *NewsletterClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &NewsletterClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey.Unmask(),
		formID:  cfg.FormID,
		logger:  logger,
	}
}

type newsletterSubscribeRequest struct {
	APIKey    string `json:"api_key"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
}

// Subscribe adds the email to the configured form.
func (c *NewsletterClient) Subscribe(ctx context.Context, email, firstName string) error {
	body, err := json.Marshal(newsletterSubscribeRequest{
		APIKey:    c.apiKey,
		Email:     email,
		FirstName: firstName,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode subscribe request", err)
	}

	reqURL := fmt.Sprintf("%s/v3/forms/%s/subscribe", c.baseURL, c.formID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build subscribe request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		if appErr, ok := err.(*types.AppError); ok {
			return appErr
		}
		return types.NewAppError(types.ErrCodeUpstreamNewsletter, "newsletter request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("newsletter subscribe rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)),
		)
		return types.NewAppError(
			types.ErrCodeUpstreamNewsletter,
			fmt.Sprintf("newsletter provider returned status %d", resp.StatusCode),
			nil,
		)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
