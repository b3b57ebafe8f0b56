package external

import (
	"context"

	"portalsync/internal/types"
)

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// IdentityVerifier abstracts bearer-token verification against the identity
// provider. Implementations must treat any verification ambiguity as failure.
type IdentityVerifier interface {
	// Verify checks the token and returns the verified identity, or an
	// auth-classed AppError when the token is missing, malformed, or expired.
	Verify(ctx context.Context, token string) (types.UserIdentity, error)
}

// NewsletterService abstracts the mailing-list provider.
type NewsletterService interface {
	// Subscribe adds the email to the configured form. firstName may be empty.
	Subscribe(ctx context.Context, email, firstName string) error
}

// Stripe event type constants prevent magic strings in the webhook reconciler.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeInvoicePaid       = "invoice.paid"
	EventStripePaymentFailed     = "invoice.payment_failed"
	EventStripeSubCreated        = "customer.subscription.created"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)
