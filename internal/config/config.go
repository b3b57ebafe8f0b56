// Package config defines the global configuration structure for portalsync.
// Configuration is loaded once at process initialization (Lambda cold start)
// and is immutable thereafter. It follows 12-Factor principles: OS environment
// first, with a local .env file as a development convenience.
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"portalsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"portalsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	Billing       BillingConfig
	Identity      IdentityConfig
	Newsletter    NewsletterConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// SiteURL is the public site origin used to build checkout redirect URLs
	// (no trailing slash). Redirects are always server-constructed from this
	// value, never taken from client input.
	SiteURL            string        `envconfig:"SITE_URL" validate:"required,url"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// BillingConfig holds Stripe credentials and the plan-to-price catalog.
// The three price IDs define the entire purchasable catalog; an empty price
// makes its plan unpurchasable and is rejected at startup.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	PriceStarter string `envconfig:"STRIPE_PRICE_STARTER" validate:"required"`
	PriceGrowth  string `envconfig:"STRIPE_PRICE_GROWTH" validate:"required"`
	PriceScale   string `envconfig:"STRIPE_PRICE_SCALE" validate:"required"`
}

// IdentityConfig holds the identity provider's endpoints and keys.
// VerifyURL is the token verification endpoint (accounts lookup); the public
// fields are exposed verbatim through the portal config endpoint for the
// browser SDK and carry no secrets.
type IdentityConfig struct {
	VerifyURL string       `envconfig:"IDENTITY_VERIFY_URL" validate:"required,url"`
	APIKey    SecretString `envconfig:"IDENTITY_API_KEY" validate:"required"`

	PublicAPIKey     string `envconfig:"IDENTITY_PUBLIC_API_KEY"`
	PublicAuthDomain string `envconfig:"IDENTITY_PUBLIC_AUTH_DOMAIN"`
	PublicProjectID  string `envconfig:"IDENTITY_PUBLIC_PROJECT_ID"`
	PublicAppID      string `envconfig:"IDENTITY_PUBLIC_APP_ID"`
}

// NewsletterConfig holds the mailing-list provider form endpoint credentials.
// Optional: when APIKey or FormID is empty the subscribe endpoint reports a
// server misconfiguration instead of calling out.
type NewsletterConfig struct {
	APIKey  SecretString `envconfig:"NEWSLETTER_API_KEY"`
	FormID  string       `envconfig:"NEWSLETTER_FORM_ID"`
	BaseURL string       `envconfig:"NEWSLETTER_BASE_URL" default:"https://api.convertkit.com"`
}

// AWSConfig holds AWS regional configuration and the analytics change-feed
// queue. ChangeFeedQueueURL is optional: when empty the reconciler skips
// publishing change messages.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"us-east-1"`
	ChangeFeedQueueURL string `envconfig:"SQS_CHANGE_FEED"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"PortalSync"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}
