// Package main is the entry point for the PortalSync API.
//
// It loads configuration, connects the record store, builds the external
// clients (Stripe, identity provider, newsletter), wires the subscription
// service and the webhook reconciler into the core chassis, and starts
// serving.
//
// In local mode (APP_ENV=local), it runs as a standard HTTP server on the
// configured port with graceful shutdown on SIGINT/SIGTERM. Inside AWS Lambda
// it bridges API Gateway events to the chi router via chiadapter.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"

	"portalsync/internal/api/handlers"
	"portalsync/internal/billing"
	"portalsync/internal/config"
	"portalsync/internal/core"
	"portalsync/internal/db"
	"portalsync/internal/external"
	"portalsync/internal/observe"
	"portalsync/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("portalsync API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	// Record store.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting record store: %w", err)
	}
	defer pool.Close()

	bindings := db.NewBindingRepo(pool, logger)
	events, err := db.NewEventRepo(pool, logger)
	if err != nil {
		return fmt.Errorf("creating event repo: %w", err)
	}

	// External clients. Each one rides the shared resilience path (circuit
	// breaker, bounded retries) inside BaseClient.
	httpClient := &http.Client{Timeout: 15 * time.Second}

	stripeClient := external.NewStripeClient(httpClient, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		Logger:    logger,
	})
	identityClient := external.NewIdentityClient(httpClient, cfg.Identity, logger)
	newsletterClient := external.NewNewsletterClient(httpClient, cfg.Newsletter, logger)

	// Billing domain.
	catalog, err := billing.NewCatalog(cfg.Billing)
	if err != nil {
		return fmt.Errorf("building plan catalog: %w", err)
	}
	billingSvc := billing.NewService(stripeClient, bindings, catalog, cfg.Server.SiteURL, logger)

	// AWS-backed infrastructure: change-feed queue and CloudWatch metrics.
	// Both are optional; the API serves without them.
	var changeFeed *queue.ChangeFeed
	var metrics *observe.CloudWatchMetrics
	if awsCfg, awsErr := loadAWSConfig(ctx, cfg.AWS); awsErr != nil {
		logger.Warn("AWS SDK config unavailable, change feed and metrics disabled", "error", awsErr)
	} else {
		changeFeed = queue.NewChangeFeed(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
		if cfg.Observability.EnableMetrics {
			metrics = observe.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
		}
	}

	// Chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Verifier = identityClient
	srv.Metrics = requestMetrics(metrics)
	srv.HealthProbes = []core.HealthProbe{
		&core.DatabaseProbe{DB: pool},
	}

	subscriptionHandler := handlers.NewSubscriptionHandler(billingSvc, catalog, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		bindings,
		events,
		stripeClient,
		catalog,
		webhookFeed(changeFeed),
		reconciliationMetrics(metrics),
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)
	configHandler := handlers.NewPortalConfigHandler(cfg.Identity, catalog, logger)
	subscribeHandler := handlers.NewSubscribeHandler(newsletterClient, srv.Validator, logger)

	srv.RouteRegistrars = []func(chi.Router){
		subscriptionHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
		configHandler.RegisterRoutes,
		subscribeHandler.RegisterRoutes,
	}
	srv.MountRoutes()

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}
	return runHTTPServer(srv, cfg, logger)
}

// webhookFeed converts a possibly-nil *queue.ChangeFeed into the handler's
// publisher dependency without producing a non-nil interface holding a nil
// pointer.
func webhookFeed(feed *queue.ChangeFeed) handlers.ChangePublisher {
	if feed == nil {
		return nil
	}
	return feed
}

// requestMetrics and reconciliationMetrics convert a possibly-nil
// *observe.CloudWatchMetrics into the consumer-side interfaces, again avoiding
// a non-nil interface wrapping a nil pointer.
func requestMetrics(m *observe.CloudWatchMetrics) core.MetricsCollector {
	if m == nil {
		return nil
	}
	return m
}

func reconciliationMetrics(m *observe.CloudWatchMetrics) handlers.ReconciliationMetrics {
	if m == nil {
		return nil
	}
	return m
}

// loadAWSConfig loads the SDK configuration, honoring the LocalStack endpoint
// override when set.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda bridges API Gateway proxy events to the chi router.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Info("starting in Lambda mode")
	adapter := chiadapter.New(srv.Router())
	lambda.Start(adapter.ProxyWithContext)
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
