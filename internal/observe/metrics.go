// Package observe emits API telemetry to AWS CloudWatch.
package observe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricNamespace is the CloudWatch namespace used when none is configured.
const MetricNamespace = "PortalSync"

// putMetricTimeout bounds each PutMetricData call so a CloudWatch stall can
// never hold up request completion.
const putMetricTimeout = 2 * time.Second

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements the API chassis MetricsCollector by emitting
// request count and latency to CloudWatch.
//
// Metrics emitted per completed request:
//   - RequestCount:   Dims {Method, Endpoint, Status}
//   - RequestLatency: Dims {Method, Endpoint}, milliseconds
//
// Emission is best effort. Failures are logged and dropped; telemetry must
// never affect request handling.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the given
// namespace. An empty namespace falls back to MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = MetricNamespace
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRequest emits count and latency metrics for one completed request.
// Called from middleware after the response is written, so it uses its own
// short-lived context rather than the (possibly canceled) request context.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), putMetricTimeout)
	defer cancel()

	requestDims := []cwtypes.Dimension{
		{Name: aws.String("Method"), Value: aws.String(method)},
		{Name: aws.String("Endpoint"), Value: aws.String(endpoint)},
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("RequestCount"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: append(append([]cwtypes.Dimension{}, requestDims...), cwtypes.Dimension{
					Name:  aws.String("Status"),
					Value: aws.String(status),
				}),
			},
			{
				MetricName: aws.String("RequestLatency"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: requestDims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record request metrics",
			slog.String("error", err.Error()),
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("status", status),
		)
	}
}

// RecordReconciliation emits an EventApplied metric from the webhook
// reconciler with the event type and outcome (applied, stale, skipped).
func (m *CloudWatchMetrics) RecordReconciliation(ctx context.Context, eventType, outcome string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("EventApplied"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("EventType"), Value: aws.String(eventType)},
					{Name: aws.String("Outcome"), Value: aws.String(outcome)},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record reconciliation metric",
			slog.String("error", err.Error()),
			slog.String("event_type", eventType),
			slog.String("outcome", outcome),
		)
	}
}

// RecordSubscriptionChange emits a SubscriptionChange counter from the
// analytics worker. status and plan may be empty for events that carry
// neither (invoice bookkeeping, checkout completion). Unlike the request
// metrics, the error is returned so the worker can let SQS redeliver.
func (m *CloudWatchMetrics) RecordSubscriptionChange(ctx context.Context, eventType, status, plan string) error {
	dims := []cwtypes.Dimension{
		{Name: aws.String("EventType"), Value: aws.String(eventType)},
	}
	if status != "" {
		dims = append(dims, cwtypes.Dimension{Name: aws.String("Status"), Value: aws.String(status)})
	}
	if plan != "" {
		dims = append(dims, cwtypes.Dimension{Name: aws.String("Plan"), Value: aws.String(plan)})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("SubscriptionChange"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		return fmt.Errorf("putting SubscriptionChange metric: %w", err)
	}
	return nil
}
