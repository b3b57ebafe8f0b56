// Package main is the entrypoint for the Analytics Worker Lambda function.
//
// The worker consumes subscription change messages from the change-feed SQS
// queue and turns them into CloudWatch counters for reporting dashboards. The
// feed carries no authority over billing state: the worker only observes, so
// any message it cannot process is retried via the partial batch response and
// eventually parked by the queue's redrive policy.
//
// Cold start:
//  1. Initialize structured logger.
//  2. Load AWS SDK configuration.
//  3. Initialize the CloudWatch client and metrics publisher.
//  4. Register the handler and call lambda.Start.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"portalsync/internal/observe"
	"portalsync/internal/types"
)

// maxConcurrency bounds how many records from one SQS batch are processed in
// parallel. CloudWatch PutMetricData tolerates this comfortably and a batch
// is at most 10 records by queue configuration.
const maxConcurrency = 4

// changeRecorder is the metric surface the worker needs from observe.
type changeRecorder interface {
	RecordSubscriptionChange(ctx context.Context, eventType, status, plan string) error
}

// Handler holds the dependencies for the analytics worker Lambda handler.
type Handler struct {
	metrics changeRecorder
	logger  *slog.Logger
}

// Handle processes an SQS event containing one or more change messages.
// Records are independent, so they are processed concurrently and failures
// are reported per record through the partial batch response.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		failures []events.SQSBatchItemFailure
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for _, record := range sqsEvent.Records {
		record := record
		g.Go(func() error {
			if err := h.processRecord(ctx, record); err != nil {
				h.logger.Error("failed to process change message",
					"message_id", record.MessageId,
					"error", err.Error(),
				)
				mu.Lock()
				failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
				mu.Unlock()
			}
			return nil
		})
	}

	// Workers never return errors; failures travel in the batch response.
	_ = g.Wait()

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

// processRecord handles a single change message.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var msg types.SubscriptionChangeMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.Error("failed to unmarshal change message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure, retrying cannot fix it. ACK and move on.
		return nil
	}

	if msg.EventType == "" {
		h.logger.Warn("change message missing event type", "message_id", record.MessageId)
		return nil
	}

	logger := h.logger.With(
		"event_id", msg.EventID,
		"event_type", msg.EventType,
		"trace_id", msg.TraceID,
	)

	plan := ""
	if msg.Plan != nil {
		plan = string(*msg.Plan)
	}

	if err := h.metrics.RecordSubscriptionChange(ctx, msg.EventType, string(msg.Status), plan); err != nil {
		return err
	}
	logger.Info("recorded subscription change")
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("analytics worker initializing")

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	metrics := observe.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), os.Getenv("METRIC_NAMESPACE"), logger)

	handler := &Handler{
		metrics: metrics,
		logger:  logger,
	}

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime. Enables local testing without the AWS Lambda RIE.
	if os.Getenv("APP_ENV") == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil || len(payload) == 0 {
			logger.Error("no SQS event on stdin", "error", err)
			os.Exit(1)
		}
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(payload, &sqsEvent); err != nil {
			logger.Error("failed to parse stdin as SQS event", "error", err)
			os.Exit(1)
		}
		response, err := handler.Handle(context.Background(), sqsEvent)
		if err != nil {
			logger.Error("handler execution failed", "error", err)
			os.Exit(1)
		}
		if len(response.BatchItemFailures) > 0 {
			respJSON, _ := json.MarshalIndent(response, "", "  ")
			fmt.Fprintln(os.Stderr, string(respJSON))
		}
		logger.Info("handler execution completed",
			"records_processed", len(sqsEvent.Records),
			"failures", len(response.BatchItemFailures),
		)
		return
	}

	lambda.Start(handler.Handle)
}
