// Package queue provides the SQS-based change-feed producer that dispatches
// subscription change notifications to the analytics worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"portalsync/internal/config"
	"portalsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ChangeFeed publishes SubscriptionChangeMessage payloads to the analytics
// change-feed queue after the webhook reconciler applies a provider event.
//
// The feed is advisory. Billing state lives in the record store and at the
// payment provider; consumers must never treat a feed message as a source of
// truth, and the reconciler never fails a webhook because publishing failed.
type ChangeFeed struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewChangeFeed creates a ChangeFeed publisher. It reads the queue URL from
// the AWSConfig; an empty URL disables publishing (Publish becomes a no-op),
// which is the expected state in local development.
func NewChangeFeed(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ChangeFeed {
	return &ChangeFeed{
		client:   client,
		queueURL: awsCfg.ChangeFeedQueueURL,
		logger:   logger,
	}
}

// Enabled reports whether a change-feed queue is configured.
func (f *ChangeFeed) Enabled() bool {
	return f.queueURL != ""
}

// Publish sends one change message to the feed. A missing TraceID is filled
// with a fresh UUID so downstream consumers can always correlate.
func (f *ChangeFeed) Publish(ctx context.Context, msg types.SubscriptionChangeMessage) error {
	if !f.Enabled() {
		return nil
	}

	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal SubscriptionChangeMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.EventType),
			},
		},
	}

	if _, err := f.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send change message to %s: %w", f.queueURL, err)
	}

	f.logger.InfoContext(ctx, "change message sent",
		"queue_url", f.queueURL,
		"trace_id", msg.TraceID,
		"event_id", msg.EventID,
		"event_type", msg.EventType,
		"user_id", msg.UserID,
	)

	return nil
}
