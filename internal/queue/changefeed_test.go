package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"portalsync/internal/config"
	"portalsync/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	// calls records every SendMessageInput passed to SendMessage.
	calls []*sqs.SendMessageInput
	// err is returned by SendMessage if non-nil (simulates SQS failures).
	err error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testChangeFeedURL = "https://sqs.us-east-1.amazonaws.com/123456789/subscription-changes"

func newTestFeed(mock *mockSQSSender) *ChangeFeed {
	awsCfg := config.AWSConfig{ChangeFeedQueueURL: testChangeFeedURL}
	return NewChangeFeed(mock, awsCfg, slog.Default())
}

func testMessage() types.SubscriptionChangeMessage {
	return types.SubscriptionChangeMessage{
		TraceID:          "trace-1",
		EventID:          "evt_123",
		EventType:        "customer.subscription.updated",
		UserID:           "user-1",
		StripeCustomerID: "cus_abc",
		SubscriptionID:   "sub_xyz",
		Status:           types.SubStatusActive,
		Plan:             types.PlanPtr(types.PlanGrowth),
		OccurredAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublish_SendsToConfiguredQueue(t *testing.T) {
	mock := &mockSQSSender{}
	feed := newTestFeed(mock)

	if err := feed.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testChangeFeedURL {
		t.Errorf("expected queue URL %q, got %q", testChangeFeedURL, *call.QueueUrl)
	}

	attr, ok := call.MessageAttributes["event_type"]
	if !ok {
		t.Fatal("expected event_type message attribute")
	}
	if *attr.StringValue != "customer.subscription.updated" {
		t.Errorf("expected event_type attribute %q, got %q", "customer.subscription.updated", *attr.StringValue)
	}
}

func TestPublish_BodyRoundTrips(t *testing.T) {
	mock := &mockSQSSender{}
	feed := newTestFeed(mock)

	sent := testMessage()
	if err := feed.Publish(context.Background(), sent); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	var got types.SubscriptionChangeMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &got); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if got.EventID != sent.EventID {
		t.Errorf("expected event ID %q, got %q", sent.EventID, got.EventID)
	}
	if got.UserID != sent.UserID {
		t.Errorf("expected user ID %q, got %q", sent.UserID, got.UserID)
	}
	if got.Status != types.SubStatusActive {
		t.Errorf("expected status %q, got %q", types.SubStatusActive, got.Status)
	}
	if got.Plan == nil || *got.Plan != types.PlanGrowth {
		t.Errorf("expected plan growth, got %v", got.Plan)
	}
	if !got.OccurredAt.Equal(sent.OccurredAt) {
		t.Errorf("expected occurred_at %v, got %v", sent.OccurredAt, got.OccurredAt)
	}
}

func TestPublish_FillsMissingTraceID(t *testing.T) {
	mock := &mockSQSSender{}
	feed := newTestFeed(mock)

	msg := testMessage()
	msg.TraceID = ""
	if err := feed.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	var got types.SubscriptionChangeMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &got); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if got.TraceID == "" {
		t.Error("expected generated trace ID, got empty string")
	}
}

func TestPublish_NoopWhenUnconfigured(t *testing.T) {
	mock := &mockSQSSender{}
	feed := NewChangeFeed(mock, config.AWSConfig{}, slog.Default())

	if feed.Enabled() {
		t.Error("expected feed to be disabled with empty queue URL")
	}
	if err := feed.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	if len(mock.calls) != 0 {
		t.Fatalf("expected no SQS calls, got %d", len(mock.calls))
	}
}

func TestPublish_SQSFailure(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	feed := newTestFeed(mock)

	err := feed.Publish(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error when SQS send fails")
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Errorf("expected wrapped SQS error, got %v", err)
	}
}
