package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalsync/internal/external"
	"portalsync/internal/types"
)

const testWebhookSecret = "whsec_test"

// mockVerifier accepts any payload whose signature header equals "valid".
type mockVerifier struct {
	verifyFn func(payload []byte, header, secret string) error
}

func (m *mockVerifier) Verify(payload []byte, header, secret string) error {
	if m.verifyFn != nil {
		return m.verifyFn(payload, header, secret)
	}
	if header != "valid" {
		return errors.New("signature mismatch")
	}
	return nil
}

type appliedEvent struct {
	userID  string
	patch   types.BindingPatch
	eventAt time.Time
}

type upsertCall struct {
	userID string
	patch  types.BindingPatch
}

// mockBindingWriter records writes and serves reverse lookups from a map.
type mockBindingWriter struct {
	byCustomer map[string]string
	lookupErr  error
	upsertErr  error
	applyErr   error
	applied    bool

	upserts []upsertCall
	applies []appliedEvent
}

func (m *mockBindingWriter) GetUserIDByCustomer(_ context.Context, customerID string) (string, error) {
	if m.lookupErr != nil {
		return "", m.lookupErr
	}
	return m.byCustomer[customerID], nil
}

func (m *mockBindingWriter) UpsertBinding(_ context.Context, userID string, patch types.BindingPatch) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts = append(m.upserts, upsertCall{userID: userID, patch: patch})
	return nil
}

func (m *mockBindingWriter) ApplySubscriptionEvent(_ context.Context, userID string, patch types.BindingPatch, eventAt time.Time) (bool, error) {
	if m.applyErr != nil {
		return false, m.applyErr
	}
	m.applies = append(m.applies, appliedEvent{userID: userID, patch: patch, eventAt: eventAt})
	return m.applied, nil
}

type recordedEvent struct {
	eventID   string
	eventType string
	payload   []byte
}

type mockEventLog struct {
	recorded  []recordedEvent
	duplicate bool
	err       error
}

func (m *mockEventLog) RecordEvent(_ context.Context, eventID, eventType string, payload []byte) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.recorded = append(m.recorded, recordedEvent{eventID: eventID, eventType: eventType, payload: payload})
	return !m.duplicate, nil
}

type mockCustomerReader struct {
	customers map[string]*external.Customer
	err       error
}

func (m *mockCustomerReader) GetCustomer(_ context.Context, customerID string) (*external.Customer, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.customers[customerID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "no such customer", nil)
	}
	return c, nil
}

type mockPublisher struct {
	published []types.SubscriptionChangeMessage
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, msg types.SubscriptionChangeMessage) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, msg)
	return nil
}

type reconOutcome struct {
	eventType string
	outcome   string
}

type mockReconMetrics struct {
	outcomes []reconOutcome
}

func (m *mockReconMetrics) RecordReconciliation(_ context.Context, eventType, outcome string) {
	m.outcomes = append(m.outcomes, reconOutcome{eventType: eventType, outcome: outcome})
}

type webhookFixture struct {
	handler   *StripeWebhookHandler
	bindings  *mockBindingWriter
	events    *mockEventLog
	customers *mockCustomerReader
	feed      *mockPublisher
	metrics   *mockReconMetrics
}

func newWebhookFixture() *webhookFixture {
	bindings := &mockBindingWriter{byCustomer: map[string]string{}, applied: true}
	events := &mockEventLog{}
	customers := &mockCustomerReader{customers: map[string]*external.Customer{}}
	feed := &mockPublisher{}
	metrics := &mockReconMetrics{}
	h := NewStripeWebhookHandler(
		&mockVerifier{}, bindings, events, customers, newTestCatalog(), feed, metrics,
		testWebhookSecret, testLogger(),
	)
	return &webhookFixture{handler: h, bindings: bindings, events: events, customers: customers, feed: feed, metrics: metrics}
}

func deliver(h *StripeWebhookHandler, body, signature string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(body))
	if signature != "" {
		r.Header.Set("Stripe-Signature", signature)
	}
	h.Handle(w, r)
	return w
}

func subscriptionEventBody(eventType, priceID string) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"type": %q,
		"created": 1767225600,
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_abc",
			"status": "active",
			"cancel_at_period_end": false,
			"metadata": {"uid": "user-1"},
			"items": {"data": [{
				"current_period_start": 1767225600,
				"current_period_end": 1769904000,
				"price": {"id": %q}
			}]}
		}}
	}`, eventType, priceID)
}

func TestWebhookRejectsWithoutValidSignature(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "forged")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, f.events.recorded)
		assert.Empty(t, f.bindings.applies)
	})

	t.Run("missing header", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, f.bindings.applies)
	})

	t.Run("unconfigured secret fails closed", func(t *testing.T) {
		f := newWebhookFixture()
		f.handler.secret = ""

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, f.bindings.applies)
	})
}

func TestWebhookRejectsMalformedEvents(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"id": "evt_1",`},
		{"missing id", `{"type": "customer.subscription.updated", "data": {"object": {}}}`},
		{"missing type", `{"id": "evt_1", "data": {"object": {}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture()

			w := deliver(f.handler, tt.body, "valid")

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestWebhookSubscriptionEvent(t *testing.T) {
	t.Run("applies projection with mapped plan", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"received":true`)

		require.Len(t, f.bindings.applies, 1)
		applied := f.bindings.applies[0]
		assert.Equal(t, "user-1", applied.userID)
		assert.Equal(t, time.Unix(1767225600, 0).UTC(), applied.eventAt)

		patch := applied.patch
		require.NotNil(t, patch.SubscriptionID)
		assert.Equal(t, "sub_1", *patch.SubscriptionID)
		require.NotNil(t, patch.SubscriptionStatus)
		assert.Equal(t, types.SubStatusActive, *patch.SubscriptionStatus)
		require.NotNil(t, patch.CancelAtPeriodEnd)
		assert.False(t, *patch.CancelAtPeriodEnd)
		require.NotNil(t, patch.PriceID)
		assert.Equal(t, "price_growth", *patch.PriceID)
		require.NotNil(t, patch.Plan)
		assert.Equal(t, types.PlanGrowth, *patch.Plan)
		assert.False(t, patch.ClearPlan)
		require.NotNil(t, patch.CurrentPeriodEnd)
		assert.Equal(t, time.Unix(1769904000, 0).UTC(), *patch.CurrentPeriodEnd)

		require.Len(t, f.feed.published, 1)
		assert.Equal(t, "evt_1", f.feed.published[0].EventID)
		assert.Equal(t, "user-1", f.feed.published[0].UserID)
	})

	t.Run("unmapped price clears plan", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_custom_deal"), "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.applies, 1)
		patch := f.bindings.applies[0].patch
		assert.Nil(t, patch.Plan)
		assert.True(t, patch.ClearPlan)
	})

	t.Run("deleted forces canceled status", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubDeleted, "price_growth"), "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.applies, 1)
		require.NotNil(t, f.bindings.applies[0].patch.SubscriptionStatus)
		assert.Equal(t, types.SubStatusCanceled, *f.bindings.applies[0].patch.SubscriptionStatus)
	})

	t.Run("stale event acknowledged without publish", func(t *testing.T) {
		f := newWebhookFixture()
		f.bindings.applied = false

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, f.feed.published)
	})

	t.Run("store failure returns 500 for provider retry", func(t *testing.T) {
		f := newWebhookFixture()
		f.bindings.applyErr = errors.New("connection reset")

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("resolves user via reverse lookup when metadata absent", func(t *testing.T) {
		f := newWebhookFixture()
		f.bindings.byCustomer["cus_abc"] = "user-7"
		body := `{
			"id": "evt_2", "type": "customer.subscription.updated", "created": 1767225600,
			"data": {"object": {"id": "sub_1", "customer": "cus_abc", "status": "past_due",
				"items": {"data": [{"price": {"id": "price_starter"}}]}}}
		}`

		w := deliver(f.handler, body, "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.applies, 1)
		assert.Equal(t, "user-7", f.bindings.applies[0].userID)
	})

	t.Run("unbound customer acknowledged without writes", func(t *testing.T) {
		f := newWebhookFixture()
		body := `{
			"id": "evt_3", "type": "customer.subscription.updated", "created": 1767225600,
			"data": {"object": {"id": "sub_1", "customer": "cus_unknown", "status": "active",
				"items": {"data": []}}}
		}`

		w := deliver(f.handler, body, "valid")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, f.bindings.applies)
		assert.Empty(t, f.bindings.upserts)
	})

	t.Run("falls back to customer metadata", func(t *testing.T) {
		f := newWebhookFixture()
		f.customers.customers["cus_abc"] = &external.Customer{ID: "cus_abc", UserID: "user-9"}
		body := `{
			"id": "evt_4", "type": "customer.subscription.updated", "created": 1767225600,
			"data": {"object": {"id": "sub_1", "customer": "cus_abc", "status": "active",
				"items": {"data": [{"price": {"id": "price_scale"}}]}}}
		}`

		w := deliver(f.handler, body, "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.applies, 1)
		assert.Equal(t, "user-9", f.bindings.applies[0].userID)
	})
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	body := `{
		"id": "evt_co", "type": "checkout.session.completed", "created": 1767225600,
		"data": {"object": {
			"id": "cs_123",
			"customer": "cus_abc",
			"client_reference_id": "user-1",
			"metadata": {"uid": "user-1", "plan": "growth"},
			"subscription": "sub_1"
		}}
	}`

	t.Run("records session and refreshes email", func(t *testing.T) {
		f := newWebhookFixture()
		f.customers.customers["cus_abc"] = &external.Customer{ID: "cus_abc", Email: "fresh@example.com", UserID: "user-1"}

		w := deliver(f.handler, body, "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.upserts, 1)

		call := f.bindings.upserts[0]
		assert.Equal(t, "user-1", call.userID)
		require.NotNil(t, call.patch.CheckoutSessionID)
		assert.Equal(t, "cs_123", *call.patch.CheckoutSessionID)
		require.NotNil(t, call.patch.LastCheckoutCompletedAt)
		require.NotNil(t, call.patch.StripeCustomerID)
		assert.Equal(t, "cus_abc", *call.patch.StripeCustomerID)
		require.NotNil(t, call.patch.Email)
		assert.Equal(t, "fresh@example.com", *call.patch.Email)

		// No subscription fields from the checkout event.
		assert.Nil(t, call.patch.SubscriptionID)
		assert.Nil(t, call.patch.SubscriptionStatus)
	})

	t.Run("email lookup failure is best effort", func(t *testing.T) {
		f := newWebhookFixture()
		f.customers.err = errors.New("stripe down")

		w := deliver(f.handler, body, "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.upserts, 1)
		assert.Nil(t, f.bindings.upserts[0].patch.Email)
	})
}

func TestWebhookInvoiceEvents(t *testing.T) {
	invoiceBody := func(eventType string, paid bool) string {
		return fmt.Sprintf(`{
			"id": "evt_inv", "type": %q, "created": 1767225600,
			"data": {"object": {
				"id": "in_123",
				"customer": "cus_abc",
				"status": "paid",
				"paid": %t,
				"subscription_details": {"metadata": {"uid": "user-1"}}
			}}
		}`, eventType, paid)
	}

	t.Run("invoice paid records bookkeeping only", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, invoiceBody(external.EventStripeInvoicePaid, true), "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.upserts, 1)

		patch := f.bindings.upserts[0].patch
		require.NotNil(t, patch.LastInvoiceID)
		assert.Equal(t, "in_123", *patch.LastInvoiceID)
		require.NotNil(t, patch.LastInvoicePaid)
		assert.True(t, *patch.LastInvoicePaid)
		assert.Nil(t, patch.SubscriptionStatus)
		assert.Empty(t, f.bindings.applies)
	})

	t.Run("payment failed records unpaid invoice", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, invoiceBody(external.EventStripePaymentFailed, false), "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.bindings.upserts, 1)
		require.NotNil(t, f.bindings.upserts[0].patch.LastInvoicePaid)
		assert.False(t, *f.bindings.upserts[0].patch.LastInvoicePaid)
	})
}

func TestWebhookDedupLog(t *testing.T) {
	t.Run("records raw payload", func(t *testing.T) {
		f := newWebhookFixture()
		body := subscriptionEventBody(external.EventStripeSubUpdated, "price_growth")

		w := deliver(f.handler, body, "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.events.recorded, 1)
		assert.Equal(t, "evt_1", f.events.recorded[0].eventID)
		assert.Equal(t, external.EventStripeSubUpdated, f.events.recorded[0].eventType)
		assert.Equal(t, body, string(f.events.recorded[0].payload))
	})

	t.Run("redelivery is still processed", func(t *testing.T) {
		f := newWebhookFixture()
		f.events.duplicate = true

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, f.bindings.applies, 1)
	})

	t.Run("log failure returns 500", func(t *testing.T) {
		f := newWebhookFixture()
		f.events.err = errors.New("insert failed")

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Empty(t, f.bindings.applies)
	})
}

func TestWebhookUnhandledEventType(t *testing.T) {
	f := newWebhookFixture()
	body := `{"id": "evt_x", "type": "customer.created", "created": 1767225600, "data": {"object": {}}}`

	w := deliver(f.handler, body, "valid")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.bindings.upserts)
	assert.Empty(t, f.bindings.applies)
	assert.Len(t, f.events.recorded, 1)
}

func TestWebhookReconciliationOutcomes(t *testing.T) {
	t.Run("applied projection counts as applied", func(t *testing.T) {
		f := newWebhookFixture()

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.metrics.outcomes, 1)
		assert.Equal(t, external.EventStripeSubUpdated, f.metrics.outcomes[0].eventType)
		assert.Equal(t, "applied", f.metrics.outcomes[0].outcome)
	})

	t.Run("dropped stale event counts as stale", func(t *testing.T) {
		f := newWebhookFixture()
		f.bindings.applied = false

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.metrics.outcomes, 1)
		assert.Equal(t, "stale", f.metrics.outcomes[0].outcome)
	})

	t.Run("unbound customer counts as skipped", func(t *testing.T) {
		f := newWebhookFixture()
		body := `{
			"id": "evt_3", "type": "customer.subscription.updated", "created": 1767225600,
			"data": {"object": {"id": "sub_1", "customer": "cus_unknown", "status": "active",
				"items": {"data": []}}}
		}`

		w := deliver(f.handler, body, "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.metrics.outcomes, 1)
		assert.Equal(t, "skipped", f.metrics.outcomes[0].outcome)
	})

	t.Run("unhandled event type counts as skipped", func(t *testing.T) {
		f := newWebhookFixture()
		body := `{"id": "evt_x", "type": "customer.created", "created": 1767225600, "data": {"object": {}}}`

		w := deliver(f.handler, body, "valid")

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, f.metrics.outcomes, 1)
		assert.Equal(t, reconOutcome{eventType: "customer.created", outcome: "skipped"}, f.metrics.outcomes[0])
	})

	t.Run("nil metrics does not gate processing", func(t *testing.T) {
		f := newWebhookFixture()
		f.handler.metrics = nil

		w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, f.bindings.applies, 1)
	})
}

func TestWebhookPublishFailureIsSwallowed(t *testing.T) {
	f := newWebhookFixture()
	f.feed.err = errors.New("sqs throttled")

	w := deliver(f.handler, subscriptionEventBody(external.EventStripeSubUpdated, "price_growth"), "valid")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.bindings.applies, 1)
}
