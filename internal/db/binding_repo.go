package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"portalsync/internal/types"
)

// BindingRepo persists customer bindings: the user-to-Stripe-customer
// association plus the last-known subscription projection and invoice
// bookkeeping.
//
// All writes are blind-merge upserts: NULL patch fields leave the stored
// column untouched, so concurrent webhook deliveries for different field
// groups never clobber each other. Subscription-state writes additionally
// carry a monotonic guard on last_event_at so an out-of-order older event
// cannot overwrite newer state.
type BindingRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewBindingRepo creates a BindingRepo backed by the given connection
// (pool or transaction).
func NewBindingRepo(db DBTX, logger *slog.Logger) *BindingRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &BindingRepo{db: db, logger: logger}
}

const bindingColumns = `
	user_id, stripe_customer_id, email,
	subscription_id, subscription_status, cancel_at_period_end,
	current_period_start, current_period_end, price_id, plan,
	checkout_session_id, last_checkout_completed_at,
	last_invoice_id, last_invoice_status, last_invoice_paid,
	last_event_at, updated_at`

// GetBinding returns the binding for a user, or nil when none exists.
func (r *BindingRepo) GetBinding(ctx context.Context, userID string) (*types.CustomerBinding, error) {
	row := r.db.QueryRow(ctx,
		`SELECT`+bindingColumns+` FROM customer_bindings WHERE user_id = $1`,
		userID,
	)
	binding, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load customer binding", err)
	}
	return binding, nil
}

// GetUserIDByCustomer reverse-resolves a Stripe customer ID to the bound
// application user. Returns "" when no binding references the customer.
func (r *BindingRepo) GetUserIDByCustomer(ctx context.Context, stripeCustomerID string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM customer_bindings WHERE stripe_customer_id = $1`,
		stripeCustomerID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to reverse-resolve customer", err)
	}
	return userID, nil
}

// UpsertBinding merges the patch into the user's binding row, creating the row
// if absent. NULL patch fields are ignored on update.
func (r *BindingRepo) UpsertBinding(ctx context.Context, userID string, patch types.BindingPatch) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO customer_bindings (
			user_id, stripe_customer_id, email,
			subscription_id, subscription_status, cancel_at_period_end,
			current_period_start, current_period_end, price_id, plan,
			checkout_session_id, last_checkout_completed_at,
			last_invoice_id, last_invoice_status, last_invoice_paid,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			CASE WHEN $16 THEN NULL ELSE $10 END,
			$11, $12, $13, $14, $15, now()
		)
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, customer_bindings.stripe_customer_id),
			email = COALESCE(EXCLUDED.email, customer_bindings.email),
			subscription_id = COALESCE(EXCLUDED.subscription_id, customer_bindings.subscription_id),
			subscription_status = COALESCE(EXCLUDED.subscription_status, customer_bindings.subscription_status),
			cancel_at_period_end = COALESCE(EXCLUDED.cancel_at_period_end, customer_bindings.cancel_at_period_end),
			current_period_start = COALESCE(EXCLUDED.current_period_start, customer_bindings.current_period_start),
			current_period_end = COALESCE(EXCLUDED.current_period_end, customer_bindings.current_period_end),
			price_id = COALESCE(EXCLUDED.price_id, customer_bindings.price_id),
			plan = CASE WHEN $16 THEN NULL ELSE COALESCE(EXCLUDED.plan, customer_bindings.plan) END,
			checkout_session_id = COALESCE(EXCLUDED.checkout_session_id, customer_bindings.checkout_session_id),
			last_checkout_completed_at = COALESCE(EXCLUDED.last_checkout_completed_at, customer_bindings.last_checkout_completed_at),
			last_invoice_id = COALESCE(EXCLUDED.last_invoice_id, customer_bindings.last_invoice_id),
			last_invoice_status = COALESCE(EXCLUDED.last_invoice_status, customer_bindings.last_invoice_status),
			last_invoice_paid = COALESCE(EXCLUDED.last_invoice_paid, customer_bindings.last_invoice_paid),
			updated_at = now()`,
		patchArgs(userID, patch)...,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert customer binding", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "customer binding upsert affected no rows", nil)
	}
	return nil
}

// ApplySubscriptionEvent merges a webhook-sourced subscription patch with the
// monotonic ordering guard: the write only lands if no newer subscription
// event has been recorded for the user. Returns false when the event was stale
// and dropped; stale events are a correct no-op, not an error.
func (r *BindingRepo) ApplySubscriptionEvent(ctx context.Context, userID string, patch types.BindingPatch, eventAt time.Time) (bool, error) {
	args := patchArgs(userID, patch)
	args = append(args, eventAt)

	tag, err := r.db.Exec(ctx, `
		INSERT INTO customer_bindings (
			user_id, stripe_customer_id, email,
			subscription_id, subscription_status, cancel_at_period_end,
			current_period_start, current_period_end, price_id, plan,
			checkout_session_id, last_checkout_completed_at,
			last_invoice_id, last_invoice_status, last_invoice_paid,
			updated_at, last_event_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			CASE WHEN $16 THEN NULL ELSE $10 END,
			$11, $12, $13, $14, $15, now(), $17
		)
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, customer_bindings.stripe_customer_id),
			email = COALESCE(EXCLUDED.email, customer_bindings.email),
			subscription_id = COALESCE(EXCLUDED.subscription_id, customer_bindings.subscription_id),
			subscription_status = COALESCE(EXCLUDED.subscription_status, customer_bindings.subscription_status),
			cancel_at_period_end = COALESCE(EXCLUDED.cancel_at_period_end, customer_bindings.cancel_at_period_end),
			current_period_start = COALESCE(EXCLUDED.current_period_start, customer_bindings.current_period_start),
			current_period_end = COALESCE(EXCLUDED.current_period_end, customer_bindings.current_period_end),
			price_id = COALESCE(EXCLUDED.price_id, customer_bindings.price_id),
			plan = CASE WHEN $16 THEN NULL ELSE COALESCE(EXCLUDED.plan, customer_bindings.plan) END,
			checkout_session_id = COALESCE(EXCLUDED.checkout_session_id, customer_bindings.checkout_session_id),
			last_checkout_completed_at = COALESCE(EXCLUDED.last_checkout_completed_at, customer_bindings.last_checkout_completed_at),
			last_invoice_id = COALESCE(EXCLUDED.last_invoice_id, customer_bindings.last_invoice_id),
			last_invoice_status = COALESCE(EXCLUDED.last_invoice_status, customer_bindings.last_invoice_status),
			last_invoice_paid = COALESCE(EXCLUDED.last_invoice_paid, customer_bindings.last_invoice_paid),
			updated_at = now(),
			last_event_at = EXCLUDED.last_event_at
		WHERE customer_bindings.last_event_at IS NULL
			OR customer_bindings.last_event_at <= EXCLUDED.last_event_at`,
		args...,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription event", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale subscription event dropped",
			slog.String("user_id", userID),
			slog.Time("event_at", eventAt),
		)
		return false, nil
	}
	return true, nil
}

// patchArgs flattens a BindingPatch into the positional arguments shared by
// the two upsert statements. Order must match the VALUES list.
func patchArgs(userID string, patch types.BindingPatch) []any {
	return []any{
		userID,
		patch.StripeCustomerID,
		patch.Email,
		patch.SubscriptionID,
		(*string)(patch.SubscriptionStatus),
		patch.CancelAtPeriodEnd,
		patch.CurrentPeriodStart,
		patch.CurrentPeriodEnd,
		patch.PriceID,
		(*string)(patch.Plan),
		patch.CheckoutSessionID,
		patch.LastCheckoutCompletedAt,
		patch.LastInvoiceID,
		patch.LastInvoiceStatus,
		patch.LastInvoicePaid,
		patch.ClearPlan,
	}
}

// scanBinding reads one customer_bindings row in bindingColumns order.
func scanBinding(row pgx.Row) (*types.CustomerBinding, error) {
	var b types.CustomerBinding
	var customerID, status, plan *string
	err := row.Scan(
		&b.UserID,
		&customerID,
		&b.Email,
		&b.SubscriptionID,
		&status,
		&b.CancelAtPeriodEnd,
		&b.CurrentPeriodStart,
		&b.CurrentPeriodEnd,
		&b.PriceID,
		&plan,
		&b.CheckoutSessionID,
		&b.LastCheckoutCompletedAt,
		&b.LastInvoiceID,
		&b.LastInvoiceStatus,
		&b.LastInvoicePaid,
		&b.LastEventAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID != nil {
		b.StripeCustomerID = *customerID
	}
	b.SubscriptionStatus = (*types.SubscriptionStatus)(status)
	b.Plan = (*types.Plan)(plan)
	return &b, nil
}
