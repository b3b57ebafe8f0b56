package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"portalsync/internal/types"
)

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

// EventRepo is the webhook event log. One row per provider event ID; the
// insert doubles as the delivery-dedup check. Raw payloads are archived
// zstd-compressed for replay and audit.
type EventRepo struct {
	db      DBTX
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// NewEventRepo creates an EventRepo. The zstd coders are stateless under
// EncodeAll/DecodeAll and shared across requests.
func NewEventRepo(db DBTX, logger *slog.Logger) (*EventRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &EventRepo{db: db, encoder: encoder, decoder: decoder, logger: logger}, nil
}

// RecordEvent inserts the event into the log. Returns false when the event ID
// was already recorded, which callers treat as a duplicate delivery and skip.
func (r *EventRepo) RecordEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	compressed := r.encoder.EncodeAll(payload, nil)

	tag, err := r.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, compressed,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetEventPayload returns the decompressed raw payload of a recorded event,
// or nil when the event is unknown. Used by replay tooling.
func (r *EventRepo) GetEventPayload(ctx context.Context, eventID string) ([]byte, error) {
	var compressed []byte
	err := r.db.QueryRow(ctx,
		`SELECT payload FROM webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&compressed)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load webhook event", err)
	}
	payload, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress webhook payload", err)
	}
	return payload, nil
}
