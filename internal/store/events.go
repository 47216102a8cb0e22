package store

import (
	"context"
	"fmt"
	"time"

	"github.com/waggletail/dispatch/internal/notify"
)

// InsertEvent records a normalized webhook event in the dedup ledger. The
// provider event id is the primary key, so a replayed callback reports false
// and the ingestor treats it as a no-op.
func (s *Store) InsertEvent(ctx context.Context, ev *notify.DeliveryEvent) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events
			(provider_event_id, channel, provider_message_id, status, received_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ProviderEventID, string(ev.Channel), ev.ProviderMessageID,
		string(ev.Status), ev.Timestamp, []byte(ev.Raw),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// MarkEventProcessed flips the event's processed flag exactly once. The
// processed=FALSE guard means two concurrent ingestors racing on the same
// event see one true and one false.
func (s *Store) MarkEventProcessed(ctx context.Context, providerEventID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed = TRUE, processed_at = NOW()
		WHERE provider_event_id = $1 AND processed = FALSE`,
		providerEventID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// maxEventAttempts caps retry-sweep work per event. An event that still has
// no delivery-log row after this many sweeps is almost certainly for a send
// this installation never made.
const maxEventAttempts = 10

// ListUnprocessedEvents returns events still awaiting a delivery-log match,
// oldest first. Only events received before the cutoff are returned so the
// sweep never races a webhook that is being ingested right now.
func (s *Store) ListUnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*notify.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_event_id, channel, provider_message_id, status, received_at
		FROM webhook_events
		WHERE processed = FALSE AND received_at <= $1 AND attempts < $2
		ORDER BY received_at
		LIMIT $3`,
		before, maxEventAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*notify.DeliveryEvent
	for rows.Next() {
		var (
			ev              notify.DeliveryEvent
			channel, status string
		)
		if err := rows.Scan(&ev.ProviderEventID, &channel, &ev.ProviderMessageID, &status, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Channel = notify.Channel(channel)
		ev.Status = notify.DeliveryStatus(status)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// RecordEventFailure bumps the attempt counter and stores the error so the
// event stays eligible for a later retry sweep.
func (s *Store) RecordEventFailure(ctx context.Context, providerEventID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET attempts = attempts + 1, last_error = $2
		WHERE provider_event_id = $1`,
		providerEventID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to record event failure: %w", err)
	}
	return nil
}
