package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waggletail/dispatch/internal/notify"
)

// CreateScheduledSend parks a message in the scheduled-sends store until its
// send time. Until the promoter claims it, the send can still be cancelled.
func (s *Store) CreateScheduledSend(ctx context.Context, ss *notify.ScheduledSend) error {
	if ss.ID == uuid.Nil {
		ss.ID = uuid.New()
	}
	if ss.CreatedAt.IsZero() {
		ss.CreatedAt = time.Now()
	}

	envelope, err := json.Marshal(ss.Envelope)
	if err != nil {
		return err
	}
	options, err := json.Marshal(ss.Options)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_sends (id, user_id, envelope, options, send_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ss.ID, ss.Envelope.UserID, envelope, options, ss.SendAt, ss.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduled send: %w", err)
	}
	return nil
}

// ClaimDueScheduledSends atomically removes up to limit due sends and returns
// them for enqueueing. SKIP LOCKED lets multiple promoter workers run without
// double-claiming a row.
func (s *Store) ClaimDueScheduledSends(ctx context.Context, now time.Time, limit int) ([]*notify.ScheduledSend, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM scheduled_sends
		WHERE id IN (
			SELECT id FROM scheduled_sends
			WHERE send_at <= $1
			ORDER BY send_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, envelope, options, send_at, created_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due scheduled sends: %w", err)
	}
	defer rows.Close()

	var out []*notify.ScheduledSend
	for rows.Next() {
		var (
			ss                notify.ScheduledSend
			envelope, options []byte
		)
		if err := rows.Scan(&ss.ID, &envelope, &options, &ss.SendAt, &ss.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(envelope, &ss.Envelope); err != nil {
			return nil, fmt.Errorf("corrupt scheduled envelope %s: %w", ss.ID, err)
		}
		if err := json.Unmarshal(options, &ss.Options); err != nil {
			return nil, fmt.Errorf("corrupt scheduled options %s: %w", ss.ID, err)
		}
		out = append(out, &ss)
	}
	return out, rows.Err()
}

// CancelScheduledSend deletes a pending scheduled send. Returns false when
// the send no longer exists: either already cancelled or already promoted
// into the queue, at which point cancellation is too late.
func (s *Store) CancelScheduledSend(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_sends WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel scheduled send: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
