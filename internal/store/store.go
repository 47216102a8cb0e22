// Package store is the Postgres persistence layer: the append-only delivery
// log, campaign lifecycle, scheduled sends, templates, user preferences,
// audience resolution and the webhook dedup ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/waggletail/dispatch/internal/notify"
)

// Store wraps the Postgres connection pool.
type Store struct {
	db *sql.DB
}

// New opens a Postgres connection pool and verifies connectivity.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("[Store] connected to Postgres")
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Tests inject sqlmock through this.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendOutcome records one dispatch attempt in the delivery log. The log is
// append-only: every attempt gets its own row, and later webhook events only
// ever advance the status column.
func (s *Store) AppendOutcome(ctx context.Context, userID, campaignID string, out *notify.DeliveryOutcome) error {
	status := notify.StatusSent
	if !out.Success {
		status = notify.StatusFailed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log
			(id, user_id, campaign_id, channel, provider, provider_message_id,
			 success, error, error_code, permanent, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New(), userID, nullIfEmpty(campaignID), string(out.Channel), out.Provider,
		nullIfEmpty(out.ProviderMessageID), out.Success, nullIfEmpty(out.Error),
		nullIfEmpty(out.ErrorCode), out.Permanent, string(status), out.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery outcome: %w", err)
	}
	return nil
}

// UpdateDeliveryStatus advances the status of a logged delivery, keyed by the
// provider's message id. An unknown id is a no-op: webhooks can outrun the
// log write, and the retrying ingestor handles that.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status notify.DeliveryStatus, ts time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_log
		SET status = $2, status_updated_at = $3
		WHERE provider_message_id = $1`,
		providerMessageID, string(status), ts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update delivery status: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// GetPreferences loads a user's consent record. A user with no stored
// preferences returns nil, which callers treat as all-allowed.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*notify.UserPreferences, error) {
	var channelsJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT channels FROM user_preferences WHERE user_id = $1`,
		userID,
	).Scan(&channelsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}

	prefs := &notify.UserPreferences{UserID: userID}
	if err := json.Unmarshal(channelsJSON, &prefs.Channels); err != nil {
		return nil, fmt.Errorf("corrupt preferences for %s: %w", userID, err)
	}
	return prefs, nil
}

// PruneTokens removes device tokens the push provider reported as dead.
func (s *Store) PruneTokens(ctx context.Context, userID string, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE user_id = $1 AND token = ANY($2)`,
		userID, pq.Array(tokens),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		log.Printf("[Store] pruned %d dead push tokens for user %s", n, userID)
	}
	return int(n), nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
