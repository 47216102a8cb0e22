package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waggletail/dispatch/internal/notify"
)

const campaignColumns = `id, name, status, audience, content, category, scheduled_at, settings, COALESCE(error, ''), created_at, updated_at`

// GetCampaign loads one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*notify.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// CreateCampaign persists a new campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *notify.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = notify.CampaignDraft
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return err
	}
	content, err := json.Marshal(c.Content)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, status, audience, content, category, scheduled_at, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Name, string(c.Status), audience, content, string(c.Category),
		c.ScheduledAt, settings, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// ListDueCampaigns returns scheduled campaigns whose send time has arrived.
func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time) ([]*notify.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status = 'scheduled' AND scheduled_at <= $1
		 ORDER BY scheduled_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	defer rows.Close()

	var out []*notify.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCampaignRunning transitions a campaign into the running state. Returns
// false when the campaign was not in a startable state, which makes the
// due-campaign poller safe to run concurrently.
func (s *Store) MarkCampaignRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'running', updated_at = $2
		WHERE id = $1 AND status IN ('draft', 'scheduled')`,
		id, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark campaign running: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// FinishCampaign writes a terminal status (completed or cancelled). The guard
// on non-terminal status makes the terminal write exactly-once: a second
// finish attempt reports false and changes nothing.
func (s *Store) FinishCampaign(ctx context.Context, id uuid.UUID, status notify.CampaignStatus, errMsg string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, error = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		id, string(status), nullIfEmpty(errMsg), time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish campaign: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*notify.Campaign, error) {
	var (
		c                           notify.Campaign
		status, category            string
		audience, content, settings []byte
	)
	err := row.Scan(&c.ID, &c.Name, &status, &audience, &content, &category,
		&c.ScheduledAt, &settings, &c.Error, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = notify.CampaignStatus(status)
	c.Category = notify.Category(category)
	if err := json.Unmarshal(audience, &c.Audience); err != nil {
		return nil, fmt.Errorf("corrupt campaign audience: %w", err)
	}
	if err := json.Unmarshal(content, &c.Content); err != nil {
		return nil, fmt.Errorf("corrupt campaign content: %w", err)
	}
	if err := json.Unmarshal(settings, &c.Settings); err != nil {
		return nil, fmt.Errorf("corrupt campaign settings: %w", err)
	}
	return &c, nil
}
