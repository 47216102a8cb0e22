package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/waggletail/dispatch/internal/notify"
)

// LoadUserProfile assembles the user data the context builder needs for
// template rendering: identity, pets, order history, active subscriptions
// and the loyalty snapshot. An unknown user returns nil; the caller renders
// with a bare identity context instead of failing the send.
func (s *Store) LoadUserProfile(ctx context.Context, userID string) (*notify.UserData, error) {
	u := &notify.UserData{UserID: userID}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(display_name, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
		       COALESCE(email, ''), COALESCE(phone, '')
		FROM users WHERE id = $1`, userID,
	).Scan(&u.DisplayName, &u.FirstName, &u.LastName, &u.Email, &u.Phone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	if u.Dogs, err = s.loadDogs(ctx, userID); err != nil {
		return nil, err
	}
	if u.Orders, err = s.loadOrders(ctx, userID); err != nil {
		return nil, err
	}
	if u.Subscriptions, err = s.loadSubscriptions(ctx, userID); err != nil {
		return nil, err
	}
	if u.Gamification, err = s.loadGamification(ctx, userID); err != nil {
		return nil, err
	}

	return u, nil
}

func (s *Store) loadDogs(ctx context.Context, userID string) ([]notify.Dog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, COALESCE(breed, ''), birth_date, COALESCE(weight_lbs, 0)
		FROM dogs WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dogs: %w", err)
	}
	defer rows.Close()

	var out []notify.Dog
	for rows.Next() {
		var d notify.Dog
		if err := rows.Scan(&d.Name, &d.Breed, &d.BirthDate, &d.WeightLbs); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) loadOrders(ctx context.Context, userID string) ([]notify.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total, placed_at, item_count
		FROM orders WHERE user_id = $1 ORDER BY placed_at DESC LIMIT 50`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	defer rows.Close()

	var out []notify.Order
	for rows.Next() {
		var o notify.Order
		if err := rows.Scan(&o.ID, &o.Total, &o.PlacedAt, &o.ItemCount); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) loadSubscriptions(ctx context.Context, userID string) ([]notify.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan, status, renews_at
		FROM subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	defer rows.Close()

	var out []notify.Subscription
	for rows.Next() {
		var sub notify.Subscription
		if err := rows.Scan(&sub.ID, &sub.Plan, &sub.Status, &sub.RenewsAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) loadGamification(ctx context.Context, userID string) (*notify.GamificationSummary, error) {
	var g notify.GamificationSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT points, level, COALESCE(badges, '{}'), streak
		FROM gamification WHERE user_id = $1`, userID,
	).Scan(&g.Points, &g.Level, pq.Array(&g.Badges), &g.Streak)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gamification: %w", err)
	}
	return &g, nil
}
