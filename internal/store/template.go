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

// GetTemplate loads one template by id. Missing templates return nil.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*notify.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, COALESCE(subject, ''), content, variables, active, created_at, updated_at
		FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTemplates returns templates for one channel, active first.
func (s *Store) ListTemplates(ctx context.Context, channel notify.Channel) ([]*notify.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, COALESCE(subject, ''), content, variables, active, created_at, updated_at
		FROM templates WHERE type = $1 ORDER BY active DESC, name`, string(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*notify.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTemplate inserts or replaces a template.
func (s *Store) SaveTemplate(ctx context.Context, t *notify.Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	variables, err := json.Marshal(t.Variables)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, type, name, subject, content, variables, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, name = EXCLUDED.name, subject = EXCLUDED.subject,
			content = EXCLUDED.content, variables = EXCLUDED.variables,
			active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		t.ID, string(t.Type), t.Name, nullIfEmpty(t.Subject), t.Content,
		variables, t.Active, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// DeleteTemplate removes a template. Returns false when it did not exist.
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete template: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func scanTemplate(row rowScanner) (*notify.Template, error) {
	var (
		t         notify.Template
		typ       string
		variables []byte
	)
	err := row.Scan(&t.ID, &typ, &t.Name, &t.Subject, &t.Content,
		&variables, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = notify.Channel(typ)
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &t.Variables); err != nil {
			return nil, fmt.Errorf("corrupt template variables: %w", err)
		}
	}
	return &t, nil
}
