package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/waggletail/dispatch/internal/notify"
)

// Filterable user columns. Anything outside this set is rejected before it
// gets near the SQL text.
var audienceFields = map[string]string{
	"email":        "u.email",
	"first_name":   "u.first_name",
	"last_name":    "u.last_name",
	"city":         "u.city",
	"state":        "u.state",
	"country":      "u.country",
	"total_orders": "u.total_orders",
	"total_spent":  "u.total_spent",
	"signup_date":  "u.created_at",
	"dog_breed":    "u.primary_dog_breed",
}

const recipientSelect = `
	SELECT u.id,
	       COALESCE(u.first_name, ''), COALESCE(u.last_name, ''),
	       COALESCE(u.email, ''), COALESCE(u.phone, ''), COALESCE(u.chat_id, ''),
	       COALESCE(array_agg(dt.token) FILTER (WHERE dt.token IS NOT NULL), '{}')
	FROM users u
	LEFT JOIN device_tokens dt ON dt.user_id = u.id`

const recipientGroupBy = `
	GROUP BY u.id, u.first_name, u.last_name, u.email, u.phone, u.chat_id
	ORDER BY u.id`

// ResolveAudience expands an audience spec into concrete recipients with
// their per-channel addresses. Exactly one targeting form is honored, checked
// in order: explicit user ids, a stored segment, field filters, all users.
func (s *Store) ResolveAudience(ctx context.Context, spec notify.AudienceSpec) ([]notify.Recipient, error) {
	var (
		query string
		args  []interface{}
	)

	switch {
	case len(spec.UserIDs) > 0:
		query = recipientSelect + ` WHERE u.id = ANY($1)` + recipientGroupBy
		args = []interface{}{pq.Array(spec.UserIDs)}

	case spec.SegmentID != "":
		query = recipientSelect + `
			JOIN segment_members sm ON sm.user_id = u.id
			WHERE sm.segment_id = $1` + recipientGroupBy
		args = []interface{}{spec.SegmentID}

	case len(spec.Filters) > 0:
		where, filterArgs, err := buildFilterClause(spec.Filters)
		if err != nil {
			return nil, err
		}
		query = recipientSelect + ` WHERE ` + where + recipientGroupBy
		args = filterArgs

	case spec.AllUsers:
		query = recipientSelect + recipientGroupBy

	default:
		return nil, fmt.Errorf("audience spec targets nobody")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}
	defer rows.Close()

	var out []notify.Recipient
	for rows.Next() {
		var r notify.Recipient
		if err := rows.Scan(&r.UserID, &r.FirstName, &r.LastName,
			&r.Email, &r.Phone, &r.ChatID, pq.Array(&r.PushTokens)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// buildFilterClause converts validated filters into a parameterized WHERE
// clause. Field names and operators come from fixed whitelists; values are
// always bound parameters.
func buildFilterClause(filters []notify.AudienceFilter) (string, []interface{}, error) {
	var (
		clauses []string
		args    []interface{}
	)
	for _, f := range filters {
		column, ok := audienceFields[f.Field]
		if !ok {
			return "", nil, fmt.Errorf("unknown audience field %q", f.Field)
		}

		n := len(args) + 1
		switch f.Operator {
		case "equals":
			clauses = append(clauses, fmt.Sprintf("%s = $%d", column, n))
			args = append(args, f.Value)
		case "not_equals":
			clauses = append(clauses, fmt.Sprintf("%s != $%d", column, n))
			args = append(args, f.Value)
		case "contains":
			clauses = append(clauses, fmt.Sprintf("%s ILIKE $%d", column, n))
			args = append(args, fmt.Sprintf("%%%v%%", f.Value))
		case "greater_than":
			clauses = append(clauses, fmt.Sprintf("%s > $%d", column, n))
			args = append(args, f.Value)
		case "less_than":
			clauses = append(clauses, fmt.Sprintf("%s < $%d", column, n))
			args = append(args, f.Value)
		case "in":
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", column, n))
			args = append(args, pq.Array(toStringSlice(f.Value)))
		case "not_in":
			clauses = append(clauses, fmt.Sprintf("%s != ALL($%d)", column, n))
			args = append(args, pq.Array(toStringSlice(f.Value)))
		default:
			return "", nil, fmt.Errorf("unknown audience operator %q", f.Operator)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toStringSlice normalizes the JSON-decoded value of an in/not_in filter.
func toStringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
