package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChangeEvent is a row of the durable change_events log. Its event_id is the
// ledger's own monotone sequence, independent of the broadcaster's in-memory
// one; a subscriber that receives a stream gap reloads from here.
type ChangeEvent struct {
	EventID   int64     `json:"event_id"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// EventBounds returns the smallest and largest event_id in the ledger, both
// zero when the log is empty.
func (s *Store) EventBounds(ctx context.Context) (minEventID, maxEventID int64, err error) {
	var min, max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(event_id), MAX(event_id) FROM change_events;
	`).Scan(&min, &max); err != nil {
		return 0, 0, fmt.Errorf("event bounds: %w", err)
	}
	if min.Valid {
		minEventID = min.Int64
	}
	if max.Valid {
		maxEventID = max.Int64
	}
	return minEventID, maxEventID, nil
}

// ListEventsFrom returns committed change events with event_id greater than
// fromEventID, in commit order.
func (s *Store) ListEventsFrom(ctx context.Context, fromEventID int64, limit int) ([]ChangeEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, entity, entity_id, task_id, event_type, state_from, state_to, payload_json, created_at
		FROM change_events
		WHERE event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	var out []ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		var stateFrom sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.Entity, &ev.EntityID, &ev.TaskID, &ev.EventType, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		if stateFrom.Valid {
			ev.StateFrom = stateFrom.String
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("change event rows: %w", err)
	}
	return out, nil
}
