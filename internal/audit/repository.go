package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRepo writes to agent_call_events. It only ever INSERTs.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: encode payload: %w", err)
	}
	var occurred sql.NullTime
	if e.Timestamp != nil {
		occurred = sql.NullTime{Time: *e.Timestamp, Valid: true}
	}
	const q = `
INSERT INTO agent_call_events (id, sid, event_type, status, occurred_at, recorded_at, payload)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err = r.db.ExecContext(ctx, q, e.ID, e.SID, e.EventType, e.Status, occurred, e.RecordedAt, raw)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, sid string) ([]Event, error) {
	const q = `
SELECT id, sid, event_type, status, occurred_at, recorded_at, payload
FROM agent_call_events
WHERE sid = $1
ORDER BY recorded_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, sid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			occurred sql.NullTime
			raw      []byte
		)
		if err := rows.Scan(&e.ID, &e.SID, &e.EventType, &e.Status, &occurred, &e.RecordedAt, &raw); err != nil {
			return nil, err
		}
		if occurred.Valid {
			t := occurred.Time
			e.Timestamp = &t
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("audit: decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Repository = (*PostgresRepo)(nil)
