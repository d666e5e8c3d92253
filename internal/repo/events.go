package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"planforge/internal/domain"
)

const eventColumns = `id,ts,type,run_id,COALESCE(step,''),COALESCE(attempt,0),payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var (
			e       domain.Event
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Step, &e.Attempt, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && json.Valid([]byte(payload.String)) {
			e.Payload = json.RawMessage(payload.String)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsForRun returns a run's journal in write order.
func (r Repo) EventsForRun(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, optionally restricted to types.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, types []string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if len(types) > 0 {
		clauses = append(clauses, "type IN (?"+strings.Repeat(",?", len(types)-1)+")")
		for _, t := range types {
			args = append(args, t)
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, 0 for an empty journal.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the last delivered event id for hook.
func (r Repo) WebhookCursor(ctx context.Context, hook string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE hook=?`, hook).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hook string, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(hook) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, hook, id, now)
	return err
}
