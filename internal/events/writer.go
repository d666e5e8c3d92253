// Package events writes the per-run step journal.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded for a run.
const (
	RunStarted    = "run.started"
	StepStarted   = "step.started"
	StepRetry     = "step.retry"
	StepCompleted = "step.completed"
	StepFailed    = "step.failed"
	RunCompleted  = "run.completed"
	RunFailed     = "run.failed"
)

type Payload map[string]any

// Record is one journal entry before it is written.
type Record struct {
	TS      time.Time
	Type    string
	Step    string
	Attempt int
	Payload Payload
}

type Writer struct {
	Now func() time.Time
}

// Append inserts rec for runID inside tx. A zero TS is stamped with Now.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, runID string, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := rec.TS
	if ts.IsZero() {
		ts = w.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,step,attempt,payload_json) VALUES (?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), rec.Type, runID, nullable(rec.Step), nullableInt(rec.Attempt), string(data))
	return err
}

// AppendAll writes recs in order.
func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, runID string, recs []Record) error {
	for _, rec := range recs {
		if err := w.Append(ctx, tx, runID, rec); err != nil {
			return fmt.Errorf("append %s: %w", rec.Type, err)
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
