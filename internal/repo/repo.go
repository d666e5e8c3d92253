package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"planforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

type RunFilters struct {
	Limit  int
	Status string
}

const runColumns = `id,goal,priority,time_available,status,COALESCE(failed_step,''),COALESCE(error_code,''),COALESCE(error,''),response_json,created_at,finished_at,duration_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var (
		run      domain.Run
		timeAv   sql.NullString
		status   string
		response sql.NullString
	)
	err := row.Scan(&run.ID, &run.Goal, &run.Priority, &timeAv, &status, &run.FailedStep, &run.ErrorCode, &run.Error, &response, &run.CreatedAt, &run.FinishedAt, &run.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	if timeAv.Valid {
		v := timeAv.String
		run.TimeAvailable = &v
	}
	if response.Valid && response.String != "" {
		var resp domain.AgentResponse
		if err := json.Unmarshal([]byte(response.String), &resp); err != nil {
			return run, fmt.Errorf("decode response of run %s: %w", run.ID, err)
		}
		run.Response = &resp
	}
	return run, nil
}

// InsertRunTx stores a finished run. Only succeeded runs carry a response.
func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	var response any
	if run.Response != nil {
		data, err := json.Marshal(run.Response)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		response = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,goal,priority,time_available,status,failed_step,error_code,error,response_json,created_at,finished_at,duration_ms) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Goal, run.Priority, nullableStringPtr(run.TimeAvailable), string(run.Status),
		nullable(run.FailedStep), nullable(run.ErrorCode), nullable(run.Error), response,
		run.CreatedAt, run.FinishedAt, run.DurationMS)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRuns returns the newest runs first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM runs %s ORDER BY created_at DESC, id DESC LIMIT ?`, runColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
