package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"planforge/internal/agent"
	"planforge/internal/config"
	"planforge/internal/domain"
	"planforge/internal/events"
	"planforge/internal/gateway"
	"planforge/internal/metrics"
	"planforge/internal/prompts"
	"planforge/internal/repo"
	"planforge/internal/schema"
)

// Error codes surfaced to callers.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeAgent      = "AGENT_ERROR"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Prompts *prompts.Set
	Metrics *metrics.Metrics
	Logger  hclog.Logger
	Now     func() time.Time

	// APIKey overrides reading the key from the environment.
	APIKey func() string
	// GatewayOptions are applied to every per-run gateway client.
	GatewayOptions []gateway.Option
	// Sleep overrides the orchestrator's retry wait.
	Sleep gateway.Sleeper
}

// New wires an engine over an open, migrated database.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	set, err := prompts.Load(cfg.Prompts.Dir)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Config:  cfg,
		Prompts: set,
		Logger:  hclog.NewNullLogger(),
		Now:     time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() hclog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return hclog.NewNullLogger()
}

// Result is the outcome of one plan request. RunID is set even on failure.
type Result struct {
	RunID    string
	Response domain.AgentResponse
}

// PlanJSON decodes body and runs it. An undecodable body is an input
// validation failure on field "body".
func (e Engine) PlanJSON(ctx context.Context, body []byte) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil || dec.More() {
		return e.finish(ctx, newRun(e, nil), &agent.Error{
			Step:     agent.StateInitialize,
			Attempts: 1,
			Err:      &schema.ValidationError{Field: "body", Message: "must be a valid JSON object"},
		}, nil)
	}
	return e.Plan(ctx, raw)
}

// Plan runs one request through a fresh gateway client and orchestrator and
// journals the outcome.
func (e Engine) Plan(ctx context.Context, raw any) (Result, error) {
	r := newRun(e, raw)
	log := r.log

	key := e.Config.Gateway.APIKey()
	if e.APIKey != nil {
		key = e.APIKey()
	}
	opts := []gateway.Option{gateway.WithLogger(log.Named("gateway"))}
	if e.Metrics != nil {
		opts = append(opts, gateway.WithAttemptHook(e.Metrics.GatewayHook()))
	}
	opts = append(opts, e.GatewayOptions...)
	client, err := gateway.New(e.Config.Gateway, key, opts...)
	if err != nil {
		return e.finish(ctx, r, &agent.Error{Step: agent.StateInitialize, Attempts: 1, Err: fmt.Errorf("%w (set %s)", err, e.Config.Gateway.APIKeyEnv)}, nil)
	}

	observers := agent.Observers{r.journal}
	if e.Metrics != nil {
		observers = append(observers, e.Metrics.Observer())
	}
	retry := agent.Retry{
		Attempts:  e.Config.Orchestrator.Attempts,
		BaseDelay: e.Config.Orchestrator.BaseDelay(),
		Sleep:     e.Sleep,
	}
	orch := agent.New(
		agent.Tools{LLM: client, Prompts: e.Prompts},
		agent.WithRetry(retry),
		agent.WithObserver(observers),
		agent.WithLogger(log),
	)
	resp, err := orch.Run(ctx, raw)
	if err != nil {
		return e.finish(ctx, r, err, nil)
	}
	return e.finish(ctx, r, nil, &resp)
}

type run struct {
	record  domain.Run
	started time.Time
	journal *journal
	log     hclog.Logger
}

func newRun(e Engine, raw any) *run {
	id := uuid.NewString()
	started := e.now()
	goal, priority, timeAv := describe(raw)
	r := &run{
		record: domain.Run{
			ID:            id,
			Goal:          goal,
			Priority:      priority,
			TimeAvailable: timeAv,
			CreatedAt:     started.UTC().Format(time.RFC3339Nano),
		},
		started: started,
		journal: &journal{now: e.now},
		log:     e.logger().With("run_id", id),
	}
	r.journal.add(events.Record{Type: events.RunStarted, Payload: events.Payload{"priority": priority}})
	r.log.Info("run started", "priority", priority)
	return r
}

// finish records the outcome. Journal failures are logged, never returned:
// the caller's result does not depend on the store.
func (e Engine) finish(ctx context.Context, r *run, runErr error, resp *domain.AgentResponse) (Result, error) {
	finished := e.now()
	elapsed := finished.Sub(r.started)
	rec := r.record
	rec.FinishedAt = finished.UTC().Format(time.RFC3339Nano)
	rec.DurationMS = elapsed.Milliseconds()

	if runErr == nil {
		rec.Status = domain.RunSucceeded
		rec.Response = resp
		r.journal.add(events.Record{Type: events.RunCompleted, Payload: events.Payload{
			"steps":       len(resp.ActionSteps),
			"risks":       len(resp.Risks),
			"duration_ms": rec.DurationMS,
		}})
		r.log.Info("run completed", "steps", len(resp.ActionSteps), "duration", elapsed)
	} else {
		code, field := Classify(runErr)
		rec.Status = domain.RunFailed
		rec.ErrorCode = code
		rec.Error = runErr.Error()
		var ae *agent.Error
		if errors.As(runErr, &ae) {
			rec.FailedStep = ae.Step.String()
		}
		payload := events.Payload{"code": code, "error": rec.Error}
		if rec.FailedStep != "" {
			payload["step"] = rec.FailedStep
		}
		if field != "" {
			payload["field"] = field
		}
		r.journal.add(events.Record{Type: events.RunFailed, Step: rec.FailedStep, Payload: payload})
		r.log.Error("run failed", "step", rec.FailedStep, "code", code, "error", runErr)
	}
	if e.Metrics != nil {
		e.Metrics.ObserveRun(string(rec.Status), rec.ErrorCode, elapsed)
	}
	if e.DB != nil {
		if err := e.store(context.WithoutCancel(ctx), rec, r.journal.records); err != nil {
			r.log.Error("journal run failed", "error", err)
		}
	}
	if runErr != nil {
		return Result{RunID: rec.ID}, runErr
	}
	return Result{RunID: rec.ID, Response: *resp}, nil
}

func (e Engine) store(ctx context.Context, rec domain.Run, recs []events.Record) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, rec); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.AppendAll(ctx, tx, rec.ID, recs); err != nil {
		return err
	}
	return tx.Commit()
}

// Classify maps a run error to its public code. Only validation failures of
// the request itself are VALIDATION_ERROR; field names the offending input.
func Classify(err error) (code, field string) {
	var ae *agent.Error
	var ve *schema.ValidationError
	if errors.As(err, &ae) && ae.Step == agent.StateInitialize && errors.As(err, &ve) {
		field = ve.Field
		if field == "" {
			field = "body"
		}
		return CodeValidation, field
	}
	return CodeAgent, ""
}

// GetRun returns a run with its journal.
func (e Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	rec, err := e.Repo.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	evts, err := e.Repo.EventsForRun(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	rec.Events = evts
	return rec, nil
}

func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	if f.Status != "" && f.Status != string(domain.RunSucceeded) && f.Status != string(domain.RunFailed) {
		return nil, fmt.Errorf("unknown run status %q", f.Status)
	}
	return e.Repo.ListRuns(ctx, f)
}

// describe pulls loggable request fields out of an unvalidated body.
func describe(raw any) (goal, priority string, timeAvailable *string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return "", "", nil
	}
	goal, _ = m["goal"].(string)
	priority, _ = m["priority"].(string)
	if t, ok := m["timeAvailable"].(string); ok {
		timeAvailable = &t
	}
	return goal, priority, timeAvailable
}
