package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"planforge/internal/domain"
	"planforge/internal/gateway"
	"planforge/internal/parser"
	"planforge/internal/schema"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
)

// Retry bounds how often a tool step is re-run.
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
	Sleep     gateway.Sleeper
}

// DefaultRetry is three attempts with a one second base delay.
func DefaultRetry() Retry {
	return Retry{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay, Sleep: gateway.SleepContext}
}

// Delay is the wait after the zero-based attempt failed: base * 2^attempt.
func (r Retry) Delay(attempt int) time.Duration {
	return r.BaseDelay << uint(attempt)
}

func (r Retry) withDefaults() Retry {
	if r.Attempts <= 0 {
		r.Attempts = DefaultAttempts
	}
	if r.BaseDelay < 0 {
		r.BaseDelay = DefaultBaseDelay
	}
	if r.Sleep == nil {
		r.Sleep = gateway.SleepContext
	}
	return r
}

// Orchestrator runs one request through the pipeline. It is single use.
type Orchestrator struct {
	tools    Tools
	retry    Retry
	observer Observer
	logger   hclog.Logger
	used     atomic.Bool
}

type Option func(*Orchestrator)

func WithRetry(r Retry) Option {
	return func(o *Orchestrator) {
		o.retry = r
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func New(tools Tools, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tools:    tools,
		retry:    DefaultRetry(),
		observer: NopObserver{},
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.retry = o.retry.withDefaults()
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	return o
}

// Run validates raw and drives the machine to done or failed. Only a fully
// validated AgentResponse is returned; on failure the error is an *Error.
func (o *Orchestrator) Run(ctx context.Context, raw any) (domain.AgentResponse, error) {
	if !o.used.CompareAndSwap(false, true) {
		return domain.AgentResponse{}, ErrReused
	}
	st := NewState(raw)
	for !st.Current.IsTerminal() {
		if _, err := o.Step(ctx, st); err != nil {
			return domain.AgentResponse{}, err
		}
	}
	if st.Current != StateDone || st.Response == nil {
		return domain.AgentResponse{}, &Error{Step: st.FailedStep, Err: st.LastErr}
	}
	return *st.Response, nil
}

// Step executes st.Current and moves st to the next state, or to failed.
func (o *Orchestrator) Step(ctx context.Context, st *AgentState) (State, error) {
	step := st.Current
	if step.IsTerminal() {
		return step, nil
	}
	if err := o.requireFragments(step, st); err != nil {
		st.FailedStep = step
		st.Current = StateFailed
		return StateFailed, err
	}
	var err error
	switch step {
	case StateInitialize:
		err = o.once(step, st, func() error {
			in, err := schema.ValidateGoalInput(st.Raw)
			if err != nil {
				return err
			}
			st.Input = in
			return nil
		})
	case StateAnalyzeComplexity:
		err = o.withRetry(ctx, step, st, func(ctx context.Context) error {
			out, err := o.tools.AnalyzeComplexity(ctx, st.Input)
			if err != nil {
				return err
			}
			st.Analysis = &out
			return nil
		})
	case StateGenerateSteps:
		err = o.withRetry(ctx, step, st, func(ctx context.Context) error {
			out, err := o.tools.GenerateSteps(ctx, st.Input, *st.Analysis)
			if err != nil {
				return err
			}
			st.Plan = &out
			return nil
		})
	case StateIdentifyRisks:
		err = o.withRetry(ctx, step, st, func(ctx context.Context) error {
			out, err := o.tools.IdentifyRisks(ctx, st.Input, st.Plan.ActionSteps)
			if err != nil {
				return err
			}
			st.Risks = out
			return nil
		})
	case StateDetermineNextAction:
		err = o.withRetry(ctx, step, st, func(ctx context.Context) error {
			out, err := o.tools.DetermineNextAction(ctx, st.Input, st.Plan.ActionSteps)
			if err != nil {
				return err
			}
			st.Next = &out
			return nil
		})
	case StateValidateOutput:
		err = o.once(step, st, func() error {
			resp, err := assemble(st)
			if err != nil {
				return err
			}
			st.Response = &resp
			return nil
		})
	default:
		err = &Error{Step: step, Err: fmt.Errorf("unknown state %q", step)}
	}
	if err != nil {
		st.FailedStep = step
		st.Current = StateFailed
		return StateFailed, err
	}
	st.Current = Next(step)
	return st.Current, nil
}

// requireFragments fails a tool step whose inputs were never produced.
func (o *Orchestrator) requireFragments(step State, st *AgentState) error {
	var missing string
	switch step {
	case StateGenerateSteps:
		if st.Analysis == nil {
			missing = "goal analysis"
		}
	case StateIdentifyRisks, StateDetermineNextAction:
		if st.Plan == nil {
			missing = "step plan"
		}
	}
	if missing == "" {
		return nil
	}
	err := fmt.Errorf("%w: %s", ErrMissingFragment, missing)
	st.LastErr = err
	o.logger.Error("step failed", "step", step, "error", err)
	o.observer.StepFailed(step, 0, 0, err)
	return &Error{Step: step, Err: err}
}

// once runs a step that is not retried.
func (o *Orchestrator) once(step State, st *AgentState, fn func() error) error {
	st.Attempt = 1
	o.observer.StepStarted(step, 1)
	start := time.Now()
	if err := fn(); err != nil {
		st.LastErr = err
		o.logger.Error("step failed", "step", step, "error", err)
		o.observer.StepFailed(step, 1, time.Since(start), err)
		return &Error{Step: step, Attempts: 1, Err: err}
	}
	o.observer.StepCompleted(step, 1, time.Since(start))
	return nil
}

// withRetry re-runs fn until it succeeds or the attempts are spent. Context
// cancellation stops the loop at once.
func (o *Orchestrator) withRetry(ctx context.Context, step State, st *AgentState, fn func(context.Context) error) error {
	start := time.Now()
	st.Attempt = 0
	for attempt := 0; attempt < o.retry.Attempts; attempt++ {
		st.Attempt = attempt + 1
		o.observer.StepStarted(step, st.Attempt)
		err := fn(ctx)
		if err == nil {
			st.LastErr = nil
			o.logger.Debug("step completed", "step", step, "attempt", st.Attempt)
			o.observer.StepCompleted(step, st.Attempt, time.Since(start))
			return nil
		}
		st.LastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			if !errors.Is(err, ctxErr) {
				st.LastErr = fmt.Errorf("%w: %v", ctxErr, err)
			}
			break
		}
		if attempt == o.retry.Attempts-1 {
			break
		}
		delay := o.retry.Delay(attempt)
		o.logger.Warn("step failed; retrying",
			"step", step,
			"attempt", st.Attempt,
			"max_attempts", o.retry.Attempts,
			"delay", delay,
			"error", err)
		o.observer.StepRetry(step, st.Attempt, delay, err)
		if serr := o.retry.Sleep(ctx, delay); serr != nil {
			st.LastErr = fmt.Errorf("%w: %v", serr, err)
			break
		}
	}
	o.logger.Error("step failed", "step", step, "attempts", st.Attempt, "error", st.LastErr)
	o.observer.StepFailed(step, st.Attempt, time.Since(start), st.LastErr)
	return &Error{Step: step, Attempts: st.Attempt, Err: st.LastErr}
}

// assemble builds the response from the fragments and validates it again as
// untyped data.
func assemble(st *AgentState) (domain.AgentResponse, error) {
	if st.Analysis == nil || st.Plan == nil || st.Next == nil {
		return domain.AgentResponse{}, fmt.Errorf("%w at assembly", ErrMissingFragment)
	}
	risks := st.Risks
	if risks == nil {
		risks = []domain.Risk{}
	}
	resp := domain.AgentResponse{
		GoalAnalysis:        *st.Analysis,
		ActionSteps:         st.Plan.ActionSteps,
		TotalEstimatedTime:  st.Plan.TotalEstimatedTime,
		Risks:               risks,
		NextImmediateAction: *st.Next,
	}
	raw, err := parser.Canonical(resp)
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("encode response: %w", err)
	}
	return schema.ValidateAgentResponse(raw)
}
