package agent

import (
	"context"
	"fmt"

	"planforge/internal/domain"
	"planforge/internal/gateway"
	"planforge/internal/parser"
	"planforge/internal/prompts"
	"planforge/internal/schema"
)

// Completer is the single outbound call a tool executor makes.
// *gateway.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, p gateway.Prompt) (string, error)
}

// NextActionSteps is how many leading steps feed next-action determination.
const NextActionSteps = 3

// Tools holds the four executors. Each renders its prompts, calls the
// gateway once, parses the text and validates the fragment. They do not
// retry; the orchestrator retries whole invocations.
type Tools struct {
	LLM     Completer
	Prompts *prompts.Set
}

func (t Tools) AnalyzeComplexity(ctx context.Context, in domain.GoalInput) (domain.GoalAnalysis, error) {
	v, err := t.call(ctx, prompts.AnalyzeComplexity, prompts.ComplexityData{
		Goal:     in.Goal,
		Priority: string(in.Priority),
	})
	if err != nil {
		return domain.GoalAnalysis{}, err
	}
	out, err := schema.ValidateGoalAnalysis(v)
	if err != nil {
		return domain.GoalAnalysis{}, fmt.Errorf("invalid complexity analysis: %w", err)
	}
	return out, nil
}

func (t Tools) GenerateSteps(ctx context.Context, in domain.GoalInput, analysis domain.GoalAnalysis) (domain.StepPlan, error) {
	data := prompts.StepsData{
		Goal:       in.Goal,
		Priority:   string(in.Priority),
		Complexity: string(analysis.Complexity),
	}
	if in.TimeAvailable != nil {
		data.TimeAvailable = *in.TimeAvailable
	}
	v, err := t.call(ctx, prompts.GenerateSteps, data)
	if err != nil {
		return domain.StepPlan{}, err
	}
	out, err := schema.ValidateStepPlan(v)
	if err != nil {
		return domain.StepPlan{}, fmt.Errorf("invalid step plan: %w", err)
	}
	return out, nil
}

func (t Tools) IdentifyRisks(ctx context.Context, in domain.GoalInput, steps []domain.ActionStep) ([]domain.Risk, error) {
	titles := make([]string, 0, len(steps))
	for _, s := range steps {
		titles = append(titles, s.Title)
	}
	v, err := t.call(ctx, prompts.IdentifyRisks, prompts.RisksData{Goal: in.Goal, StepTitles: titles})
	if err != nil {
		return nil, err
	}
	out, err := schema.ValidateRisks(v)
	if err != nil {
		return nil, fmt.Errorf("invalid risk list: %w", err)
	}
	return out, nil
}

// DetermineNextAction is given the leading steps of the plan, at most NextActionSteps.
func (t Tools) DetermineNextAction(ctx context.Context, in domain.GoalInput, steps []domain.ActionStep) (domain.NextAction, error) {
	if len(steps) > NextActionSteps {
		steps = steps[:NextActionSteps]
	}
	v, err := t.call(ctx, prompts.DetermineNextAction, prompts.NextActionData{
		Priority: string(in.Priority),
		Steps:    steps,
	})
	if err != nil {
		return domain.NextAction{}, err
	}
	out, err := schema.ValidateNextAction(v)
	if err != nil {
		return domain.NextAction{}, fmt.Errorf("invalid next action: %w", err)
	}
	return out, nil
}

func (t Tools) call(ctx context.Context, step string, data any) (any, error) {
	if t.LLM == nil {
		return nil, fmt.Errorf("%s: no gateway configured", step)
	}
	set := t.Prompts
	if set == nil {
		set = prompts.Default()
	}
	p, err := set.Render(step, data)
	if err != nil {
		return nil, err
	}
	text, err := t.LLM.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	return parser.Parse(text)
}
