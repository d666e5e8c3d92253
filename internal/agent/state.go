// Package agent runs the goal-to-plan pipeline as an explicit state machine.
package agent

import "planforge/internal/domain"

// State is one position in the pipeline.
type State string

const (
	StateInitialize          State = "initialize"
	StateAnalyzeComplexity   State = "analyze_complexity"
	StateGenerateSteps       State = "generate_steps"
	StateIdentifyRisks       State = "identify_risks"
	StateDetermineNextAction State = "determine_next_action"
	StateValidateOutput      State = "validate_output"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// IsTool reports whether the state runs a tool executor under retry.
func (s State) IsTool() bool {
	switch s {
	case StateAnalyzeComplexity, StateGenerateSteps, StateIdentifyRisks, StateDetermineNextAction:
		return true
	default:
		return false
	}
}

// Pipeline lists the non-terminal states in execution order.
var Pipeline = []State{
	StateInitialize,
	StateAnalyzeComplexity,
	StateGenerateSteps,
	StateIdentifyRisks,
	StateDetermineNextAction,
	StateValidateOutput,
}

// Next is the success transition table. Terminal and unknown states map to
// themselves and failed respectively.
func Next(s State) State {
	switch s {
	case StateInitialize:
		return StateAnalyzeComplexity
	case StateAnalyzeComplexity:
		return StateGenerateSteps
	case StateGenerateSteps:
		return StateIdentifyRisks
	case StateIdentifyRisks:
		return StateDetermineNextAction
	case StateDetermineNextAction:
		return StateValidateOutput
	case StateValidateOutput:
		return StateDone
	case StateDone:
		return StateDone
	default:
		return StateFailed
	}
}

// AgentState is the transient state of one run. It is owned by a single
// Orchestrator and never persisted.
type AgentState struct {
	Current State
	// Raw is the untyped request body checked by initialize.
	Raw any

	Input    domain.GoalInput
	Analysis *domain.GoalAnalysis
	Plan     *domain.StepPlan
	Risks    []domain.Risk
	Next     *domain.NextAction
	Response *domain.AgentResponse

	// FailedStep is the state that was running when the run failed.
	FailedStep State
	// Attempt counts executor invocations in the current step.
	Attempt int
	LastErr error
}

// NewState starts a run at initialize with the raw request body.
func NewState(raw any) *AgentState {
	return &AgentState{Current: StateInitialize, Raw: raw}
}
