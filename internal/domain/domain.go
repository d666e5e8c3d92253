package domain

import "encoding/json"

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

var Complexities = []Complexity{ComplexitySimple, ComplexityModerate, ComplexityComplex}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh}

// MaxGoalLength bounds GoalInput.Goal, counted in characters.
const MaxGoalLength = 1000

// MinSummaryLength bounds GoalAnalysis.Summary.
const MinSummaryLength = 10

type GoalInput struct {
	Goal          string   `json:"goal" mapstructure:"goal" maxLength:"1000"`
	Priority      Priority `json:"priority" mapstructure:"priority" enum:"low,medium,high,critical"`
	TimeAvailable *string  `json:"timeAvailable,omitempty" mapstructure:"timeAvailable"`
}

type GoalAnalysis struct {
	Summary    string     `json:"summary" mapstructure:"summary" minLength:"10" jsonschema:"required,minLength=10,description=One or two sentence restatement of the goal"`
	Category   string     `json:"category" mapstructure:"category" jsonschema:"required,description=Short domain label such as learning or fitness"`
	Complexity Complexity `json:"complexity" mapstructure:"complexity" enum:"simple,moderate,complex" jsonschema:"required,enum=simple,enum=moderate,enum=complex"`
}

type ActionStep struct {
	StepNumber    int      `json:"stepNumber" mapstructure:"stepNumber" minimum:"1" jsonschema:"required,minimum=1"`
	Title         string   `json:"title" mapstructure:"title" jsonschema:"required"`
	Description   string   `json:"description" mapstructure:"description" jsonschema:"required"`
	EstimatedTime string   `json:"estimatedTime" mapstructure:"estimatedTime" jsonschema:"required"`
	Dependencies  []string `json:"dependencies" mapstructure:"dependencies" jsonschema:"required,description=Titles of earlier steps this step depends on"`
}

// StepPlan is the fragment produced by step generation.
type StepPlan struct {
	ActionSteps        []ActionStep `json:"actionSteps" mapstructure:"actionSteps" jsonschema:"required,minItems=1"`
	TotalEstimatedTime string       `json:"totalEstimatedTime" mapstructure:"totalEstimatedTime" jsonschema:"required"`
}

type Risk struct {
	ID         string   `json:"id" mapstructure:"id" jsonschema:"required"`
	Title      string   `json:"title" mapstructure:"title" jsonschema:"required"`
	Severity   Severity `json:"severity" mapstructure:"severity" enum:"low,medium,high" jsonschema:"required,enum=low,enum=medium,enum=high"`
	Mitigation string   `json:"mitigation" mapstructure:"mitigation" jsonschema:"required"`
}

// RiskList is the fragment produced by risk identification.
type RiskList struct {
	Risks []Risk `json:"risks" mapstructure:"risks" jsonschema:"required"`
}

type NextAction struct {
	Action    string `json:"action" mapstructure:"action" jsonschema:"required"`
	Reasoning string `json:"reasoning" mapstructure:"reasoning" jsonschema:"required"`
	Timeframe string `json:"timeframe" mapstructure:"timeframe" jsonschema:"required,description=When to do it within the next 24-48 hours"`
}

// AgentResponse is the only externally observable success output of a run.
type AgentResponse struct {
	GoalAnalysis        GoalAnalysis `json:"goalAnalysis" mapstructure:"goalAnalysis"`
	ActionSteps         []ActionStep `json:"actionSteps" mapstructure:"actionSteps"`
	TotalEstimatedTime  string       `json:"totalEstimatedTime" mapstructure:"totalEstimatedTime"`
	Risks               []Risk       `json:"risks" mapstructure:"risks"`
	NextImmediateAction NextAction   `json:"nextImmediateAction" mapstructure:"nextImmediateAction"`
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is the journal record of one finished request.
type Run struct {
	ID            string         `json:"id"`
	Goal          string         `json:"goal"`
	Priority      string         `json:"priority"`
	TimeAvailable *string        `json:"timeAvailable,omitempty"`
	Status        RunStatus      `json:"status" enum:"succeeded,failed"`
	FailedStep    string         `json:"failedStep,omitempty"`
	ErrorCode     string         `json:"errorCode,omitempty"`
	Error         string         `json:"error,omitempty"`
	Response      *AgentResponse `json:"response,omitempty"`
	CreatedAt     string         `json:"createdAt" format:"date-time"`
	FinishedAt    string         `json:"finishedAt" format:"date-time"`
	DurationMS    int64          `json:"durationMs"`
	// Events is filled only when a single run is fetched.
	Events []Event `json:"events,omitempty"`
}

// Event is one entry of a run's step journal.
type Event struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	RunID   string          `json:"runId"`
	Step    string          `json:"step,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
