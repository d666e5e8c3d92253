package server

import (
	"net/http"

	"planforge/internal/domain"
)

// Request payloads

// PlanRequest documents the plan body. The handler reads it raw so that the
// schema validator, not the HTTP layer, decides what is acceptable.
type PlanRequest struct {
	Goal          string  `json:"goal" maxLength:"1000" doc:"Free-text goal"`
	Priority      string  `json:"priority" enum:"low,medium,high,critical"`
	TimeAvailable *string `json:"timeAvailable,omitempty" doc:"Optional time budget, e.g. 2 weeks"`
}

// Responses

type PlanResponse struct {
	RunID string `header:"X-Run-Id"`
	Body  domain.AgentResponse
}

type RunListResponse struct {
	Items []domain.Run `json:"items"`
}

type HealthResponse struct {
	Status        string `json:"status" example:"ok"`
	SchemaVersion int    `json:"schemaVersion,omitempty"`
}

// Error envelope

type apiError struct {
	status  int
	Code    string `json:"code" example:"VALIDATION_ERROR"`
	Message string `json:"message" example:"must not be empty"`
	Field   string `json:"field,omitempty" example:"goal"`
	RunID   string `json:"runId,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// GetHeaders repeats the run id of a failed plan as X-Run-Id.
func (e *apiError) GetHeaders() http.Header {
	if e.RunID == "" {
		return nil
	}
	return http.Header{"X-Run-Id": []string{e.RunID}}
}
