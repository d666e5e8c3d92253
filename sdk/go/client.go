package planforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal planforge HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Plans make up to a dozen model
// calls, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  5 * time.Minute,
	}
}

// PlanRequest is the body of POST /plan.
type PlanRequest struct {
	Goal          string  `json:"goal"`
	Priority      string  `json:"priority"`
	TimeAvailable *string `json:"timeAvailable,omitempty"`
}

type GoalAnalysis struct {
	Summary    string `json:"summary"`
	Category   string `json:"category"`
	Complexity string `json:"complexity"`
}

type ActionStep struct {
	StepNumber    int      `json:"stepNumber"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	EstimatedTime string   `json:"estimatedTime"`
	Dependencies  []string `json:"dependencies"`
}

type Risk struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Severity   string `json:"severity"`
	Mitigation string `json:"mitigation"`
}

type NextAction struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
	Timeframe string `json:"timeframe"`
}

// Plan is a validated agent response.
type Plan struct {
	GoalAnalysis        GoalAnalysis `json:"goalAnalysis"`
	ActionSteps         []ActionStep `json:"actionSteps"`
	TotalEstimatedTime  string       `json:"totalEstimatedTime"`
	Risks               []Risk       `json:"risks"`
	NextImmediateAction NextAction   `json:"nextImmediateAction"`
}

// Event is one journal entry of a run.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"runId"`
	Step    string         `json:"step,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Run is a journaled plan request.
type Run struct {
	ID            string  `json:"id"`
	Goal          string  `json:"goal"`
	Priority      string  `json:"priority"`
	TimeAvailable *string `json:"timeAvailable,omitempty"`
	Status        string  `json:"status"`
	FailedStep    string  `json:"failedStep,omitempty"`
	ErrorCode     string  `json:"errorCode,omitempty"`
	Error         string  `json:"error,omitempty"`
	Response      *Plan   `json:"response,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	FinishedAt    string  `json:"finishedAt"`
	DurationMS    int64   `json:"durationMs"`
	Events        []Event `json:"events,omitempty"`
}

// APIError wraps non-2xx responses. Code and Field come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
	}
	if e.Field != "" {
		return fmt.Sprintf("api error: status=%d code=%s field=%s: %s", e.StatusCode, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

// IsValidation reports whether err is a rejected request.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "VALIDATION_ERROR"
}

// Plan submits a goal and returns the plan with the run id it was stored
// under.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (Plan, string, error) {
	var resp Plan
	header, err := c.do(ctx, http.MethodPost, "plan", req, &resp)
	return resp, header.Get("X-Run-Id"), err
}

// ListRuns returns recent runs, newest first. Empty status lists all.
func (c *Client) ListRuns(ctx context.Context, limit int, status string) ([]Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetRun fetches a run with its journal.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	_, err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, apiErr)
		return resp.Header, apiErr
	}
	if out != nil {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
