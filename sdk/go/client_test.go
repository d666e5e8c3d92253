package planforgesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSendsGoalAndReadsRunID(t *testing.T) {
	var got PlanRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/plan", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Run-Id", "run-1")
		_ = json.NewEncoder(w).Encode(Plan{
			ActionSteps:        []ActionStep{{StepNumber: 1, Title: "Buy a guitar", Dependencies: []string{}}},
			TotalEstimatedTime: "1 week",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	window := "2 weeks"
	plan, runID, err := c.Plan(context.Background(), PlanRequest{Goal: "Learn guitar", Priority: "low", TimeAvailable: &window})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "Learn guitar", got.Goal)
	require.NotNil(t, got.TimeAvailable)
	assert.Equal(t, "2 weeks", *got.TimeAvailable)
	require.Len(t, plan.ActionSteps, 1)
	assert.Equal(t, "Buy a guitar", plan.ActionSteps[0].Title)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Run-Id", "run-2")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"VALIDATION_ERROR","message":"must not be empty","field":"goal","runId":"run-2"}`))
	}))
	defer srv.Close()

	_, runID, err := New(srv.URL).Plan(context.Background(), PlanRequest{Priority: "low"})
	require.Error(t, err)
	assert.Equal(t, "run-2", runID)
	assert.True(t, IsValidation(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "goal", apiErr.Field)
	assert.Equal(t, "run-2", apiErr.RunID)
}

func TestListRunsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"items":[{"id":"a","status":"failed","failedStep":"generate_steps","errorCode":"AGENT_ERROR"}]}`))
	}))
	defer srv.Close()

	runs, err := New(srv.URL).ListRuns(context.Background(), 5, "failed")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "generate_steps", runs[0].FailedStep)
}

func TestGetRunNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"run not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetRun(context.Background(), "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.False(t, IsValidation(err))
}
