package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planforge/internal/config"
	"planforge/internal/db"
	"planforge/internal/domain"
	"planforge/internal/engine"
	"planforge/internal/gateway/gatewaytest"
	"planforge/internal/metrics"
	"planforge/internal/migrate"
	"planforge/internal/prompts"
)

type testServer struct {
	URL     string
	Engine  engine.Engine
	Gateway *gatewaytest.Server
	client  *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

type serverOption func(cfg *config.Config, sc *Config)

func withAuth(secret string) serverOption {
	return func(_ *config.Config, sc *Config) { sc.Auth = AuthConfig{JWTSecret: secret} }
}

func withWebhook(url string) serverOption {
	return func(cfg *config.Config, _ *Config) {
		cfg.Webhooks = append(cfg.Webhooks, config.WebhookConfig{URL: url, Secret: "s3cret"})
	}
}

func newTestServer(t *testing.T, script gatewaytest.Script, opts ...serverOption) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := gatewaytest.New(t, script)
	cfg := config.Default()
	cfg.Gateway.Endpoint = gw.URL
	cfg.Gateway.BaseDelayMS = 0
	cfg.Orchestrator.BaseDelayMS = 0

	m := metrics.New()
	sc := Config{BasePath: "/v1", Metrics: m}
	for _, opt := range opts {
		opt(cfg, &sc)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e.APIKey = func() string { return "test-key" }
	e.Metrics = m
	sc.Engine = e

	handler, err := New(sc)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := StartWebhooks(ctx, e, nil, 10*time.Millisecond); err != nil {
		t.Fatalf("start webhooks: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		cancel()
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, Gateway: gw, client: &http.Client{}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		raw = b
	}
	return doRaw(t, client, method, url, raw, headers)
}

func doRaw(t *testing.T, client *http.Client, method, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiError {
	t.Helper()
	var out apiError
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func guitarGoal() map[string]any {
	return map[string]any{"goal": "Learn guitar basics", "priority": "medium", "timeAvailable": "1 month"}
}

func TestPlanReturnsValidatedPlan(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", guitarGoal(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	runID := res.Header.Get("X-Run-Id")
	require.NotEmpty(t, runID)

	var out domain.AgentResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, domain.ComplexityModerate, out.GoalAnalysis.Complexity)
	require.Len(t, out.ActionSteps, 4)
	for i, s := range out.ActionSteps {
		assert.Equal(t, i+1, s.StepNumber)
	}
	assert.Empty(t, out.ActionSteps[0].Dependencies)
	assert.NotEmpty(t, out.NextImmediateAction.Action)
	assert.Equal(t, []string{
		prompts.AnalyzeComplexity, prompts.GenerateSteps, prompts.IdentifyRisks, prompts.DetermineNextAction,
	}, srv.Gateway.Order())

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/runs/"+runID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var run domain.Run
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, domain.RunSucceeded, run.Status)
	require.NotNil(t, run.TimeAvailable)
	assert.Equal(t, "1 month", *run.TimeAvailable)
	assert.NotEmpty(t, run.Events)
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", map[string]any{"goal": "", "priority": "medium"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, engine.CodeValidation, apiErr.Code)
	assert.Equal(t, "goal", apiErr.Field)
	assert.NotEmpty(t, apiErr.RunID)
	assert.Zero(t, srv.Gateway.Total())

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", map[string]any{"goal": "Run a marathon", "priority": "urgent"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "priority", decodeError(t, data).Field)
}

func TestPlanBodyIsCheckedByGoalValidator(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())

	for _, tc := range []struct {
		name  string
		body  string
		field string
	}{
		{"missing goal", `{"priority":"low"}`, "goal"},
		{"goal too long", `{"goal":"` + strings.Repeat("g", 1001) + `","priority":"low"}`, "goal"},
		{"non-string time", `{"goal":"Learn guitar","priority":"low","timeAvailable":3}`, "timeAvailable"},
		{"array body", `["goal"]`, "body"},
	} {
		res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", []byte(tc.body), nil)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, "%s: %s", tc.name, data)
		apiErr := decodeError(t, data)
		assert.Equal(t, engine.CodeValidation, apiErr.Code, tc.name)
		assert.Equal(t, tc.field, apiErr.Field, tc.name)
		assert.NotEqual(t, "validation failed", apiErr.Message, tc.name)
		require.NotEmpty(t, apiErr.RunID, tc.name)

		run, err := srv.Engine.GetRun(context.Background(), apiErr.RunID)
		require.NoError(t, err, tc.name)
		assert.Equal(t, domain.RunFailed, run.Status, tc.name)
		assert.Equal(t, "initialize", run.FailedStep, tc.name)
	}
	assert.Zero(t, srv.Gateway.Total())
}

func TestPlanIgnoresUnknownBodyKeys(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())

	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", []byte(`{"goal":"Learn guitar basics","priority":"low","bogus":1}`), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotEmpty(t, res.Header.Get("X-Run-Id"))
	assert.Equal(t, 4, srv.Gateway.Total())
}

func TestPlanRejectsUnparseableBody(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())

	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", []byte(`{"goal":`), nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, engine.CodeValidation, apiErr.Code)
	assert.Equal(t, "body", apiErr.Field)
	assert.Zero(t, srv.Gateway.Total())
}

func TestPlanStepFailureIsAgentError(t *testing.T) {
	srv := newTestServer(t, gatewaytest.FailStep(prompts.GenerateSteps, http.StatusInternalServerError))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", guitarGoal(), nil)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, engine.CodeAgent, apiErr.Code)
	assert.Empty(t, apiErr.Field)
	assert.Contains(t, apiErr.Message, "generate_steps")
	assert.Zero(t, srv.Gateway.Calls(prompts.IdentifyRisks))
	assert.Zero(t, srv.Gateway.Calls(prompts.DetermineNextAction))
}

func TestPreflight(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())

	res, _ := doRaw(t, srv.Client(), http.MethodOptions, srv.URL+"/v1/plan", nil, map[string]string{
		"Origin":                        "http://example.test",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Headers"), "Content-Type")
	assert.Zero(t, srv.Gateway.Total())
}

func TestRunsListAndGet(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", guitarGoal(), nil)
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", map[string]any{"goal": "", "priority": "low"}, nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/runs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list RunListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Items, 2)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/runs?status=failed&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "initialize", list.Items[0].FailedStep)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/runs?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/runs/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "NOT_FOUND", decodeError(t, data).Code)
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, gatewaytest.Valid(), withAuth(secret))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", guitarGoal(), nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, data).Code)
	assert.Zero(t, srv.Gateway.Total())

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/runs", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	token, err := IssueToken(secret, "ci", time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", guitarGoal(), map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	expired, err := IssueToken(secret, "ci", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/runs", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestHealthMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, gatewaytest.Valid())

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Positive(t, health.SchemaVersion)

	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", guitarGoal(), nil)
	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `planforge_runs_total{code="none",status="succeeded"} 1`)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if assert.NoError(t, err) {
				io.Copy(io.Discard, res.Body)
				res.Body.Close()
				assert.Equal(t, http.StatusOK, res.StatusCode)
			}
		}()
	}
	wg.Wait()

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Paths, "/v1/plan")
	assert.Contains(t, doc.Paths, "/v1/runs/{run_id}")

	res, data = doRaw(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "/v1/openapi.json"))
}

type hookDelivery struct {
	Event  string
	Secret string
	Body   webhookEvent
}

func TestWebhookReceivesRunEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []hookDelivery
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, hookDelivery{Event: r.Header.Get("X-Planforge-Event"), Secret: r.Header.Get("X-Planforge-Secret"), Body: evt})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	srv := newTestServer(t, gatewaytest.Valid(), withWebhook(hook.URL))
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plan", guitarGoal(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	runID := res.Header.Get("X-Run-Id")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	got := received[0]
	assert.Equal(t, "run.completed", got.Event)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, runID, got.Body.RunID)
}
