// Package metrics exposes Prometheus collectors for runs, steps and gateway calls.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"planforge/internal/agent"
	"planforge/internal/gateway"
)

// Metrics owns a private registry so several servers can live in one process.
type Metrics struct {
	registry        *prometheus.Registry
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	stepAttempts    *prometheus.CounterVec
	stepRetries     *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	gatewayAttempts *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planforge_runs_total",
			Help: "Finished plan runs by status and error code.",
		}, []string{"status", "code"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "planforge_run_duration_seconds",
			Help:    "Wall time of a plan run.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planforge_step_attempts_total",
			Help: "Executor invocations per pipeline step.",
		}, []string{"step"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planforge_step_retries_total",
			Help: "Retries scheduled per pipeline step.",
		}, []string{"step"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planforge_step_duration_seconds",
			Help:    "Wall time of a pipeline step including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step", "result"}),
		gatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planforge_gateway_attempts_total",
			Help: "Outbound chat-completion attempts by status and outcome.",
		}, []string{"status", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs,
		m.runDuration,
		m.stepAttempts,
		m.stepRetries,
		m.stepDuration,
		m.gatewayAttempts,
	)
	return m
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun records a finished run. code is empty on success.
func (m *Metrics) ObserveRun(status, code string, elapsed time.Duration) {
	if code == "" {
		code = "none"
	}
	m.runs.WithLabelValues(status, code).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// GatewayHook counts every outbound attempt.
func (m *Metrics) GatewayHook() gateway.AttemptHook {
	return func(_ int, status int, outcome gateway.Outcome) {
		m.gatewayAttempts.WithLabelValues(strconv.Itoa(status), outcome.String()).Inc()
	}
}

// Observer returns an agent.Observer feeding the step collectors.
func (m *Metrics) Observer() agent.Observer {
	return stepObserver{m}
}

type stepObserver struct {
	m *Metrics
}

func (o stepObserver) StepStarted(step agent.State, _ int) {
	o.m.stepAttempts.WithLabelValues(step.String()).Inc()
}

func (o stepObserver) StepRetry(step agent.State, _ int, _ time.Duration, _ error) {
	o.m.stepRetries.WithLabelValues(step.String()).Inc()
}

func (o stepObserver) StepCompleted(step agent.State, _ int, elapsed time.Duration) {
	o.m.stepDuration.WithLabelValues(step.String(), "ok").Observe(elapsed.Seconds())
}

func (o stepObserver) StepFailed(step agent.State, _ int, elapsed time.Duration, _ error) {
	o.m.stepDuration.WithLabelValues(step.String(), "failed").Observe(elapsed.Seconds())
}
