package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planforge/internal/domain"
	"planforge/internal/gateway"
	"planforge/internal/gateway/gatewaytest"
	"planforge/internal/prompts"
	"planforge/internal/schema"
)

// stubLLM answers from a per-step script without any network.
type stubLLM struct {
	mu     sync.Mutex
	answer func(step string, call int) (string, error)
	calls  map[string]int
	order  []string
}

func newStub(answer func(step string, call int) (string, error)) *stubLLM {
	return &stubLLM{answer: answer, calls: map[string]int{}}
}

func validAnswers(step string, _ int) (string, error) {
	return gatewaytest.Fragments[step], nil
}

func (s *stubLLM) Complete(_ context.Context, p gateway.Prompt) (string, error) {
	step := gatewaytest.StepOf(p.System)
	s.mu.Lock()
	s.calls[step]++
	call := s.calls[step]
	s.order = append(s.order, step)
	s.mu.Unlock()
	return s.answer(step, call)
}

type sleepLog struct {
	delays []time.Duration
}

func (l *sleepLog) Sleep(_ context.Context, d time.Duration) error {
	l.delays = append(l.delays, d)
	return nil
}

type recordingObserver struct {
	events []string
}

func (r *recordingObserver) StepStarted(step State, attempt int) {
	r.events = append(r.events, "start:"+step.String())
}

func (r *recordingObserver) StepRetry(step State, attempt int, _ time.Duration, _ error) {
	r.events = append(r.events, "retry:"+step.String())
}

func (r *recordingObserver) StepCompleted(step State, attempts int, _ time.Duration) {
	r.events = append(r.events, "done:"+step.String())
}

func (r *recordingObserver) StepFailed(step State, attempts int, _ time.Duration, _ error) {
	r.events = append(r.events, "fail:"+step.String())
}

func goalBody() map[string]any {
	return map[string]any{"goal": "Learn guitar basics", "priority": "medium"}
}

func newOrchestrator(llm Completer, sleeper *sleepLog, opts ...Option) *Orchestrator {
	base := []Option{WithRetry(Retry{Attempts: 3, BaseDelay: time.Second, Sleep: sleeper.Sleep})}
	return New(Tools{LLM: llm, Prompts: prompts.Default()}, append(base, opts...)...)
}

func TestRunProducesValidatedResponse(t *testing.T) {
	llm := newStub(validAnswers)
	resp, err := newOrchestrator(llm, &sleepLog{}).Run(context.Background(), goalBody())
	require.NoError(t, err)

	assert.Equal(t, domain.ComplexityModerate, resp.GoalAnalysis.Complexity)
	assert.Len(t, resp.ActionSteps, 4)
	assert.Equal(t, []string{}, resp.ActionSteps[0].Dependencies)
	assert.Equal(t, "3-4 weeks", resp.TotalEstimatedTime)
	assert.Len(t, resp.Risks, 2)
	assert.NotEmpty(t, resp.NextImmediateAction.Timeframe)
	assert.Equal(t, []string{
		prompts.AnalyzeComplexity,
		prompts.GenerateSteps,
		prompts.IdentifyRisks,
		prompts.DetermineNextAction,
	}, llm.order)
}

func TestRunIsStructurallyIdempotent(t *testing.T) {
	first, err := newOrchestrator(newStub(validAnswers), &sleepLog{}).Run(context.Background(), goalBody())
	require.NoError(t, err)
	second, err := newOrchestrator(newStub(validAnswers), &sleepLog{}).Run(context.Background(), goalBody())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRunRejectsInvalidInputWithoutCalls(t *testing.T) {
	llm := newStub(validAnswers)
	_, err := newOrchestrator(llm, &sleepLog{}).Run(context.Background(), map[string]any{"goal": "", "priority": "medium"})

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, StateInitialize, agentErr.Step)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "goal", verr.Field)
	assert.Empty(t, llm.order)
}

func TestRunFailsFastOnStepExhaustion(t *testing.T) {
	upstream := &gateway.StatusError{StatusCode: 500}
	llm := newStub(func(step string, call int) (string, error) {
		if step == prompts.GenerateSteps {
			return "", upstream
		}
		return validAnswers(step, call)
	})
	sleeper := &sleepLog{}
	obs := &recordingObserver{}
	_, err := newOrchestrator(llm, sleeper, WithObserver(obs)).Run(context.Background(), goalBody())

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, StateGenerateSteps, agentErr.Step)
	assert.Equal(t, 3, agentErr.Attempts)
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, 3, llm.calls[prompts.GenerateSteps])
	assert.Zero(t, llm.calls[prompts.IdentifyRisks])
	assert.Zero(t, llm.calls[prompts.DetermineNextAction])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	assert.Equal(t, "fail:generate_steps", obs.events[len(obs.events)-1])
}

func TestRunRetriesMalformedFragment(t *testing.T) {
	llm := newStub(func(step string, call int) (string, error) {
		if step == prompts.AnalyzeComplexity && call == 1 {
			return `{"summary":"short","category":"x","complexity":"simple"}`, nil
		}
		if step == prompts.IdentifyRisks && call == 1 {
			return "Here are the risks you asked for", nil
		}
		return validAnswers(step, call)
	})
	sleeper := &sleepLog{}
	obs := &recordingObserver{}
	resp, err := newOrchestrator(llm, sleeper, WithObserver(obs)).Run(context.Background(), goalBody())
	require.NoError(t, err)
	assert.Len(t, resp.Risks, 2)
	assert.Equal(t, 2, llm.calls[prompts.AnalyzeComplexity])
	assert.Equal(t, 2, llm.calls[prompts.IdentifyRisks])
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.delays)
	assert.Contains(t, obs.events, "retry:analyze_complexity")
	assert.Contains(t, obs.events, "retry:identify_risks")
}

func TestRunAcceptsEmptyRisks(t *testing.T) {
	llm := newStub(func(step string, call int) (string, error) {
		if step == prompts.IdentifyRisks {
			return `{"risks":[]}`, nil
		}
		return validAnswers(step, call)
	})
	resp, err := newOrchestrator(llm, &sleepLog{}).Run(context.Background(), goalBody())
	require.NoError(t, err)
	assert.NotNil(t, resp.Risks)
	assert.Empty(t, resp.Risks)
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := newStub(func(step string, call int) (string, error) {
		cancel()
		return "", context.Canceled
	})
	sleeper := &sleepLog{}
	_, err := newOrchestrator(llm, sleeper).Run(ctx, goalBody())

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, StateAnalyzeComplexity, agentErr.Step)
	assert.Equal(t, 1, agentErr.Attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sleeper.delays)
}

func TestOrchestratorIsSingleUse(t *testing.T) {
	o := newOrchestrator(newStub(validAnswers), &sleepLog{})
	_, err := o.Run(context.Background(), goalBody())
	require.NoError(t, err)
	_, err = o.Run(context.Background(), goalBody())
	require.ErrorIs(t, err, ErrReused)
}

func TestStepWalksTransitionTable(t *testing.T) {
	obs := &recordingObserver{}
	o := newOrchestrator(newStub(validAnswers), &sleepLog{}, WithObserver(obs))
	st := NewState(goalBody())

	var visited []State
	for !st.Current.IsTerminal() {
		next, err := o.Step(context.Background(), st)
		require.NoError(t, err)
		visited = append(visited, next)
	}
	assert.Equal(t, []State{
		StateAnalyzeComplexity,
		StateGenerateSteps,
		StateIdentifyRisks,
		StateDetermineNextAction,
		StateValidateOutput,
		StateDone,
	}, visited)
	require.NotNil(t, st.Response)
	assert.Len(t, obs.events, 2*len(Pipeline))

	next, err := o.Step(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, StateDone, next)
}

func TestStepFailureIsTerminal(t *testing.T) {
	llm := newStub(func(string, int) (string, error) { return "", errors.New("boom") })
	o := newOrchestrator(llm, &sleepLog{}, WithRetry(Retry{Attempts: 1, Sleep: (&sleepLog{}).Sleep}))
	st := NewState(goalBody())

	_, err := o.Step(context.Background(), st)
	require.NoError(t, err)
	next, err := o.Step(context.Background(), st)
	require.Error(t, err)
	assert.Equal(t, StateFailed, next)
	assert.Equal(t, StateAnalyzeComplexity, st.FailedStep)
	assert.EqualError(t, st.LastErr, "boom")
	assert.Nil(t, st.Response)
}

func TestStepWithoutEarlierFragmentsFails(t *testing.T) {
	for _, tc := range []struct {
		state State
		st    *AgentState
	}{
		{StateGenerateSteps, &AgentState{Current: StateGenerateSteps}},
		{StateIdentifyRisks, &AgentState{Current: StateIdentifyRisks, Analysis: &domain.GoalAnalysis{}}},
		{StateDetermineNextAction, &AgentState{Current: StateDetermineNextAction}},
	} {
		llm := newStub(validAnswers)
		obs := &recordingObserver{}
		o := newOrchestrator(llm, &sleepLog{}, WithObserver(obs))

		next, err := o.Step(context.Background(), tc.st)
		assert.Equal(t, StateFailed, next, tc.state)
		var ae *Error
		require.ErrorAs(t, err, &ae, tc.state)
		assert.Equal(t, tc.state, ae.Step)
		assert.ErrorIs(t, err, ErrMissingFragment)
		assert.Equal(t, tc.state, tc.st.FailedStep)
		assert.Empty(t, llm.order, tc.state)
		assert.Equal(t, []string{"fail:" + tc.state.String()}, obs.events)
	}
}

func TestNext(t *testing.T) {
	for i := 0; i < len(Pipeline)-1; i++ {
		assert.Equal(t, Pipeline[i+1], Next(Pipeline[i]))
	}
	assert.Equal(t, StateDone, Next(StateValidateOutput))
	assert.Equal(t, StateDone, Next(StateDone))
	assert.Equal(t, StateFailed, Next(StateFailed))
	assert.Equal(t, StateFailed, Next(State("bogus")))
}

func TestRetryDelay(t *testing.T) {
	r := Retry{BaseDelay: time.Second}
	assert.Equal(t, time.Second, r.Delay(0))
	assert.Equal(t, 2*time.Second, r.Delay(1))
	assert.Equal(t, 4*time.Second, r.Delay(2))
}
