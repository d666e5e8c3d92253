package agent

import "time"

// Observer is notified as the orchestrator moves through the pipeline.
// Calls happen on the run's goroutine, in order.
type Observer interface {
	StepStarted(step State, attempt int)
	StepRetry(step State, attempt int, delay time.Duration, err error)
	StepCompleted(step State, attempts int, elapsed time.Duration)
	StepFailed(step State, attempts int, elapsed time.Duration, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StepStarted(State, int)                      {}
func (NopObserver) StepRetry(State, int, time.Duration, error)  {}
func (NopObserver) StepCompleted(State, int, time.Duration)     {}
func (NopObserver) StepFailed(State, int, time.Duration, error) {}

// Observers fans notifications out in order.
type Observers []Observer

func (obs Observers) StepStarted(step State, attempt int) {
	for _, o := range obs {
		o.StepStarted(step, attempt)
	}
}

func (obs Observers) StepRetry(step State, attempt int, delay time.Duration, err error) {
	for _, o := range obs {
		o.StepRetry(step, attempt, delay, err)
	}
}

func (obs Observers) StepCompleted(step State, attempts int, elapsed time.Duration) {
	for _, o := range obs {
		o.StepCompleted(step, attempts, elapsed)
	}
}

func (obs Observers) StepFailed(step State, attempts int, elapsed time.Duration, err error) {
	for _, o := range obs {
		o.StepFailed(step, attempts, elapsed, err)
	}
}
