package engine

import (
	"time"

	"planforge/internal/agent"
	"planforge/internal/events"
)

// journal buffers a run's events in memory; they are written with the run
// once it ends.
type journal struct {
	now     func() time.Time
	records []events.Record
}

func (j *journal) add(rec events.Record) {
	if rec.TS.IsZero() {
		rec.TS = j.now()
	}
	j.records = append(j.records, rec)
}

func (j *journal) StepStarted(step agent.State, attempt int) {
	j.add(events.Record{Type: events.StepStarted, Step: step.String(), Attempt: attempt})
}

func (j *journal) StepRetry(step agent.State, attempt int, delay time.Duration, err error) {
	j.add(events.Record{Type: events.StepRetry, Step: step.String(), Attempt: attempt, Payload: events.Payload{
		"delay_ms": delay.Milliseconds(),
		"error":    errString(err),
	}})
}

func (j *journal) StepCompleted(step agent.State, attempts int, elapsed time.Duration) {
	j.add(events.Record{Type: events.StepCompleted, Step: step.String(), Attempt: attempts, Payload: events.Payload{
		"elapsed_ms": elapsed.Milliseconds(),
	}})
}

func (j *journal) StepFailed(step agent.State, attempts int, elapsed time.Duration, err error) {
	j.add(events.Record{Type: events.StepFailed, Step: step.String(), Attempt: attempts, Payload: events.Payload{
		"elapsed_ms": elapsed.Milliseconds(),
		"error":      errString(err),
	}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
