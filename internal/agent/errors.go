package agent

import (
	"errors"
	"fmt"
)

// ErrReused is returned when an Orchestrator is asked to run a second time.
var ErrReused = errors.New("orchestrator already used; create one per run")

// ErrMissingFragment means a step was reached without the output of an
// earlier step it reads.
var ErrMissingFragment = errors.New("missing fragment")

// Error is a failed run: the step it failed in, how many executor
// invocations were made there and the last error observed.
type Error struct {
	Step     State
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
