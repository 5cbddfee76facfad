package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("task not found")
	ErrCircularDependency = errors.New("circular dependency")
	ErrNoExecutor         = errors.New("no executor found")
	ErrLeaseLost          = errors.New("task lease lost")

	// ErrSchedulerLoop and ErrTaskExecution tag errors handed to the error sink.
	ErrSchedulerLoop = errors.New("scheduler loop error")
	ErrTaskExecution = errors.New("task execution error")
)

// ExecutionError wraps whatever an executor returned.
func ExecutionError(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTaskExecution, name, err)
}

// LoopError wraps an unexpected error from a poll cycle.
func LoopError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSchedulerLoop, err)
}
