package tool

import "fmt"

// ValidationError means the model produced a malformed or disallowed tool
// invocation. It is never retried: the reason is folded back to the model as
// a tool result and counts toward the task's mistake budget.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid use of tool %s: %s", e.Tool, e.Reason)
}

// ExecutionError means the executor itself failed. The model's request was
// valid, so this is folded back as a tool result without counting as a
// mistake.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
