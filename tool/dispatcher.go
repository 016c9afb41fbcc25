package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"spindle/approval"
	"spindle/checkpoint"
	"spindle/conversation"
)

// Outcome is the folded result of dispatching one tool invocation
type Outcome struct {
	Tool string

	// Result is the tool-result text included in the next turn's input
	Result string

	// Executed is true when the executor actually ran (even if it failed)
	Executed bool

	// Failed is true when the executor ran and returned an error
	Failed bool

	// Rejected is true when the user declined the action
	Rejected bool

	// InvalidUse is true for validation failures (disallowed tool, missing
	// params); counts toward the task's mistake budget
	InvalidUse bool

	// Completed is true when the terminal completion tool executed
	Completed bool

	// SpawnInput carries the initial input of a requested sub-task
	SpawnInput string

	// Checkpoint is the snapshot reference taken before a mutating execution
	Checkpoint string
}

// Dispatcher validates, gates and executes exactly one tool invocation.
// Executor panics and errors never unwind past Dispatch; they are converted
// into error-shaped results. Only approval control-flow signals (superseded,
// aborted) propagate as errors.
type Dispatcher struct {
	registry    *Registry
	policy      Policy
	gate        *approval.Gate
	env         *Env
	checkpoints checkpoint.Manager
	taskID      string
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewDispatcher creates a dispatcher for one task. checkpoints may be nil
// when checkpointing is disabled.
func NewDispatcher(taskID string, registry *Registry, policy Policy, gate *approval.Gate, env *Env, checkpoints checkpoint.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:    registry,
		policy:      policy,
		gate:        gate,
		env:         env,
		checkpoints: checkpoints,
		taskID:      taskID,
		logger:      logger,
		tracer:      otel.Tracer("spindle/tool"),
	}
}

// Dispatch runs the full validate → gate → execute → fold pipeline for one
// invocation
func (d *Dispatcher) Dispatch(ctx context.Context, call *conversation.ToolCall) (*Outcome, error) {
	out := &Outcome{Tool: call.Name}

	ctx, span := d.tracer.Start(ctx, "tool.dispatch",
		trace.WithAttributes(
			attribute.String("task.id", d.taskID),
			attribute.String("tool.name", call.Name),
		))
	defer span.End()

	exec := d.registry.Lookup(call.Name)
	if exec == nil {
		out.InvalidUse = true
		out.Result = fmt.Sprintf("Unknown tool %q. Use one of the documented tools.", call.Name)
		return out, nil
	}
	if !d.policy.Allowed(call.Name) {
		out.InvalidUse = true
		out.Result = fmt.Sprintf("Tool %q is not available in %s mode.", call.Name, d.policy.Mode)
		return out, nil
	}
	for _, p := range exec.RequiredParams() {
		if call.Param(p) == "" {
			out.InvalidUse = true
			out.Result = fmt.Sprintf("Missing required parameter %q for tool %q.", p, call.Name)
			return out, nil
		}
	}

	if exec.NeedsApproval() && !d.policy.AutoApproved(call.Name) {
		resp, err := d.gate.Ask(ctx, conversation.AskApproval, exec.Describe(call))
		if err != nil {
			return nil, err
		}
		if resp.Verdict != approval.VerdictApprove {
			out.Rejected = true
			out.Result = "The user declined this operation."
			if resp.Feedback != "" {
				out.Result += " Feedback: " + resp.Feedback
			}
			return out, nil
		}
	}

	if d.checkpoints != nil && exec.Mutating() {
		ref, err := d.checkpoints.Snapshot(ctx, d.taskID, "before "+call.Name)
		if err != nil {
			d.logger.Warn("checkpoint snapshot failed", "tool", call.Name, "error", err)
		} else {
			out.Checkpoint = ref
		}
	}

	result, err := d.execute(ctx, exec, call)
	if err != nil {
		if errors.Is(err, approval.ErrAborted) || errors.Is(err, approval.ErrSuperseded) {
			return nil, err
		}
		d.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		out.Executed = true
		out.Failed = true
		out.Result = fmt.Sprintf("Tool %q failed: %v", call.Name, err)
		return out, nil
	}

	out.Executed = true
	out.Result = result

	switch call.Name {
	case completionToolName:
		out.Completed = true
	case newTaskToolName:
		out.SpawnInput = call.Param("message")
	}

	return out, nil
}

// execute invokes the executor with panic containment
func (d *Dispatcher) execute(ctx context.Context, exec Executor, call *conversation.ToolCall) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Tool: call.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = exec.Execute(ctx, call, d.env)
	if err != nil && !errors.Is(err, approval.ErrAborted) && !errors.Is(err, approval.ErrSuperseded) {
		err = &ExecutionError{Tool: call.Name, Err: err}
	}
	return result, err
}
