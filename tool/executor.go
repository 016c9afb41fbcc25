package tool

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"spindle/approval"
	"spindle/conversation"
)

// Env carries the per-task execution environment into executors. The gate
// handle lets executors ask nested confirmations for destructive sub-steps.
type Env struct {
	WorkspacePath  string
	Gate           *approval.Gate
	EnableShell    bool
	MaxFileSize    int64
	CommandTimeout time.Duration
}

// Executor is a single registered tool. Registration happens once at engine
// construction, not per call.
type Executor interface {
	// Name is the markup tag the model uses to invoke the tool
	Name() string

	// Doc is the usage description included in the system prompt
	Doc() string

	// RequiredParams lists parameters that must be present and non-empty
	RequiredParams() []string

	// Mutating reports whether the tool changes workspace state (triggers a
	// checkpoint snapshot when checkpointing is enabled)
	Mutating() bool

	// NeedsApproval reports whether the tool goes through the approval gate
	// (subject to the policy's auto-approve list)
	NeedsApproval() bool

	// Describe renders a human-readable description of the concrete action
	// for the approval question
	Describe(call *conversation.ToolCall) string

	// Execute runs the tool with validated arguments
	Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error)
}

// Registry maps tool names to executors
type Registry struct {
	executors map[string]Executor
	order     []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor; a duplicate name replaces the earlier one
func (r *Registry) Register(e Executor) {
	if _, exists := r.executors[e.Name()]; !exists {
		r.order = append(r.order, e.Name())
	}
	r.executors[e.Name()] = e
}

// Lookup returns the executor for a tool name, or nil
func (r *Registry) Lookup(name string) Executor {
	return r.executors[name]
}

// Names returns the registered tool names in registration order
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultRegistry registers the built-in tool set
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&readFileTool{})
	r.Register(&writeFileTool{})
	r.Register(&listFilesTool{})
	r.Register(&executeCommandTool{})
	r.Register(&askFollowupTool{})
	r.Register(&attemptCompletionTool{})
	r.Register(&newTaskTool{})
	return r
}

// securePath resolves a workspace-relative path and rejects anything that
// escapes the workspace root
func securePath(workspacePath, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}

	full, err := filepath.Abs(filepath.Join(workspacePath, rel))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return full, nil
}
