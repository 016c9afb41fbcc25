package tool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"spindle/conversation"
)

const (
	defaultMaxFileSize = 512 * 1024
	maxListEntries     = 500
	maxCommandOutput   = 16 * 1024
	completionToolName = "attempt_completion"
	newTaskToolName    = "new_task"
	followupToolName   = "ask_followup_question"
)

// readFileTool reads a file within the workspace
type readFileTool struct{}

func (t *readFileTool) Name() string { return "read_file" }
func (t *readFileTool) Doc() string {
	return "Read a file. Params: path (workspace-relative)."
}
func (t *readFileTool) RequiredParams() []string { return []string{"path"} }
func (t *readFileTool) Mutating() bool           { return false }
func (t *readFileTool) NeedsApproval() bool      { return true }
func (t *readFileTool) Describe(call *conversation.ToolCall) string {
	return fmt.Sprintf("Read file %s", call.Param("path"))
}

func (t *readFileTool) Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error) {
	path := call.Param("path")
	fullPath, err := securePath(env.WorkspacePath, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", path)
	}

	maxSize := env.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	if info.Size() > maxSize {
		return "", fmt.Errorf("file too large: %s (%.2f KB > %.2f KB)",
			path, float64(info.Size())/1024, float64(maxSize)/1024)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)
	lines := strings.Count(content, "\n") + 1
	return fmt.Sprintf("File: %s (%d lines)\n%s", path, lines, content), nil
}

// writeFileTool writes or overwrites a file within the workspace
type writeFileTool struct{}

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Doc() string {
	return "Create or overwrite a file. Params: path, content (full file content)."
}
func (t *writeFileTool) RequiredParams() []string { return []string{"path", "content"} }
func (t *writeFileTool) Mutating() bool           { return true }
func (t *writeFileTool) NeedsApproval() bool      { return true }
func (t *writeFileTool) Describe(call *conversation.ToolCall) string {
	return fmt.Sprintf("Write %d bytes to %s", len(call.Param("content")), call.Param("path"))
}

func (t *writeFileTool) Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error) {
	path := call.Param("path")
	content := call.Param("content")

	fullPath, err := securePath(env.WorkspacePath, path)
	if err != nil {
		return "", err
	}

	existing, readErr := os.ReadFile(fullPath)
	created := readErr != nil

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	if created {
		return fmt.Sprintf("Created %s (%d bytes)", path, len(content)), nil
	}
	return fmt.Sprintf("Updated %s: %s", path, diffSummary(string(existing), content)), nil
}

// diffSummary condenses the change into added/removed line counts
func diffSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	dmp.DiffCleanupSemantic(diffs)

	added, removed := 0, 0
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if len(d.Text) > 0 && !strings.HasSuffix(d.Text, "\n") {
			lines++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			removed += lines
		}
	}
	return fmt.Sprintf("+%d/-%d lines", added, removed)
}

// listFilesTool lists directory contents within the workspace
type listFilesTool struct{}

func (t *listFilesTool) Name() string { return "list_files" }
func (t *listFilesTool) Doc() string {
	return "List files in a directory. Params: path, recursive (optional, \"true\" to walk subdirectories)."
}
func (t *listFilesTool) RequiredParams() []string { return []string{"path"} }
func (t *listFilesTool) Mutating() bool           { return false }
func (t *listFilesTool) NeedsApproval() bool      { return true }
func (t *listFilesTool) Describe(call *conversation.ToolCall) string {
	return fmt.Sprintf("List files in %s", call.Param("path"))
}

func (t *listFilesTool) Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error) {
	path := call.Param("path")
	recursive := call.Param("recursive") == "true"

	fullPath, err := securePath(env.WorkspacePath, path)
	if err != nil {
		return "", err
	}

	var entries []string
	if recursive {
		err = filepath.WalkDir(fullPath, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			name := d.Name()
			if d.IsDir() && (name == ".git" || name == ".spindle" || name == "node_modules") {
				return filepath.SkipDir
			}
			if p == fullPath {
				return nil
			}
			rel, _ := filepath.Rel(fullPath, p)
			if d.IsDir() {
				rel += "/"
			}
			entries = append(entries, rel)
			if len(entries) >= maxListEntries {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk directory: %w", err)
		}
	} else {
		dirEntries, err := os.ReadDir(fullPath)
		if err != nil {
			return "", fmt.Errorf("failed to read directory: %w", err)
		}
		for _, e := range dirEntries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			entries = append(entries, name)
			if len(entries) >= maxListEntries {
				break
			}
		}
	}

	sort.Strings(entries)
	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", path), nil
	}

	result := fmt.Sprintf("Contents of %s (%d entries):\n%s", path, len(entries), strings.Join(entries, "\n"))
	if len(entries) >= maxListEntries {
		result += "\n(listing truncated)"
	}
	return result, nil
}

// executeCommandTool runs a shell command in the workspace
type executeCommandTool struct{}

func (t *executeCommandTool) Name() string { return "execute_command" }
func (t *executeCommandTool) Doc() string {
	return "Run a shell command in the workspace root. Params: command."
}
func (t *executeCommandTool) RequiredParams() []string { return []string{"command"} }
func (t *executeCommandTool) Mutating() bool           { return true }
func (t *executeCommandTool) NeedsApproval() bool      { return true }
func (t *executeCommandTool) Describe(call *conversation.ToolCall) string {
	return fmt.Sprintf("Run command: %s", call.Param("command"))
}

func (t *executeCommandTool) Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error) {
	if !env.EnableShell {
		return "", fmt.Errorf("shell execution is disabled (set enable_shell to allow commands)")
	}

	command := call.Param("command")

	timeout := env.CommandTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = env.WorkspacePath

	output, err := cmd.CombinedOutput()
	text := string(output)
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput] + "\n(output truncated)"
	}

	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command timed out: %s", command)
		}
		return fmt.Sprintf("Command failed (%v):\n%s", err, text), nil
	}
	if strings.TrimSpace(text) == "" {
		return "Command completed with no output", nil
	}
	return fmt.Sprintf("Command output:\n%s", text), nil
}

// askFollowupTool routes a clarifying question from the model through the
// approval gate to the user
type askFollowupTool struct{}

func (t *askFollowupTool) Name() string { return followupToolName }
func (t *askFollowupTool) Doc() string {
	return "Ask the user a clarifying question. Params: question."
}
func (t *askFollowupTool) RequiredParams() []string { return []string{"question"} }
func (t *askFollowupTool) Mutating() bool           { return false }
func (t *askFollowupTool) NeedsApproval() bool      { return false }
func (t *askFollowupTool) Describe(call *conversation.ToolCall) string {
	return call.Param("question")
}

func (t *askFollowupTool) Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error) {
	resp, err := env.Gate.Ask(ctx, conversation.AskFollowup, call.Param("question"))
	if err != nil {
		return "", err
	}
	if resp.Feedback == "" {
		return "The user did not provide an answer.", nil
	}
	return fmt.Sprintf("The user answered: %s", resp.Feedback), nil
}

// attemptCompletionTool is the terminal tool: the model presents its result
// and the task completes
type attemptCompletionTool struct{}

func (t *attemptCompletionTool) Name() string { return completionToolName }
func (t *attemptCompletionTool) Doc() string {
	return "Present the final result once the task is done. Params: result."
}
func (t *attemptCompletionTool) RequiredParams() []string { return []string{"result"} }
func (t *attemptCompletionTool) Mutating() bool           { return false }
func (t *attemptCompletionTool) NeedsApproval() bool      { return false }
func (t *attemptCompletionTool) Describe(call *conversation.ToolCall) string {
	return call.Param("result")
}

func (t *attemptCompletionTool) Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error) {
	return call.Param("result"), nil
}

// newTaskTool spawns a nested sub-task; the orchestrator handles the actual
// nesting, the executor only validates shape
type newTaskTool struct{}

func (t *newTaskTool) Name() string { return newTaskToolName }
func (t *newTaskTool) Doc() string {
	return "Spawn a focused sub-task. Params: message (the sub-task's initial request)."
}
func (t *newTaskTool) RequiredParams() []string { return []string{"message"} }
func (t *newTaskTool) Mutating() bool           { return false }
func (t *newTaskTool) NeedsApproval() bool      { return true }
func (t *newTaskTool) Describe(call *conversation.ToolCall) string {
	return fmt.Sprintf("Start sub-task: %s", call.Param("message"))
}

func (t *newTaskTool) Execute(ctx context.Context, call *conversation.ToolCall, env *Env) (string, error) {
	return call.Param("message"), nil
}
