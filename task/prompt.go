package task

import (
	"fmt"
	"strings"

	"spindle/tool"
)

// BuildSystemPrompt renders the instructions the model receives on every
// request: the invocation markup, the tool catalog for the active mode,
// and the turn protocol.
func BuildSystemPrompt(registry *tool.Registry, policy tool.Policy, workspacePath string) string {
	var b strings.Builder

	b.WriteString("You are Spindle, an autonomous assistant that works on tasks in the user's workspace.\n\n")

	fmt.Fprintf(&b, "## Workspace\n- Path: %s\n- Mode: %s\n\n", workspacePath, policy.Mode)

	b.WriteString(`## Tool invocation
Invoke a tool by emitting a markup block in your reply:

<tool_name>
<param_name>value</param_name>
</tool_name>

Rules:
- Use at most ONE tool per reply. If you emit more than one block, only the first is executed.
- Text outside tool blocks is shown to the user as commentary.
- Every turn must either invoke a tool or finish the task with attempt_completion.
- Wait for the tool result before deciding your next step.

## Available tools
`)

	for _, name := range registry.Names() {
		if !policy.Allowed(name) {
			continue
		}
		exec := registry.Lookup(name)
		fmt.Fprintf(&b, "### %s\n%s\n", name, exec.Doc())
		if params := exec.RequiredParams(); len(params) > 0 {
			fmt.Fprintf(&b, "Required parameters: %s\n", strings.Join(params, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Finishing
When the task is done, invoke attempt_completion with a result parameter
summarizing what you did. Do not ask a question in the same reply.
`)

	return b.String()
}

// BuildEnvironmentSnapshot renders the per-turn context appended to the
// latest user-role message: recently changed workspace files since the
// previous turn.
func BuildEnvironmentSnapshot(changed []string) string {
	if len(changed) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n[Workspace changes since last turn]\n")
	for _, p := range changed {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}
