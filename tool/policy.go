package tool

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConsecutiveMistakeLimit bounds unproductive turns before the task
// aborts
const DefaultConsecutiveMistakeLimit = 3

// Policy is the per-task tool policy, derived from the task mode
type Policy struct {
	Mode                    string   `yaml:"-"`
	AllowedTools            []string `yaml:"allowed_tools"`
	AutoApprove             []string `yaml:"auto_approve"`
	ConsecutiveMistakeLimit int      `yaml:"consecutive_mistake_limit"`
}

// Allowed reports whether the tool may be used under this policy
func (p Policy) Allowed(name string) bool {
	for _, t := range p.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// AutoApproved reports whether the tool skips the approval gate
func (p Policy) AutoApproved(name string) bool {
	for _, t := range p.AutoApprove {
		if t == name {
			return true
		}
	}
	return false
}

// modesFile is the on-disk shape of <workspace>/.spindle/modes.yaml
type modesFile struct {
	Modes map[string]Policy `yaml:"modes"`
}

// LoadModes reads mode policies from a YAML file
func LoadModes(path string) (map[string]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f modesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse modes file: %w", err)
	}

	for name, p := range f.Modes {
		p.Mode = name
		if p.ConsecutiveMistakeLimit <= 0 {
			p.ConsecutiveMistakeLimit = DefaultConsecutiveMistakeLimit
		}
		f.Modes[name] = p
	}
	return f.Modes, nil
}

// DefaultPolicy returns the built-in policy for a mode. "code" allows the
// full tool set with read-only tools pre-approved; "ask" restricts to
// read-only exploration.
func DefaultPolicy(mode string) Policy {
	switch mode {
	case "ask":
		return Policy{
			Mode:                    "ask",
			AllowedTools:            []string{"read_file", "list_files", "ask_followup_question", "attempt_completion"},
			AutoApprove:             []string{"read_file", "list_files"},
			ConsecutiveMistakeLimit: DefaultConsecutiveMistakeLimit,
		}
	default:
		return Policy{
			Mode: "code",
			AllowedTools: []string{
				"read_file", "write_file", "list_files", "execute_command",
				"ask_followup_question", "attempt_completion", "new_task",
			},
			AutoApprove:             []string{"read_file", "list_files"},
			ConsecutiveMistakeLimit: DefaultConsecutiveMistakeLimit,
		}
	}
}

// PolicyForMode resolves the policy for a mode, preferring the workspace
// modes file when present
func PolicyForMode(workspacePath, mode string) Policy {
	if mode == "" {
		mode = "code"
	}

	modesPath := filepath.Join(workspacePath, ".spindle", "modes.yaml")
	if modes, err := LoadModes(modesPath); err == nil {
		if p, ok := modes[mode]; ok {
			return p
		}
	}
	return DefaultPolicy(mode)
}
