// Package task implements the orchestration loop: it drives the model turn
// by turn, folds tool outcomes back into the conversation, and manages the
// parent/child task stack.
package task

import (
	"sync"
	"time"

	"spindle/llm"
)

// State is the lifecycle state of a task
type State string

const (
	StateRunning          State = "running"
	StateAwaitingApproval State = "awaiting_approval"
	StatePaused           State = "paused"
	StateCompleted        State = "completed"
	StateAborted          State = "aborted"
)

// Terminal reports whether no further turns will run for this state
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Task is the mutable header of one running task. The conversation and
// activity logs live in the conversation store; this struct tracks the
// lifecycle bits the orchestrator and engine coordinate on.
type Task struct {
	ID       string
	ParentID string
	RootID   string
	Mode     string
	Input    string

	mu          sync.Mutex
	state       State
	childID     string
	mistakes    int
	usage       llm.Usage
	createdAt   time.Time
	abortReason string
}

// NewTask creates a running task
func NewTask(id, parentID, rootID, mode, input string) *Task {
	if rootID == "" {
		rootID = id
	}
	return &Task{
		ID:        id,
		ParentID:  parentID,
		RootID:    rootID,
		Mode:      mode,
		Input:     input,
		state:     StateRunning,
		createdAt: time.Now(),
	}
}

// State returns the current lifecycle state
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the task. Terminal states are sticky
func (t *Task) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = s
}

// Pause marks the task paused on the given child
func (t *Task) Pause(childID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = StatePaused
	t.childID = childID
}

// Resume returns the task to running and clears the child reference
func (t *Task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = StateRunning
	t.childID = ""
}

// ChildID returns the active child task ID, empty when not paused on one
func (t *Task) ChildID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childID
}

// AddMistake increments the consecutive mistake counter and returns the
// new count
func (t *Task) AddMistake() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mistakes++
	return t.mistakes
}

// ResetMistakes clears the consecutive mistake counter
func (t *Task) ResetMistakes() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mistakes = 0
}

// Mistakes returns the current consecutive mistake count
func (t *Task) Mistakes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mistakes
}

// SetMistakes restores the counter from a persisted task
func (t *Task) SetMistakes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mistakes = n
}

// AddUsage accumulates token usage from one model request
func (t *Task) AddUsage(u llm.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Add(u)
}

// Usage returns the accumulated token usage
func (t *Task) Usage() llm.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// SetUsage restores accumulated usage from a persisted task
func (t *Task) SetUsage(u llm.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = u
}

// CreatedAt returns the task creation time
func (t *Task) CreatedAt() time.Time {
	return t.createdAt
}

// SetCreatedAt restores the creation time from a persisted task
func (t *Task) SetCreatedAt(at time.Time) {
	t.createdAt = at
}

// SetAbortReason records why the task aborted
func (t *Task) SetAbortReason(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortReason = reason
}

// AbortReason returns the recorded abort reason, empty if not aborted
func (t *Task) AbortReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}
