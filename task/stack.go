package task

import (
	"context"

	"github.com/google/uuid"

	"spindle/conversation"
)

// Factory builds a ready-to-run orchestrator for a task. The engine supplies
// it so the stack stays ignorant of gates, dispatchers and persistence.
type Factory func(t *Task, store *conversation.Store) (*Orchestrator, error)

// supervisor tracks live tasks so aborts and approval responses can find
// them. The engine implements it.
type supervisor interface {
	register(t *Task, store *conversation.Store, orch *Orchestrator, cancel context.CancelFunc)
	release(taskID string)
}

// Stack coordinates nested tasks: a parent that spawns a child pauses until
// the child reaches a terminal state, then folds the child's summary into
// its own conversation. Abort cascades downward through context
// inheritance; a child's failure never kills its parent.
type Stack struct {
	bus     *Bus
	factory Factory
	sup     supervisor
}

// NewStack creates a task stack
func NewStack(bus *Bus, factory Factory, sup supervisor) *Stack {
	return &Stack{bus: bus, factory: factory, sup: sup}
}

// Push runs input as a child of parent and blocks until the child finishes.
// The parent is paused for the duration. The child inherits the parent's
// context, so aborting the parent aborts the whole subtree.
func (s *Stack) Push(ctx context.Context, parent *Task, input string) (SubtaskResult, error) {
	child := NewTask(uuid.New().String(), parent.ID, parent.RootID, parent.Mode, input)
	store := conversation.NewStore(child.ID)

	orch, err := s.factory(child, store)
	if err != nil {
		return SubtaskResult{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.sup != nil {
		s.sup.register(child, store, orch, cancel)
		defer s.sup.release(child.ID)
	}

	parent.Pause(child.ID)
	s.bus.Publish(Event{Type: EventTaskPaused, TaskID: parent.ID, ChildID: child.ID})

	runErr := orch.Run(ctx)

	parent.Resume()
	s.bus.Publish(Event{Type: EventTaskResumed, TaskID: parent.ID, ChildID: child.ID})

	if runErr != nil {
		return SubtaskResult{}, runErr
	}

	return SubtaskResult{
		TaskID:    child.ID,
		Completed: child.State() == StateCompleted,
		Summary:   childSummary(child, store),
		Usage:     child.Usage(),
	}, nil
}

// childSummary extracts what the parent learns from a finished child: the
// completion result if it completed, otherwise the abort reason
func childSummary(child *Task, store *conversation.Store) string {
	if a, ok := store.LastActivity(conversation.KindSay, conversation.SayCompletionResult); ok {
		return a.Text
	}
	if reason := child.AbortReason(); reason != "" {
		return "Aborted: " + reason
	}
	return "The sub-task produced no summary."
}
