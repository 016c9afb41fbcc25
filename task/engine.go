package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"spindle/approval"
	"spindle/checkpoint"
	"spindle/conversation"
	"spindle/llm"
	"spindle/parser"
	"spindle/session"
	"spindle/tool"
	"spindle/workspace"
)

// EngineConfig bundles the engine's shared collaborators and limits
type EngineConfig struct {
	WorkspacePath string
	Adapter       llm.Adapter
	Registry      *tool.Registry
	Persist       session.Persistence
	Checkpoints   checkpoint.Manager
	Channel       approval.Channel
	Tracker       *workspace.Tracker
	Logger        *slog.Logger

	MaxRetries     int
	EnableShell    bool
	MaxFileSize    int64
	CommandTimeout time.Duration
}

// Engine owns the set of live tasks. It constructs orchestrators, routes
// approval responses to the right task's gate, and exposes the shared event
// bus. One engine serves one workspace.
type Engine struct {
	cfg   EngineConfig
	bus   *Bus
	stack *Stack

	mu       sync.Mutex
	running  map[string]*liveTask
	requests map[int64]string // approval request ID -> task ID
}

type liveTask struct {
	task   *Task
	store  *conversation.Store
	gate   *approval.Gate
	cancel context.CancelFunc
}

// NewEngine creates an engine for one workspace
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		bus:      NewBus(),
		running:  make(map[string]*liveTask),
		requests: make(map[int64]string),
	}
	e.stack = NewStack(e.bus, e.buildOrchestrator, e)
	return e
}

// Events returns a subscription to the engine's event bus
func (e *Engine) Events() <-chan Event {
	return e.bus.Subscribe()
}

// Close shuts down the event bus. Live tasks should be aborted first.
func (e *Engine) Close() {
	e.bus.Close()
}

// RunTask starts a fresh root task and blocks until it reaches a terminal
// state. Returns the task ID alongside any infrastructure error; a task that
// aborts cleanly reports through events, not through the error.
func (e *Engine) RunTask(ctx context.Context, input, mode string) (string, error) {
	t := NewTask(uuid.New().String(), "", "", mode, input)
	store := conversation.NewStore(t.ID)

	orch, err := e.buildOrchestrator(t, store)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(t, store, orch, cancel)
	defer e.release(t.ID)

	return t.ID, orch.Run(ctx)
}

// ResumeTask reloads a persisted task and blocks until it reaches a terminal
// state
func (e *Engine) ResumeTask(ctx context.Context, taskID string) error {
	if e.cfg.Persist == nil {
		return fmt.Errorf("no task store configured")
	}

	meta, entries, activity, err := e.cfg.Persist.Load(taskID)
	if err != nil {
		return err
	}
	if State(meta.State) == StateCompleted {
		return fmt.Errorf("task %s already completed", taskID)
	}

	t := NewTask(meta.ID, meta.ParentID, meta.RootID, meta.Mode, "")
	t.SetMistakes(meta.MistakeCount)
	t.SetUsage(meta.Usage)
	t.SetCreatedAt(meta.CreatedAt)

	store := conversation.NewStore(t.ID)
	store.Restore(entries, activity)

	orch, err := e.buildOrchestrator(t, store)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(t, store, orch, cancel)
	defer e.release(t.ID)

	return orch.Resume(ctx)
}

// ListTasks returns persisted task headers, most recently saved first
func (e *Engine) ListTasks() ([]session.TaskMeta, error) {
	if e.cfg.Persist == nil {
		return nil, fmt.Errorf("no task store configured")
	}
	return e.cfg.Persist.List()
}

// Abort cancels a live task. An active child chain is cancelled first so the
// subtree unwinds from the leaf; context inheritance covers anything missed.
func (e *Engine) Abort(taskID string) {
	e.mu.Lock()
	lt := e.running[taskID]
	e.mu.Unlock()
	if lt == nil {
		return
	}
	if child := lt.task.ChildID(); child != "" {
		e.Abort(child)
	}
	if lt.cancel != nil {
		lt.cancel()
	}
}

// RespondToApproval routes an approval response to the task whose gate posted
// the request. Unknown or stale request IDs are dropped.
func (e *Engine) RespondToApproval(resp approval.Response) {
	e.mu.Lock()
	taskID, ok := e.requests[resp.ID]
	if ok {
		delete(e.requests, resp.ID)
	}
	lt := e.running[taskID]
	e.mu.Unlock()

	if !ok || lt == nil {
		return
	}
	lt.gate.Respond(resp.ID, resp)
}

// buildOrchestrator wires the per-task collaborators: gate, policy,
// dispatcher, system prompt. Used for root tasks and as the stack's factory
// for children.
func (e *Engine) buildOrchestrator(t *Task, store *conversation.Store) (*Orchestrator, error) {
	gate := approval.NewGate(t.ID, &routingChannel{engine: e})
	gate.OnAsk(func(pending bool, id int64, subtype, question string) {
		if pending {
			store.Ask(subtype, question)
			t.SetState(StateAwaitingApproval)
			return
		}
		e.forgetRequest(id)
		if t.State() == StateAwaitingApproval {
			t.SetState(StateRunning)
		}
	})
	policy := tool.PolicyForMode(e.cfg.WorkspacePath, t.Mode)

	env := &tool.Env{
		WorkspacePath:  e.cfg.WorkspacePath,
		Gate:           gate,
		EnableShell:    e.cfg.EnableShell,
		MaxFileSize:    e.cfg.MaxFileSize,
		CommandTimeout: e.cfg.CommandTimeout,
	}
	dispatcher := tool.NewDispatcher(t.ID, e.cfg.Registry, policy, gate, env, e.cfg.Checkpoints, e.cfg.Logger)

	taskID := t.ID
	store.OnActivity(func(a conversation.Activity, updated bool) {
		typ := EventActivityAdded
		if updated {
			typ = EventActivityUpdated
		}
		e.bus.Publish(Event{Type: typ, TaskID: taskID, Activity: &a})
	})

	return NewOrchestrator(Options{
		Task:         t,
		Store:        store,
		Adapter:      e.cfg.Adapter,
		Parser:       parser.New(e.cfg.Registry.Names()),
		Dispatcher:   dispatcher,
		Gate:         gate,
		Persist:      e.cfg.Persist,
		Bus:          e.bus,
		Policy:       policy,
		Tracker:      e.cfg.Tracker,
		Spawn:        e.stack.Push,
		Logger:       e.cfg.Logger,
		SystemPrompt: BuildSystemPrompt(e.cfg.Registry, policy, e.cfg.WorkspacePath),
		MaxRetries:   e.cfg.MaxRetries,
	}), nil
}

// register implements supervisor
func (e *Engine) register(t *Task, store *conversation.Store, orch *Orchestrator, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[t.ID] = &liveTask{task: t, store: store, gate: orch.gate, cancel: cancel}
	e.mu.Unlock()
}

// release implements supervisor
func (e *Engine) release(taskID string) {
	e.mu.Lock()
	delete(e.running, taskID)
	e.mu.Unlock()
}

// forgetRequest drops routing state for a question that will never be
// answered: superseded or aborted asks would otherwise leak map entries
func (e *Engine) forgetRequest(id int64) {
	e.mu.Lock()
	delete(e.requests, id)
	e.mu.Unlock()
}

// routingChannel records each outgoing request so responses can be routed
// back to the owning task's gate, then publishes it on the event bus and
// forwards it to the external channel.
type routingChannel struct {
	engine *Engine
}

func (c *routingChannel) Post(req approval.Request) {
	c.engine.mu.Lock()
	c.engine.requests[req.ID] = req.TaskID
	c.engine.mu.Unlock()

	c.engine.bus.Publish(Event{Type: EventApprovalRequested, TaskID: req.TaskID, Request: &req})

	if c.engine.cfg.Channel != nil {
		c.engine.cfg.Channel.Post(req)
	}
}
