package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"spindle/approval"
	"spindle/conversation"
	"spindle/session"
	"spindle/tool"
)

// engineChannel answers approval requests through the engine's routing path
type engineChannel struct {
	eng     *Engine
	verdict approval.Verdict
}

func (c *engineChannel) Post(req approval.Request) {
	c.eng.RespondToApproval(approval.Response{ID: req.ID, Verdict: c.verdict})
}

func newTestEngine(t *testing.T, adapter *scriptedAdapter, verdict approval.Verdict) (*Engine, *session.FileStore) {
	t.Helper()

	ws := t.TempDir()
	persist, err := session.NewFileStore(ws)
	if err != nil {
		t.Fatal(err)
	}

	reg := tool.DefaultRegistry()
	reg.Register(&stubTool{name: "read_file", required: []string{"path"}, result: "stub file contents"})
	reg.Register(&stubTool{name: "write_file", required: []string{"path", "content"},
		mutating: true, needsApproval: true, result: "wrote the file"})

	ch := &engineChannel{verdict: verdict}
	eng := NewEngine(EngineConfig{
		WorkspacePath: ws,
		Adapter:       adapter,
		Registry:      reg,
		Persist:       persist,
		Channel:       ch,
		MaxRetries:    1,
	})
	ch.eng = eng
	t.Cleanup(eng.Close)

	return eng, persist
}

func waitEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", typ)
		}
	}
}

func TestEngineRunsSubtask(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<new_task><message>extract the helper into its own file</message></new_task>"},
		{text: "<attempt_completion><result>helper extracted</result></attempt_completion>"},
		{text: "<attempt_completion><result>parent finished</result></attempt_completion>"},
	}}
	eng, persist := newTestEngine(t, adapter, approval.VerdictApprove)
	events := eng.Events()

	parentID, err := eng.RunTask(context.Background(), "refactor the helper", "code")
	if err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}

	paused := waitEvent(t, events, EventTaskPaused)
	if paused.TaskID != parentID || paused.ChildID == "" {
		t.Errorf("unexpected pause event: %+v", paused)
	}
	waitEvent(t, events, EventTaskResumed)

	// the child's summary was folded into the parent's conversation
	_, entries, _, err := persist.Load(parentID)
	if err != nil {
		t.Fatalf("parent not persisted: %v", err)
	}
	var folded bool
	for _, e := range entries {
		if e.Role == conversation.RoleTool && strings.Contains(e.Text(), "helper extracted") {
			folded = true
		}
	}
	if !folded {
		t.Errorf("child summary missing from parent conversation")
	}

	// both tasks persisted, child pointing at parent
	metas, err := persist.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 persisted tasks, got %d", len(metas))
	}
	for _, m := range metas {
		if m.ID == parentID {
			continue
		}
		if m.ParentID != parentID || m.RootID != parentID {
			t.Errorf("child lineage wrong: %+v", m)
		}
		if m.State != string(StateCompleted) {
			t.Errorf("child state = %s", m.State)
		}
	}
}

func TestEngineAbortCancelsSubtree(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<new_task><message>long child work</message></new_task>"},
		{block: true},
	}}
	eng, persist := newTestEngine(t, adapter, approval.VerdictApprove)
	events := eng.Events()

	done := make(chan string, 1)
	go func() {
		id, _ := eng.RunTask(context.Background(), "long running", "code")
		done <- id
	}()

	// abort the parent while it is paused on a blocked child
	paused := waitEvent(t, events, EventTaskPaused)
	eng.Abort(paused.TaskID)

	select {
	case id := <-done:
		meta, _, _, err := persist.Load(id)
		if err != nil {
			t.Fatalf("aborted task not persisted: %v", err)
		}
		if meta.State != string(StateAborted) {
			t.Errorf("parent state = %s", meta.State)
		}
		childMeta, _, _, err := persist.Load(paused.ChildID)
		if err != nil {
			t.Fatalf("aborted child not persisted: %v", err)
		}
		if childMeta.State != string(StateAborted) {
			t.Errorf("child state = %s", childMeta.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunTask did not return after abort")
	}
}

func TestEngineResumeTask(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<attempt_completion><result>picked up where we left off</result></attempt_completion>"},
	}}
	eng, persist := newTestEngine(t, adapter, approval.VerdictApprove)

	// persist an interrupted task by hand
	meta := session.TaskMeta{ID: "stale-task", State: string(StateRunning), Mode: "code", CreatedAt: time.Now()}
	entries := []conversation.Entry{
		conversation.NewTextEntry(conversation.RoleUser, "original input"),
		{
			Role: conversation.RoleAssistant,
			Segments: []conversation.Segment{
				conversation.ToolSegment(&conversation.ToolCall{Name: "write_file"}, false),
			},
		},
	}
	if err := persist.Save(meta, entries, nil); err != nil {
		t.Fatal(err)
	}

	if err := eng.ResumeTask(context.Background(), "stale-task"); err != nil {
		t.Fatalf("ResumeTask returned error: %v", err)
	}

	got, _, _, err := persist.Load("stale-task")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(StateCompleted) {
		t.Errorf("resumed task state = %s", got.State)
	}
}

// askObservingChannel records the task's state at the moment each question
// is posted, then approves it
type askObservingChannel struct {
	eng    *Engine
	states []State
}

func (c *askObservingChannel) Post(req approval.Request) {
	c.eng.mu.Lock()
	lt := c.eng.running[req.TaskID]
	c.eng.mu.Unlock()
	if lt != nil {
		c.states = append(c.states, lt.task.State())
	}
	c.eng.RespondToApproval(approval.Response{ID: req.ID, Verdict: approval.VerdictApprove})
}

func pendingRequests(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func TestEngineRecordsAsks(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<write_file><path>a.txt</path><content>x</content></write_file>"},
		{text: "<attempt_completion><result>done</result></attempt_completion>"},
	}}

	ws := t.TempDir()
	persist, err := session.NewFileStore(ws)
	if err != nil {
		t.Fatal(err)
	}
	reg := tool.DefaultRegistry()
	reg.Register(&stubTool{name: "write_file", required: []string{"path", "content"},
		mutating: true, needsApproval: true, result: "wrote the file"})

	ch := &askObservingChannel{}
	eng := NewEngine(EngineConfig{
		WorkspacePath: ws,
		Adapter:       adapter,
		Registry:      reg,
		Persist:       persist,
		Channel:       ch,
	})
	ch.eng = eng
	t.Cleanup(eng.Close)

	taskID, err := eng.RunTask(context.Background(), "write it", "code")
	if err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}

	// while the question was pending the task was awaiting approval
	if len(ch.states) == 0 || ch.states[0] != StateAwaitingApproval {
		t.Errorf("task state during pending question = %v, want awaiting_approval", ch.states)
	}

	// the question itself is part of the persisted activity log
	_, _, activity, err := persist.Load(taskID)
	if err != nil {
		t.Fatal(err)
	}
	var asked bool
	for _, a := range activity {
		if a.Kind == conversation.KindAsk && a.Subtype == conversation.AskApproval {
			asked = true
		}
	}
	if !asked {
		t.Errorf("approval question missing from the persisted activity log")
	}

	// answered questions leave no routing state behind
	if n := pendingRequests(eng); n != 0 {
		t.Errorf("%d request routes leaked", n)
	}
}

func TestEngineClearsAbandonedRequests(t *testing.T) {
	ws := t.TempDir()
	eng := NewEngine(EngineConfig{
		WorkspacePath: ws,
		Adapter:       &scriptedAdapter{},
		Registry:      tool.DefaultRegistry(),
	})
	t.Cleanup(eng.Close)

	tk := NewTask("t1", "", "", "code", "input")
	store := conversation.NewStore(tk.ID)
	orch, err := eng.buildOrchestrator(tk, store)
	if err != nil {
		t.Fatal(err)
	}

	// no channel is configured, so the question stays pending until abort
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, askErr := orch.gate.Ask(ctx, conversation.AskApproval, "proceed?")
		done <- askErr
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pendingRequests(eng) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if pendingRequests(eng) != 1 {
		t.Fatal("question never registered a request route")
	}
	if tk.State() != StateAwaitingApproval {
		t.Errorf("task state during pending question = %s", tk.State())
	}

	cancel()
	if askErr := <-done; !errors.Is(askErr, approval.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", askErr)
	}

	if n := pendingRequests(eng); n != 0 {
		t.Errorf("aborted ask left %d request routes", n)
	}
	if tk.State() != StateRunning {
		t.Errorf("task state not restored after the ask ended: %s", tk.State())
	}
}

func TestEngineResumeCompletedTaskRejected(t *testing.T) {
	adapter := &scriptedAdapter{}
	eng, persist := newTestEngine(t, adapter, approval.VerdictApprove)

	meta := session.TaskMeta{ID: "done-task", State: string(StateCompleted), Mode: "code"}
	if err := persist.Save(meta, nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := eng.ResumeTask(context.Background(), "done-task"); err == nil {
		t.Errorf("resuming a completed task should fail")
	}
}
