package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"spindle/approval"
	"spindle/conversation"
	"spindle/llm"
	"spindle/parser"
	"spindle/session"
	"spindle/tool"
)

// scriptedAdapter replays canned responses, one per Stream call
type scriptedAdapter struct {
	responses []scriptedResponse
	calls     int
	lock      sync.Mutex
}

type scriptedResponse struct {
	text  string
	err   error
	block bool // wait for ctx cancellation instead of responding
}

func (a *scriptedAdapter) Stream(ctx context.Context, system string, messages []llm.Message, chunks chan<- llm.StreamChunk) error {
	defer close(chunks)

	a.lock.Lock()
	i := a.calls
	a.calls++
	a.lock.Unlock()

	if i >= len(a.responses) {
		return errors.New("script exhausted")
	}
	r := a.responses[i]

	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}

	// feed the text in small chunks to exercise incremental parsing
	text := r.text
	for len(text) > 0 {
		n := 7
		if n > len(text) {
			n = len(text)
		}
		chunks <- llm.StreamChunk{Text: text[:n]}
		text = text[n:]
	}
	chunks <- llm.StreamChunk{Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}}
	chunks <- llm.StreamChunk{Done: true}
	return nil
}

func (a *scriptedAdapter) ModelName() string { return "scripted" }

// stubTool is a scriptable executor for orchestrator tests
type stubTool struct {
	name          string
	required      []string
	mutating      bool
	needsApproval bool
	result        string
	err           error

	lock  sync.Mutex
	calls int
}

func (s *stubTool) Name() string             { return s.name }
func (s *stubTool) Doc() string              { return "stub" }
func (s *stubTool) RequiredParams() []string { return s.required }
func (s *stubTool) Mutating() bool           { return s.mutating }
func (s *stubTool) NeedsApproval() bool      { return s.needsApproval }
func (s *stubTool) Describe(call *conversation.ToolCall) string {
	return "stub " + s.name
}
func (s *stubTool) Execute(ctx context.Context, call *conversation.ToolCall, env *tool.Env) (string, error) {
	s.lock.Lock()
	s.calls++
	s.lock.Unlock()
	return s.result, s.err
}

func (s *stubTool) callCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.calls
}

// testChannel answers every approval request immediately
type testChannel struct {
	lock     sync.Mutex
	gate     *approval.Gate
	verdict  approval.Verdict
	feedback string
	asked    []approval.Request
}

func (c *testChannel) Post(req approval.Request) {
	c.lock.Lock()
	c.asked = append(c.asked, req)
	gate := c.gate
	verdict := c.verdict
	feedback := c.feedback
	c.lock.Unlock()
	gate.Respond(req.ID, approval.Response{Verdict: verdict, Feedback: feedback})
}

func (c *testChannel) askCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.asked)
}

type rig struct {
	task    *Task
	store   *conversation.Store
	orch    *Orchestrator
	bus     *Bus
	events  <-chan Event
	channel *testChannel
	read    *stubTool
	write   *stubTool
	persist *session.FileStore
}

func newRig(t *testing.T, adapter llm.Adapter, verdict approval.Verdict, feedback string) *rig {
	t.Helper()

	ws := t.TempDir()

	read := &stubTool{name: "read_file", required: []string{"path"}, result: "stub file contents"}
	write := &stubTool{name: "write_file", required: []string{"path", "content"},
		mutating: true, needsApproval: true, result: "wrote the file"}

	reg := tool.DefaultRegistry()
	reg.Register(read)
	reg.Register(write)

	ch := &testChannel{verdict: verdict, feedback: feedback}
	tk := NewTask(uuid.New().String(), "", "", "code", "do the thing")
	gate := approval.NewGate(tk.ID, ch)
	ch.gate = gate

	policy := tool.DefaultPolicy("code")
	env := &tool.Env{WorkspacePath: ws, Gate: gate}
	dispatcher := tool.NewDispatcher(tk.ID, reg, policy, gate, env, nil, nil)

	persist, err := session.NewFileStore(ws)
	if err != nil {
		t.Fatal(err)
	}

	bus := NewBus()
	events := bus.Subscribe()
	store := conversation.NewStore(tk.ID)

	orch := NewOrchestrator(Options{
		Task:         tk,
		Store:        store,
		Adapter:      adapter,
		Parser:       parser.New(reg.Names()),
		Dispatcher:   dispatcher,
		Gate:         gate,
		Persist:      persist,
		Bus:          bus,
		Policy:       policy,
		SystemPrompt: "test prompt",
		MaxRetries:   2,
	})
	orch.retryWait = func(context.Context, time.Duration) {}

	return &rig{
		task: tk, store: store, orch: orch, bus: bus, events: events,
		channel: ch, read: read, write: write, persist: persist,
	}
}

// drainEvents collects everything buffered on the subscription
func (r *rig) drainEvents() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestTaskCompletes(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "All set.\n<attempt_completion><result>created the file</result></attempt_completion>"},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.task.State() != StateCompleted {
		t.Errorf("expected completed state, got %s", r.task.State())
	}

	a, ok := r.store.LastActivity(conversation.KindSay, conversation.SayCompletionResult)
	if !ok || a.Text != "created the file" {
		t.Errorf("completion result not recorded: %+v", a)
	}

	events := r.drainEvents()
	if !hasEvent(events, EventTaskStarted) || !hasEvent(events, EventTaskCompleted) {
		t.Errorf("lifecycle events missing: %+v", events)
	}

	// usage flowed through to the task
	if r.task.Usage().Total() != 15 {
		t.Errorf("usage not accumulated: %+v", r.task.Usage())
	}

	// persisted state reflects completion
	meta, _, _, err := r.persist.Load(r.task.ID)
	if err != nil {
		t.Fatalf("persisted task not loadable: %v", err)
	}
	if meta.State != string(StateCompleted) {
		t.Errorf("persisted state = %s", meta.State)
	}
}

func TestToolTurnThenCompletion(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "Checking.\n<read_file><path>main.go</path></read_file>"},
		{text: "<attempt_completion><result>done</result></attempt_completion>"},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.read.callCount() != 1 {
		t.Errorf("read_file executed %d times", r.read.callCount())
	}

	// the tool result was folded back into the model-facing log
	var found bool
	for _, e := range r.store.Entries() {
		if e.Role == conversation.RoleTool && strings.Contains(e.Text(), "stub file contents") {
			found = true
		}
	}
	if !found {
		t.Errorf("tool result not folded into conversation")
	}

	// read_file is auto-approved under code mode: no gate traffic
	if r.channel.askCount() != 0 {
		t.Errorf("auto-approved tool hit the gate %d times", r.channel.askCount())
	}

	if r.task.Mistakes() != 0 {
		t.Errorf("successful turn should reset mistakes, got %d", r.task.Mistakes())
	}
}

func TestRejectionFoldsFeedback(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<write_file><path>a.txt</path><content>x</content></write_file>"},
		{text: "<attempt_completion><result>stopping</result></attempt_completion>"},
	}}
	r := newRig(t, adapter, approval.VerdictReject, "use b.txt instead")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.write.callCount() != 0 {
		t.Errorf("rejected tool must not execute")
	}

	var found bool
	for _, e := range r.store.Entries() {
		if e.Role == conversation.RoleTool && strings.Contains(e.Text(), "use b.txt instead") {
			found = true
		}
	}
	if !found {
		t.Errorf("rejection feedback not folded into conversation")
	}

	if r.task.State() != StateCompleted {
		t.Errorf("task should still complete after a rejection, got %s", r.task.State())
	}
}

func TestMistakeLimitAborts(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "I will think about it."},
		{text: "Still thinking."},
		{text: "Hmm."},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.task.State() != StateAborted {
		t.Fatalf("expected aborted state, got %s", r.task.State())
	}
	if !strings.Contains(r.task.AbortReason(), "unproductive") {
		t.Errorf("unexpected abort reason: %q", r.task.AbortReason())
	}
	if !hasEvent(r.drainEvents(), EventTaskAborted) {
		t.Errorf("abort event missing")
	}
}

func TestPartialToolInvocationIsMistake(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<write_file><path>a.txt</path><content>cut off midw"},
		{text: "<attempt_completion><result>recovered</result></attempt_completion>"},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.write.callCount() != 0 {
		t.Errorf("truncated invocation must not execute")
	}
	if r.task.State() != StateCompleted {
		t.Errorf("task should recover and complete, got %s", r.task.State())
	}

	// the model was told what went wrong
	var reminded bool
	for _, e := range r.store.Entries() {
		if e.Role == conversation.RoleUser && strings.Contains(e.Text(), "middle of a tool invocation") {
			reminded = true
		}
	}
	if !reminded {
		t.Errorf("truncation reminder not folded into conversation")
	}
}

func TestExtraToolCallsIgnored(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<read_file><path>a</path></read_file><read_file><path>b</path></read_file>"},
		{text: "<attempt_completion><result>done</result></attempt_completion>"},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.read.callCount() != 1 {
		t.Errorf("only the first invocation should run, got %d executions", r.read.callCount())
	}

	var noticed bool
	for _, e := range r.store.Entries() {
		if strings.Contains(e.Text(), "ignored") {
			noticed = true
		}
	}
	if !noticed {
		t.Errorf("ignored-invocation notice missing from conversation")
	}
}

func TestTransientErrorRetries(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{err: &llm.TransientError{Err: errors.New("status 503")}},
		{text: "<attempt_completion><result>done</result></attempt_completion>"},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.task.State() != StateCompleted {
		t.Errorf("expected completion after retry, got %s", r.task.State())
	}
	if _, ok := r.store.LastActivity(conversation.KindSay, conversation.SayAPIRetry); !ok {
		t.Errorf("retry activity not recorded")
	}
}

func TestCancelDuringRetryBackoff(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{err: &llm.TransientError{Err: errors.New("status 503")}},
		{err: &llm.TransientError{Err: errors.New("status 503")}},
		{err: &llm.TransientError{Err: errors.New("status 503")}},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")
	r.orch.retryWait = waitBackoff

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// the first backoff interval is at least 500ms; an abort at 50ms must
	// unblock the wait long before it elapses
	start := time.Now()
	if err := r.orch.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("abort during backoff took %s; the wait did not observe cancellation", elapsed)
	}
	if r.task.State() != StateAborted {
		t.Errorf("expected aborted state, got %s", r.task.State())
	}
}

func TestRetryEscalationDeclined(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{err: errors.New("invalid api key")}, // non-transient: escalates immediately
	}}
	r := newRig(t, adapter, approval.VerdictReject, "")

	if err := r.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if r.task.State() != StateAborted {
		t.Errorf("expected aborted state, got %s", r.task.State())
	}
	if r.channel.askCount() != 1 {
		t.Errorf("expected one retry escalation, got %d", r.channel.askCount())
	}
}

func TestCancelAbortsTask(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{block: true},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := r.orch.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if r.task.State() != StateAborted {
		t.Errorf("expected aborted state, got %s", r.task.State())
	}
}

func TestResumeDropsTrailingToolCall(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		{text: "<attempt_completion><result>finished after resume</result></attempt_completion>"},
	}}
	r := newRig(t, adapter, approval.VerdictApprove, "")

	r.store.AppendEntry(conversation.NewTextEntry(conversation.RoleUser, "original input"))
	r.store.AppendEntry(conversation.Entry{
		Role: conversation.RoleAssistant,
		Segments: []conversation.Segment{
			conversation.ToolSegment(&conversation.ToolCall{Name: "write_file"}, false),
		},
	})

	if err := r.orch.Resume(context.Background()); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}

	if r.task.State() != StateCompleted {
		t.Fatalf("expected completed state, got %s", r.task.State())
	}

	entries := r.store.Entries()
	for _, e := range entries[:len(entries)-1] {
		if e.Role == conversation.RoleAssistant && e.HasToolCall() {
			// the only assistant entry with a tool call should be the new
			// completion, which is the final entry
			t.Errorf("stale in-flight tool call survived resume")
		}
	}

	var note bool
	for _, e := range entries {
		if e.Role == conversation.RoleUser && strings.Contains(e.Text(), "Task resumed") {
			note = true
		}
	}
	if !note {
		t.Errorf("resumption note missing from conversation")
	}
}

func TestResumeDeclined(t *testing.T) {
	adapter := &scriptedAdapter{}
	r := newRig(t, adapter, approval.VerdictReject, "")

	r.store.AppendEntry(conversation.NewTextEntry(conversation.RoleUser, "original input"))

	if err := r.orch.Resume(context.Background()); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if r.task.State() != StateAborted {
		t.Errorf("declined resume should abort, got %s", r.task.State())
	}
}
