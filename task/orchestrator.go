package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"spindle/approval"
	"spindle/conversation"
	"spindle/llm"
	"spindle/parser"
	"spindle/session"
	"spindle/tool"
	"spindle/workspace"
)

// ErrMistakeLimit aborts a task after too many consecutive unproductive turns
var ErrMistakeLimit = errors.New("consecutive mistake limit reached")

// SubtaskResult is what a finished child task reports back to its parent
type SubtaskResult struct {
	TaskID    string
	Completed bool
	Summary   string
	Usage     llm.Usage
}

// SpawnFunc runs a child task to completion and returns its result. The
// engine supplies this; the orchestrator stays ignorant of how children are
// constructed.
type SpawnFunc func(ctx context.Context, parent *Task, input string) (SubtaskResult, error)

// Orchestrator drives one task: it streams model responses, parses them into
// segments, dispatches at most one tool per turn and folds the outcome back
// into the conversation, until the task completes or aborts.
type Orchestrator struct {
	task       *Task
	store      *conversation.Store
	adapter    llm.Adapter
	parser     *parser.Parser
	dispatcher *tool.Dispatcher
	gate       *approval.Gate
	persist    session.Persistence
	bus        *Bus
	policy     tool.Policy
	tracker    *workspace.Tracker
	spawn      SpawnFunc
	logger     *slog.Logger
	tracer     trace.Tracer

	systemPrompt string
	maxRetries   int

	// retryWait is injectable so tests don't sleep
	retryWait func(ctx context.Context, next time.Duration)
}

// Options bundles the orchestrator's collaborators
type Options struct {
	Task       *Task
	Store      *conversation.Store
	Adapter    llm.Adapter
	Parser     *parser.Parser
	Dispatcher *tool.Dispatcher
	Gate       *approval.Gate
	Persist    session.Persistence
	Bus        *Bus
	Policy     tool.Policy
	Tracker    *workspace.Tracker
	Spawn      SpawnFunc
	Logger     *slog.Logger

	SystemPrompt string
	MaxRetries   int
}

// NewOrchestrator wires up an orchestrator for one task
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Orchestrator{
		task:         opts.Task,
		store:        opts.Store,
		adapter:      opts.Adapter,
		parser:       opts.Parser,
		dispatcher:   opts.Dispatcher,
		gate:         opts.Gate,
		persist:      opts.Persist,
		bus:          opts.Bus,
		policy:       opts.Policy,
		tracker:      opts.Tracker,
		spawn:        opts.Spawn,
		logger:       logger,
		tracer:       otel.Tracer("spindle/task"),
		systemPrompt: opts.SystemPrompt,
		maxRetries:   maxRetries,
		retryWait:    waitBackoff,
	}
}

// Run starts a fresh task from its initial input and drives it to a terminal
// state
func (o *Orchestrator) Run(ctx context.Context) error {
	o.store.AppendEntry(conversation.NewTextEntry(conversation.RoleUser, o.task.Input))
	o.store.Say(conversation.SayTask, o.task.Input)
	o.bus.Publish(Event{Type: EventTaskStarted, TaskID: o.task.ID})

	return o.loop(ctx)
}

// Resume continues a previously persisted task. A trailing assistant entry
// holding an unresolved tool call is discarded so the model re-decides the
// step, then the user confirms resumption before any turn runs.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if last, ok := o.store.LastEntry(); ok && last.Role == conversation.RoleAssistant && last.HasToolCall() {
		o.store.RemoveLastEntry()
	}

	resp, err := o.gate.Ask(ctx, conversation.AskResume, "Resume this task?")
	if err != nil {
		return o.abort("resume cancelled")
	}
	if resp.Verdict != approval.VerdictApprove {
		return o.abort("resume declined")
	}

	note := "[Task resumed. Re-evaluate the current state of the workspace before acting; earlier in-flight work may be incomplete.]"
	if resp.Feedback != "" {
		note += "\nUser note: " + resp.Feedback
	}
	o.store.AppendEntry(conversation.NewTextEntry(conversation.RoleUser, note))

	o.task.SetState(StateRunning)
	o.bus.Publish(Event{Type: EventTaskResumed, TaskID: o.task.ID})

	return o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return o.abort("task cancelled")
		}

		done, err := o.turnOnce(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrMistakeLimit):
				return o.abort(fmt.Sprintf("aborted after %d consecutive unproductive turns", o.task.Mistakes()))
			case errors.Is(err, approval.ErrAborted), errors.Is(err, context.Canceled):
				return o.abort("task cancelled")
			case errors.Is(err, approval.ErrSuperseded):
				return o.abort("pending question superseded")
			default:
				return o.abort(err.Error())
			}
		}
		if done {
			return nil
		}
	}
}

// turnOnce runs one full turn: request, stream, parse, dispatch, fold.
// Returns done=true when the task reached a terminal state.
func (o *Orchestrator) turnOnce(ctx context.Context) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "task.turn",
		trace.WithAttributes(attribute.String("task.id", o.task.ID)))
	defer span.End()

	entry, err := o.streamRequest(ctx)
	if err != nil {
		return false, err
	}

	o.task.AddUsage(entry.usage)
	o.store.AppendEntry(entry.entry)

	call, notice := o.selectToolCall(entry.entry)
	if call == nil {
		// an assistant turn that invokes nothing is an unproductive turn
		text := "You did not invoke a tool. Every reply must either invoke exactly one tool or finish with attempt_completion."
		if notice != "" {
			text = notice
		}
		o.store.Say(conversation.SayError, text)
		o.store.AppendEntry(conversation.NewTextEntry(conversation.RoleUser, "[Reminder] "+text))
		if o.task.AddMistake() >= o.mistakeLimit() {
			return false, ErrMistakeLimit
		}
		return false, o.persistTurn()
	}

	o.store.Say(conversation.SayTool, describeCall(call))

	out, err := o.dispatcher.Dispatch(ctx, call)
	if err != nil {
		return false, err
	}

	if out.Checkpoint != "" {
		o.store.Say(conversation.SayCheckpoint, out.Checkpoint)
	}

	if out.Completed {
		o.store.Say(conversation.SayCompletionResult, out.Result)
		o.task.SetState(StateCompleted)
		o.bus.Publish(Event{Type: EventTaskCompleted, TaskID: o.task.ID, Usage: o.task.Usage()})
		return true, o.persistTurn()
	}

	if out.SpawnInput != "" && o.spawn != nil {
		if err := o.runSubtask(ctx, out.SpawnInput); err != nil {
			return false, err
		}
		o.task.ResetMistakes()
		return false, o.persistTurn()
	}

	result := out.Result
	if notice != "" {
		result += "\n\n" + notice
	}
	if out.Tool == "execute_command" && out.Executed && !out.Failed {
		o.store.Say(conversation.SayCommandOutput, out.Result)
	}
	o.store.AppendEntry(conversation.NewTextEntry(conversation.RoleTool,
		fmt.Sprintf("[%s result]\n%s", out.Tool, result)))

	if out.InvalidUse {
		if o.task.AddMistake() >= o.mistakeLimit() {
			return false, ErrMistakeLimit
		}
	} else if out.Executed && !out.Failed {
		o.task.ResetMistakes()
	}

	return false, o.persistTurn()
}

// waitBackoff sleeps between retries. The wait is a suspension point: task
// abort must unblock it promptly rather than running out the backoff.
func waitBackoff(ctx context.Context, next time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(next):
	}
}

// streamedEntry is the folded result of one model request
type streamedEntry struct {
	entry conversation.Entry
	usage llm.Usage
}

// streamRequest performs the model request with retry. Transient failures
// retry with exponential backoff up to maxRetries; after that (or on a
// non-transient failure) the user decides whether to keep trying.
func (o *Orchestrator) streamRequest(ctx context.Context) (streamedEntry, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	attempt := 0
	for {
		entry, err := o.streamOnce(ctx)
		if err == nil {
			return entry, nil
		}
		if ctx.Err() != nil {
			return streamedEntry{}, context.Canceled
		}

		attempt++
		if llm.IsTransient(err) && attempt <= o.maxRetries {
			wait := bo.NextBackOff()
			o.store.Say(conversation.SayAPIRetry,
				fmt.Sprintf("Request failed (%v). Retrying in %s (attempt %d/%d).", err, wait.Round(time.Second), attempt, o.maxRetries))
			o.retryWait(ctx, wait)
			if ctx.Err() != nil {
				return streamedEntry{}, context.Canceled
			}
			continue
		}

		// out of automatic retries: escalate to the user
		resp, askErr := o.gate.Ask(ctx, conversation.AskRetry,
			fmt.Sprintf("The model request keeps failing: %v. Retry?", err))
		if askErr != nil {
			return streamedEntry{}, askErr
		}
		if resp.Verdict != approval.VerdictApprove {
			return streamedEntry{}, fmt.Errorf("model request failed: %w", err)
		}
		attempt = 0
		bo.Reset()
	}
}

// streamOnce performs a single streaming request, re-parsing the growing
// buffer after every text delta and surfacing the partial segments to the
// activity log.
func (o *Orchestrator) streamOnce(ctx context.Context) (streamedEntry, error) {
	messages := o.buildMessages()

	chunks := make(chan llm.StreamChunk, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.adapter.Stream(ctx, o.systemPrompt, messages, chunks)
	}()

	var (
		buf       strings.Builder
		reasoning strings.Builder
		usage     llm.Usage
		segments  []conversation.Segment
		surfaced  int
	)

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			<-errCh
			return streamedEntry{}, chunk.Err
		case chunk.Usage != nil:
			usage.Add(*chunk.Usage)
		case chunk.Reasoning != "":
			reasoning.WriteString(chunk.Reasoning)
			o.store.UpdatePartial(conversation.KindSay, conversation.SayReasoning, reasoning.String())
		case chunk.Text != "":
			buf.WriteString(chunk.Text)
			segments = o.parser.Parse(buf.String())
			surfaced = o.surface(segments, surfaced)
		case chunk.Done:
			// normal end of stream; the final error comes from errCh
		}
	}

	if err := <-errCh; err != nil {
		return streamedEntry{}, err
	}

	segments = o.parser.Parse(buf.String())
	o.surface(segments, surfaced)
	o.store.FinalizeAll()

	// the stream is over: trailing text is final now. A trailing partial tool
	// invocation stays partial; it means the model was cut off mid-markup.
	if n := len(segments); n > 0 && segments[n-1].Type == conversation.SegmentText {
		segments[n-1].Partial = false
	}

	if len(segments) == 0 {
		segments = []conversation.Segment{conversation.TextSegment("", false)}
	}

	return streamedEntry{
		entry: conversation.Entry{
			Role:      conversation.RoleAssistant,
			Segments:  segments,
			Timestamp: time.Now(),
		},
		usage: usage,
	}, nil
}

// surface pushes newly finalized text segments and the trailing partial text
// into the activity log. Returns how many leading segments are now final and
// surfaced, so later calls skip them.
func (o *Orchestrator) surface(segments []conversation.Segment, already int) int {
	final := already
	for i := already; i < len(segments); i++ {
		seg := segments[i]
		if seg.Partial {
			if seg.Type == conversation.SegmentText {
				o.store.UpdatePartial(conversation.KindSay, conversation.SayText, seg.Text)
			}
			break
		}
		if seg.Type == conversation.SegmentText && strings.TrimSpace(seg.Text) != "" {
			o.store.Finalize(conversation.KindSay, conversation.SayText, seg.Text)
		}
		final = i + 1
	}
	return final
}

// buildMessages flattens the conversation log into provider-neutral chat
// messages. Tool results travel as user-role messages; the per-turn
// environment snapshot is appended to the latest user-role message.
func (o *Orchestrator) buildMessages() []llm.Message {
	entries := o.store.Entries()
	messages := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		role := "user"
		if e.Role == conversation.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: e.Text()})
	}

	if o.tracker != nil && len(messages) > 0 {
		if snapshot := BuildEnvironmentSnapshot(o.tracker.Drain(25)); snapshot != "" {
			for i := len(messages) - 1; i >= 0; i-- {
				if messages[i].Role == "user" {
					messages[i].Content += snapshot
					break
				}
			}
		}
	}

	return messages
}

// selectToolCall picks the single tool call this turn will execute. The
// first complete invocation wins; extra complete invocations produce an
// ignored notice folded into the result. A trailing partial invocation with
// no complete one means the model was cut off mid-markup.
func (o *Orchestrator) selectToolCall(entry conversation.Entry) (*conversation.ToolCall, string) {
	first := entry.FirstToolCall()
	if first == nil {
		for _, seg := range entry.Segments {
			if seg.Type == conversation.SegmentToolUse && seg.Partial {
				return nil, "Your reply ended in the middle of a tool invocation. Emit the complete markup block in one reply."
			}
		}
		return nil, ""
	}

	complete := 0
	for _, seg := range entry.Segments {
		if seg.Type == conversation.SegmentToolUse && !seg.Partial {
			complete++
		}
	}
	if complete > 1 {
		return first, fmt.Sprintf("[Notice] %d additional tool invocation(s) in that reply were ignored. Only one tool runs per turn.", complete-1)
	}
	return first, ""
}

// runSubtask delegates to the engine's spawn function, which pauses this
// task, runs the child to a terminal state and resumes the parent
func (o *Orchestrator) runSubtask(ctx context.Context, input string) error {
	res, err := o.spawn(ctx, o.task, input)
	if err != nil {
		return err
	}

	o.task.AddUsage(res.Usage)
	o.store.Say(conversation.SaySubtaskResult, res.Summary)

	status := "completed"
	if !res.Completed {
		status = "did not complete"
	}
	o.store.AppendEntry(conversation.NewTextEntry(conversation.RoleTool,
		fmt.Sprintf("[new_task result]\nThe sub-task %s.\n%s", status, res.Summary)))
	return nil
}

// abort drives the task to the aborted state, best-effort persists it, and
// reports the reason
func (o *Orchestrator) abort(reason string) error {
	o.task.SetAbortReason(reason)
	o.task.SetState(StateAborted)
	o.store.FinalizeAll()
	o.store.Say(conversation.SayError, reason)

	if err := o.persistTurn(); err != nil {
		o.logger.Warn("failed to persist aborted task", "task", o.task.ID, "error", err)
	}

	o.bus.Publish(Event{Type: EventTaskAborted, TaskID: o.task.ID, Reason: reason})
	return nil
}

// persistTurn saves both logs and the task header at a turn boundary
func (o *Orchestrator) persistTurn() error {
	if o.persist == nil {
		return nil
	}

	entries, activity := o.store.Snapshot()
	meta := session.TaskMeta{
		ID:           o.task.ID,
		ParentID:     o.task.ParentID,
		RootID:       o.task.RootID,
		State:        string(o.task.State()),
		Mode:         o.task.Mode,
		MistakeCount: o.task.Mistakes(),
		Usage:        o.task.Usage(),
		CreatedAt:    o.task.CreatedAt(),
	}
	if err := o.persist.Save(meta, entries, activity); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", o.task.ID, err)
	}
	return nil
}

func (o *Orchestrator) mistakeLimit() int {
	if o.policy.ConsecutiveMistakeLimit > 0 {
		return o.policy.ConsecutiveMistakeLimit
	}
	return tool.DefaultConsecutiveMistakeLimit
}

func describeCall(call *conversation.ToolCall) string {
	if len(call.Params) == 0 {
		return call.Name
	}
	parts := make([]string, 0, len(call.Params))
	for k, v := range call.Params {
		if len(v) > 80 {
			v = v[:80] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return call.Name + " " + strings.Join(parts, " ")
}
