package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"spindle/approval"
	"spindle/conversation"
	"spindle/task"
)

var (
	styleTask     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleText     = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	styleTool     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleResult   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleError    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleQuestion = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
)

// console renders engine events to the terminal and answers approval
// requests from stdin
type console struct {
	eng         *task.Engine
	events      <-chan task.Event
	autoApprove bool
	stdin       *bufio.Reader
	stopCh      chan struct{}
}

func newConsole(eng *task.Engine, autoApprove bool) *console {
	return &console{
		eng:         eng,
		events:      eng.Events(),
		autoApprove: autoApprove,
		stdin:       bufio.NewReader(os.Stdin),
		stopCh:      make(chan struct{}),
	}
}

// stop tells the renderer the task loop finished; buffered events are still
// drained before it returns
func (c *console) stop() {
	close(c.stopCh)
}

func (c *console) renderEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.render(ev)
		case <-c.stopCh:
			c.drain()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *console) drain() {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.render(ev)
		default:
			return
		}
	}
}

func (c *console) render(ev task.Event) {
	switch ev.Type {
	case task.EventTaskStarted:
		fmt.Println(styleDim.Render("task " + ev.TaskID))
	case task.EventTaskCompleted:
		fmt.Println(styleDim.Render(fmt.Sprintf("done (%d tokens)", ev.Usage.Total())))
	case task.EventTaskAborted:
		fmt.Println(styleError.Render("aborted: " + ev.Reason))
	case task.EventTaskPaused:
		fmt.Println(styleDim.Render("paused for sub-task " + ev.ChildID))
	case task.EventActivityAdded, task.EventActivityUpdated:
		// partial streaming updates are skipped; the finalized entry carries
		// the full text
		if ev.Activity != nil && !ev.Activity.Partial {
			c.renderActivity(*ev.Activity)
		}
	case task.EventApprovalRequested:
		if ev.Request != nil {
			c.answer(*ev.Request)
		}
	}
}

func (c *console) renderActivity(a conversation.Activity) {
	if strings.TrimSpace(a.Text) == "" {
		return
	}
	switch a.Subtype {
	case conversation.SayTask:
		fmt.Println(styleTask.Render("> " + a.Text))
	case conversation.SayText, conversation.SayReasoning:
		fmt.Println(styleText.Render(a.Text))
	case conversation.SayTool:
		fmt.Println(styleTool.Render("· " + a.Text))
	case conversation.SayCommandOutput:
		fmt.Println(styleDim.Render(a.Text))
	case conversation.SayCompletionResult:
		fmt.Println(styleResult.Render(a.Text))
	case conversation.SaySubtaskResult:
		fmt.Println(styleDim.Render("sub-task: " + a.Text))
	case conversation.SayCheckpoint:
		fmt.Println(styleDim.Render("checkpoint " + shortRef(a.Text)))
	case conversation.SayAPIRetry, conversation.SayError:
		fmt.Println(styleError.Render(a.Text))
	}
}

// answer resolves one approval request from stdin (or automatically with
// --yes)
func (c *console) answer(req approval.Request) {
	if c.autoApprove && req.Subtype == conversation.AskApproval {
		c.eng.RespondToApproval(approval.Response{ID: req.ID, Verdict: approval.VerdictApprove})
		return
	}

	fmt.Println(styleQuestion.Render("? " + req.Question))

	switch req.Subtype {
	case conversation.AskFollowup:
		fmt.Print("answer: ")
		line, _ := c.stdin.ReadString('\n')
		c.eng.RespondToApproval(approval.Response{
			ID:       req.ID,
			Verdict:  approval.VerdictApprove,
			Feedback: strings.TrimSpace(line),
		})
	default:
		fmt.Print("approve? [y/N] ")
		line, _ := c.stdin.ReadString('\n')
		line = strings.TrimSpace(line)
		if strings.EqualFold(line, "y") || strings.EqualFold(line, "yes") {
			c.eng.RespondToApproval(approval.Response{ID: req.ID, Verdict: approval.VerdictApprove})
			return
		}
		fmt.Print("feedback (optional): ")
		feedback, _ := c.stdin.ReadString('\n')
		c.eng.RespondToApproval(approval.Response{
			ID:       req.ID,
			Verdict:  approval.VerdictReject,
			Feedback: strings.TrimSpace(feedback),
		})
	}
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}
