package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSuperseded is returned from Ask when a newer question replaced the
// pending one before it resolved.
var ErrSuperseded = errors.New("approval request superseded")

// ErrAborted is returned from Ask when the task was cancelled while waiting.
var ErrAborted = errors.New("approval request aborted")

// Verdict is the caller-facing answer to an approval request
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Request is a question posted to the external approval channel. IDs are
// monotonic across the process so stale responses can be detected by
// identity rather than content.
type Request struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Subtype   string    `json:"subtype"`
	Question  string    `json:"question"`
	CreatedAt time.Time `json:"created_at"`
}

// Response resolves a request
type Response struct {
	ID       int64   `json:"id"`
	Verdict  Verdict `json:"verdict"`
	Feedback string  `json:"feedback,omitempty"`
}

// Channel is the external transport that delivers questions to a human UI
// or an auto-approve policy. Post must not retain the request past delivery.
type Channel interface {
	Post(Request)
}

// AskHook observes the lifecycle of the gate's pending question. It is
// called with pending=true just before the question is posted and with
// pending=false once it resolves, is superseded, or aborts.
type AskHook func(pending bool, id int64, subtype, question string)

// requestSeq is process-global so request IDs stay unique across tasks
var requestSeq atomic.Int64

type pendingAsk struct {
	id   int64
	resp chan Response
	fail chan error
}

// Gate is a strict request/response rendezvous between one task's
// orchestrator and the approval channel. At most one ask is pending at a
// time; a newer ask supersedes the pending one.
type Gate struct {
	taskID  string
	channel Channel

	mu      sync.Mutex
	pending *pendingAsk
	hook    AskHook
}

// NewGate creates a gate for one task
func NewGate(taskID string, channel Channel) *Gate {
	return &Gate{taskID: taskID, channel: channel}
}

// OnAsk registers the single ask lifecycle hook. Must be set before the
// first Ask.
func (g *Gate) OnAsk(hook AskHook) {
	g.mu.Lock()
	g.hook = hook
	g.mu.Unlock()
}

// Ask posts a question and blocks until a matching response arrives, a newer
// ask supersedes this one (ErrSuperseded), or ctx is cancelled (ErrAborted).
func (g *Gate) Ask(ctx context.Context, subtype, question string) (Response, error) {
	p := &pendingAsk{
		id:   requestSeq.Add(1),
		resp: make(chan Response, 1),
		fail: make(chan error, 1),
	}

	g.mu.Lock()
	if prev := g.pending; prev != nil {
		prev.fail <- ErrSuperseded
	}
	g.pending = p
	g.mu.Unlock()

	g.notify(true, p.id, subtype, question)
	defer g.notify(false, p.id, subtype, question)

	g.channel.Post(Request{
		ID:        p.id,
		TaskID:    g.taskID,
		Subtype:   subtype,
		Question:  question,
		CreatedAt: time.Now(),
	})

	select {
	case resp := <-p.resp:
		return resp, nil
	case err := <-p.fail:
		return Response{}, err
	case <-ctx.Done():
		g.clear(p)
		return Response{}, ErrAborted
	}
}

// Respond delivers a response. A response whose ID does not match the
// currently pending question is silently dropped.
func (g *Gate) Respond(id int64, resp Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil || g.pending.id != id {
		return
	}
	resp.ID = id
	g.pending.resp <- resp
	g.pending = nil
}

// Pending returns the ID of the currently pending request, or 0
func (g *Gate) Pending() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return 0
	}
	return g.pending.id
}

func (g *Gate) notify(pending bool, id int64, subtype, question string) {
	g.mu.Lock()
	hook := g.hook
	g.mu.Unlock()
	if hook != nil {
		hook(pending, id, subtype, question)
	}
}

func (g *Gate) clear(p *pendingAsk) {
	g.mu.Lock()
	if g.pending == p {
		g.pending = nil
	}
	g.mu.Unlock()
}
