package task

import (
	"sync"
	"time"

	"spindle/approval"
	"spindle/conversation"
	"spindle/llm"
)

// EventType identifies a lifecycle or activity event
type EventType string

const (
	EventTaskStarted       EventType = "task_started"
	EventTaskPaused        EventType = "task_paused"
	EventTaskResumed       EventType = "task_resumed"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskAborted       EventType = "task_aborted"
	EventActivityAdded     EventType = "activity_added"
	EventActivityUpdated   EventType = "activity_updated"
	EventApprovalRequested EventType = "approval_requested"
)

// Event is one observable occurrence in a task's life. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type      EventType
	TaskID    string
	ChildID   string
	Reason    string
	Usage     llm.Usage
	Activity  *conversation.Activity
	Request   *approval.Request
	Timestamp time.Time
}

// Bus fans events out to subscribers over bounded channels. Publishing
// never blocks the orchestrator: a subscriber that falls behind loses
// events rather than stalling the task loop.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving future events. The channel is
// closed when the bus closes.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
