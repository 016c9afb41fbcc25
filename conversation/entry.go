package conversation

import (
	"strings"
	"time"
)

// Role identifies who produced a model-facing conversation entry
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Entry is one message in the model-facing conversation log. Entries are
// immutable once appended; the full entry list is what gets replayed to the
// AI client on every turn.
type Entry struct {
	Role      Role      `json:"role"`
	Segments  []Segment `json:"segments"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTextEntry creates an entry containing a single finalized text segment
func NewTextEntry(role Role, text string) Entry {
	return Entry{
		Role:      role,
		Segments:  []Segment{TextSegment(text, false)},
		Timestamp: time.Now(),
	}
}

// Text flattens the entry back into the textual form sent to the model.
// Tool invocation segments are rendered as their raw markup so the model
// sees exactly what it emitted.
func (e Entry) Text() string {
	var b strings.Builder
	for _, seg := range e.Segments {
		switch seg.Type {
		case SegmentText:
			b.WriteString(seg.Text)
		case SegmentToolUse:
			if seg.Tool != nil {
				b.WriteString(seg.Tool.Raw)
			}
		}
	}
	return b.String()
}

// FirstToolCall returns the first complete tool invocation in the entry, if any
func (e Entry) FirstToolCall() *ToolCall {
	for _, seg := range e.Segments {
		if seg.Type == SegmentToolUse && !seg.Partial {
			return seg.Tool
		}
	}
	return nil
}

// HasToolCall reports whether the entry contains any tool invocation segment
func (e Entry) HasToolCall() bool {
	for _, seg := range e.Segments {
		if seg.Type == SegmentToolUse {
			return true
		}
	}
	return false
}
