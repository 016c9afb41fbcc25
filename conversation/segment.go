package conversation

// SegmentType discriminates the units of parsed assistant output
type SegmentType string

const (
	SegmentText    SegmentType = "text"
	SegmentToolUse SegmentType = "tool_use"
)

// Segment represents one unit of parsed assistant output: either plain text
// or a tool invocation. While Partial is true the segment is still streaming
// and may grow or be reinterpreted on the next parse; once Partial is false
// the segment never changes again.
type Segment struct {
	Type    SegmentType `json:"type"`
	Text    string      `json:"text,omitempty"`
	Tool    *ToolCall   `json:"tool,omitempty"`
	Partial bool        `json:"partial,omitempty"`
}

// ToolCall is a parsed tool invocation extracted from the assistant output
type ToolCall struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
	Raw    string            `json:"raw,omitempty"`
}

// Param returns a named parameter or the empty string
func (c *ToolCall) Param(name string) string {
	if c == nil || c.Params == nil {
		return ""
	}
	return c.Params[name]
}

// TextSegment creates a text segment
func TextSegment(text string, partial bool) Segment {
	return Segment{Type: SegmentText, Text: text, Partial: partial}
}

// ToolSegment creates a tool invocation segment
func ToolSegment(call *ToolCall, partial bool) Segment {
	return Segment{Type: SegmentToolUse, Tool: call, Partial: partial}
}
