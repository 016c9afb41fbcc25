package conversation

import "time"

// ActivityKind is the two activity-log entry kinds: Say is an informational
// broadcast, Ask is a blocking request for a response.
type ActivityKind string

const (
	KindSay ActivityKind = "say"
	KindAsk ActivityKind = "ask"
)

// Say subtypes
const (
	SayTask             = "task"
	SayText             = "text"
	SayReasoning        = "reasoning"
	SayTool             = "tool"
	SayCommandOutput    = "command_output"
	SayCompletionResult = "completion_result"
	SayAPIRetry         = "api_retry"
	SaySubtaskResult    = "subtask_result"
	SayCheckpoint       = "checkpoint"
	SayError            = "error"
)

// Ask subtypes
const (
	AskApproval = "approval"
	AskFollowup = "followup"
	AskRetry    = "retry"
	AskResume   = "resume"
)

// Activity is one entry in the UI-facing activity log. An activity may be
// mutated in place while Partial is true (streaming update) and becomes
// immutable once Partial is false.
type Activity struct {
	ID        string       `json:"id"`
	Kind      ActivityKind `json:"kind"`
	Subtype   string       `json:"subtype"`
	Text      string       `json:"text"`
	Images    []string     `json:"images,omitempty"`
	Partial   bool         `json:"partial,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
