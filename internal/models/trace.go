package models

import "time"

// Trace sources
const (
	TraceSourceToolTranscript = "tool_transcript"
	TraceSourceSelfIteration  = "self_iteration"
)

// TraceMessage is one turn of a training trace
type TraceMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// TrainingTrace is a multi-turn supervised example appended to the trace
// log. Failure trajectories are kept too (Success=false) — they are
// informative for analysis even when not used for fine-tuning.
type TrainingTrace struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	TaskID     string         `json:"task_id,omitempty"`
	Success    bool           `json:"success"`
	Iterations int            `json:"iterations,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Messages   []TraceMessage `json:"messages"`
}
