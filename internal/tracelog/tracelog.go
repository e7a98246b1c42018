package tracelog

import (
	"encoding/json"
	"fmt"
	"time"

	"forge/internal/audit"
	"forge/internal/models"

	"github.com/google/uuid"
)

// Writer appends training traces to the daily trace log. Self-iteration
// results and parsed tool transcripts both land here; the prepare stage
// folds the log into the training corpus on the next run.
type Writer struct {
	out *audit.DailyWriter
}

// NewWriter creates a trace writer rooted at dir
func NewWriter(dir string) (*Writer, error) {
	out, err := audit.NewDailyWriter(dir, "traces")
	if err != nil {
		return nil, err
	}
	return &Writer{out: out}, nil
}

// Append writes one trace as a JSON line
func (w *Writer) Append(trace *models.TrainingTrace) error {
	if trace.ID == "" {
		trace.ID = uuid.New().String()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}
	return w.out.Write(trace)
}

// Close releases the underlying file
func (w *Writer) Close() error {
	return w.out.Close()
}

// transcript is the wire shape of an agent tool-call transcript
type transcript struct {
	TaskID   string               `json:"task_id"`
	Messages []models.TraceMessage `json:"messages"`
}

// ParseToolTranscript converts a raw agent transcript into a structured
// multi-turn training trace. A transcript qualifies only if it holds at
// least one user turn, one assistant turn, and at least one actual tool
// call; anything else is conversation, not a tool trace.
func ParseToolTranscript(raw []byte) (*models.TrainingTrace, error) {
	var t transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}

	var users, assistants, toolCalls int
	messages := make([]models.TraceMessage, 0, len(t.Messages))
	for _, msg := range t.Messages {
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		switch msg.Role {
		case "user":
			users++
		case "assistant":
			assistants++
			toolCalls += len(msg.ToolCalls)
		case "system", "tool":
			// carried through unchanged
		default:
			return nil, fmt.Errorf("transcript has unknown role %q", msg.Role)
		}
		messages = append(messages, msg)
	}

	if users == 0 || assistants == 0 {
		return nil, fmt.Errorf("transcript needs at least one user and one assistant turn")
	}
	if toolCalls == 0 {
		return nil, fmt.Errorf("transcript contains no tool calls")
	}

	return &models.TrainingTrace{
		Source:   models.TraceSourceToolTranscript,
		TaskID:   t.TaskID,
		Success:  true,
		Messages: messages,
	}, nil
}

// Collector parses raw transcripts and appends the resulting traces
type Collector struct {
	writer *Writer
}

// NewCollector wires a trace writer into a collector
func NewCollector(writer *Writer) *Collector {
	return &Collector{writer: writer}
}

// Collect parses one raw transcript and appends it to the trace log
func (c *Collector) Collect(raw []byte) error {
	trace, err := ParseToolTranscript(raw)
	if err != nil {
		return err
	}
	return c.writer.Append(trace)
}
