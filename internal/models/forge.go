package models

import "time"

// TaskType is the classified domain of a captured prompt
type TaskType string

const (
	TaskCoding    TaskType = "coding"
	TaskReasoning TaskType = "reasoning"
	TaskToolUse   TaskType = "tool_use"
	TaskChat      TaskType = "chat"
)

// Run status values for TrainingRun.Status
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// TrainingPair is one captured (prompt, two-backend-response) observation.
// PromptHash is the content-addressed dedup key: re-collecting the same
// prompt is a no-op, never a duplicate row.
type TrainingPair struct {
	ID                int64     `json:"id"`
	PromptHash        string    `json:"prompt_hash"`
	CreatedAt         time.Time `json:"created_at"`
	Complexity        *float64  `json:"complexity,omitempty"`
	RoutedTo          string    `json:"routed_to"` // backend that served the live request
	PrimaryLength     int       `json:"primary_length"`
	ShadowLength      int       `json:"shadow_length"`
	PrimaryDurationMs int64     `json:"primary_duration_ms"`
	ShadowDurationMs  int64     `json:"shadow_duration_ms"`
	ShadowModel       string    `json:"shadow_model"`
	HasCode           bool      `json:"has_code"`
	UsedInTraining    bool      `json:"used_in_training"`
	TrainingVersion   string    `json:"training_version,omitempty"` // version that consumed this pair
	TaskType          TaskType  `json:"task_type"`
	TaskConfidence    float64   `json:"task_confidence"`
}

// Comparison is a full-fidelity side-by-side record for qualitative review.
// Unlike TrainingPair it keeps both complete response bodies and is not
// required to be code-bearing.
type Comparison struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Prompt          string    `json:"prompt"`
	Goal            string    `json:"goal,omitempty"`
	Context         string    `json:"context,omitempty"`
	RoutedTo        string    `json:"routed_to"`
	PrimaryResponse string    `json:"primary_response"`
	ShadowResponse  string    `json:"shadow_response"`
	PrimaryModel    string    `json:"primary_model"`
	ShadowModel     string    `json:"shadow_model"`
	TaskType        TaskType  `json:"task_type"`
}

// TrainingRun is one invocation of the train step. Exactly one terminal
// update (completed or failed) may follow creation; never both.
type TrainingRun struct {
	Version         string     `json:"version"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TrainLoss       *float64   `json:"train_loss,omitempty"`
	ValLoss         *float64   `json:"val_loss,omitempty"`
	ExampleCount    int        `json:"example_count"`
	Iterations      int        `json:"iterations"`
	DurationSeconds float64    `json:"duration_seconds"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
}

// ModelVersion is a deployable artifact. At most one version is active at
// any time; activation deactivates all others atomically.
type ModelVersion struct {
	Version        string    `json:"version"`
	AdapterPath    string    `json:"adapter_path,omitempty"`
	FusedPath      string    `json:"fused_path,omitempty"`
	GGUFPath       string    `json:"gguf_path,omitempty"`
	BenchmarkScore *float64  `json:"benchmark_score,omitempty"`
	Deployed       bool      `json:"deployed"`
	Active         bool      `json:"active"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Evaluation is a scored assessment of a ModelVersion. A version may have
// zero or many evaluations; the latest is the most-recently-inserted row.
type Evaluation struct {
	ID                int64     `json:"id"`
	Version           string    `json:"version"`
	OverallScore      float64   `json:"overall_score"`
	SyntaxScore       float64   `json:"syntax_score"`
	TestPassScore     float64   `json:"test_pass_score"`
	SimilarityScore   float64   `json:"similarity_score"`
	CompletenessScore float64   `json:"completeness_score"`
	TaskCount         int       `json:"task_count"`
	Details           string    `json:"details,omitempty"` // structured JSON blob
	CreatedAt         time.Time `json:"created_at"`
}

// ForgeStats is the aggregate snapshot used by external status reporting.
type ForgeStats struct {
	TotalPairs     int            `json:"total_pairs"`
	UnusedPairs    int            `json:"unused_pairs"`
	TotalRuns      int            `json:"total_runs"`
	CompletedRuns  int            `json:"completed_runs"`
	FailedRuns     int            `json:"failed_runs"`
	TotalVersions  int            `json:"total_versions"`
	TaskTypeCounts map[string]int `json:"task_type_counts"`
	ActiveVersion  *ModelVersion  `json:"active_version,omitempty"`
}
