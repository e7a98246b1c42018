package selfiter

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forge/internal/models"
	"forge/internal/tracelog"
)

func TestExtractCode_PrefersTaskLanguage(t *testing.T) {
	response := "Here is some setup:\n```bash\necho setup\n```\nAnd the solution:\n```python\nprint('solution')\n```\n"

	code := ExtractCode(response, "python")
	if !strings.Contains(code, "print('solution')") {
		t.Errorf("Expected the python block, got %q", code)
	}
	if strings.Contains(code, "echo") {
		t.Errorf("Picked the wrong-language block: %q", code)
	}
}

func TestExtractCode_AcceptsAliases(t *testing.T) {
	response := "```py\nx = 1\n```"
	if code := ExtractCode(response, "python"); !strings.Contains(code, "x = 1") {
		t.Errorf("Expected py alias accepted, got %q", code)
	}

	response = "```js\nconst x = 1\n```"
	if code := ExtractCode(response, "javascript"); !strings.Contains(code, "const x = 1") {
		t.Errorf("Expected js alias accepted, got %q", code)
	}
}

func TestExtractCode_FallsBackToFirstBlock(t *testing.T) {
	response := "```\nfirst block\n```\ntext\n```\nsecond block\nwith two lines\n```"

	code := ExtractCode(response, "python")
	if !strings.Contains(code, "first block") {
		t.Errorf("Expected the first untagged block, got %q", code)
	}

	// Without a language match the first fence wins even when tagged
	response = "```ruby\nputs 'first'\n```\n```\nuntagged later\n```"
	code = ExtractCode(response, "python")
	if !strings.Contains(code, "puts 'first'") {
		t.Errorf("Expected the first block regardless of tag, got %q", code)
	}
}

func TestExtractCode_NoFenceIsEmpty(t *testing.T) {
	response := "I would write a function that prints the answer."
	if code := ExtractCode(response, "python"); code != "" {
		t.Errorf("Expected no extraction from a fence-free reply, got %q", code)
	}
}

func bashTask() *models.BenchmarkTask {
	return &models.BenchmarkTask{
		ID:       "greet",
		Language: "bash",
		Prompt:   "Write a bash function greet that echoes 'hello <arg>'.",
		Tests: []models.TestCase{
			{Name: "greets world", Harness: "greet world", Expected: "hello world"},
			{Name: "greets forge", Harness: "greet forge", Expected: "hello forge"},
		},
	}
}

func TestSubprocessExecutor_PassAndFail(t *testing.T) {
	exec := NewSubprocessExecutor(10 * time.Second)
	task := bashTask()

	results, err := exec.Run(context.Background(), task, `greet() { echo "hello $1"; }`)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("Expected %s to pass, actual=%q", r.Name, r.Actual)
		}
	}

	results, err = exec.Run(context.Background(), task, `greet() { echo "goodbye $1"; }`)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, r := range results {
		if r.Passed {
			t.Errorf("Expected %s to fail", r.Name)
		}
		if r.Actual != "goodbye world" && r.Actual != "goodbye forge" {
			t.Errorf("Expected actual output captured, got %q", r.Actual)
		}
	}
}

func TestSubprocessExecutor_NonZeroExitFails(t *testing.T) {
	exec := NewSubprocessExecutor(10 * time.Second)
	task := &models.BenchmarkTask{
		ID:       "exit",
		Language: "bash",
		Tests:    []models.TestCase{{Name: "runs clean", Harness: "main"}},
	}

	results, err := exec.Run(context.Background(), task, `main() { echo boom >&2; return 3; }`)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if results[0].Passed {
		t.Error("Expected non-zero exit to fail")
	}
	if results[0].ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", results[0].ExitCode)
	}
	if !strings.Contains(results[0].Stderr, "boom") {
		t.Errorf("Expected stderr captured, got %q", results[0].Stderr)
	}
}

func TestSubprocessExecutor_TimeoutKills(t *testing.T) {
	exec := NewSubprocessExecutor(500 * time.Millisecond)
	task := &models.BenchmarkTask{
		ID:       "hang",
		Language: "bash",
		Tests:    []models.TestCase{{Name: "hangs", Harness: "main", Expected: "done"}},
	}

	start := time.Now()
	results, err := exec.Run(context.Background(), task, `main() { sleep 60; echo done; }`)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Timeout did not kill the process promptly")
	}
	if results[0].Passed || !results[0].TimedOut {
		t.Errorf("Expected a timed-out failure, got %+v", results[0])
	}
}

func TestSubprocessExecutor_UnsupportedLanguage(t *testing.T) {
	exec := NewSubprocessExecutor(time.Second)
	task := &models.BenchmarkTask{ID: "x", Language: "cobol"}

	if _, err := exec.Run(context.Background(), task, "whatever"); err == nil {
		t.Error("Expected unsupported language error")
	}
}

// scriptedModel replays canned completions and records what it was asked
type scriptedModel struct {
	completions []string
	calls       [][]models.ChatMessage
}

func (m *scriptedModel) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	m.calls = append(m.calls, append([]models.ChatMessage(nil), messages...))
	idx := len(m.calls) - 1
	if idx >= len(m.completions) {
		idx = len(m.completions) - 1
	}
	return m.completions[idx], nil
}

func TestRunTask_FirstTrySuccess(t *testing.T) {
	model := &scriptedModel{completions: []string{
		"```bash\ngreet() { echo \"hello $1\"; }\n```",
	}}
	runner := NewRunner(model, NewSubprocessExecutor(10*time.Second), nil, 3)

	result, err := runner.RunTask(context.Background(), bashTask())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if !result.Success || result.Iterations != 1 {
		t.Errorf("Expected success on iteration 1, got success=%v iterations=%d", result.Success, result.Iterations)
	}
}

func TestRunTask_FeedbackDrivesSecondAttempt(t *testing.T) {
	model := &scriptedModel{completions: []string{
		"```bash\ngreet() { echo \"goodbye $1\"; }\n```",
		"```bash\ngreet() { echo \"hello $1\"; }\n```",
	}}
	runner := NewRunner(model, NewSubprocessExecutor(10*time.Second), nil, 3)

	result, err := runner.RunTask(context.Background(), bashTask())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if !result.Success || result.Iterations != 2 {
		t.Errorf("Expected success on iteration 2, got success=%v iterations=%d", result.Success, result.Iterations)
	}

	// The second call must carry the failure feedback as a user turn
	second := model.calls[1]
	last := second[len(second)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "0/2 tests passed") {
		t.Errorf("Expected feedback user turn, got role=%s content=%q", last.Role, last.Content)
	}
	if !strings.Contains(last.Content, "Expected output") {
		t.Errorf("Expected expected/actual detail in feedback, got %q", last.Content)
	}
}

func TestRunTask_BudgetExhaustion(t *testing.T) {
	model := &scriptedModel{completions: []string{
		"```bash\ngreet() { echo \"nope\"; }\n```",
	}}
	runner := NewRunner(model, NewSubprocessExecutor(10*time.Second), nil, 3)

	result, err := runner.RunTask(context.Background(), bashTask())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Success {
		t.Error("Expected failure for an unsolvable scripted model")
	}
	if result.Iterations != 3 {
		t.Errorf("Expected all 3 iterations used, got %d", result.Iterations)
	}
}

func TestRunTask_RepromptsOnceForMissingCode(t *testing.T) {
	model := &scriptedModel{completions: []string{
		"Sure! I would write a greeting function using echo.",
		"```bash\ngreet() { echo \"hello $1\"; }\n```",
	}}
	runner := NewRunner(model, NewSubprocessExecutor(10*time.Second), nil, 3)

	result, err := runner.RunTask(context.Background(), bashTask())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if !result.Success {
		t.Fatal("Expected success after re-prompt")
	}

	second := model.calls[1]
	last := second[len(second)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "code block") {
		t.Errorf("Expected a re-prompt user turn, got role=%s content=%q", last.Role, last.Content)
	}
	if !strings.Contains(last.Content, bashTask().Prompt) {
		t.Errorf("Re-prompt must restate the task, got %q", last.Content)
	}
}

func TestRunTask_RecordsTraceOnExhaustion(t *testing.T) {
	dir := t.TempDir()
	traces, err := tracelog.NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer traces.Close()

	model := &scriptedModel{completions: []string{
		"```bash\ngreet() { echo \"nope\"; }\n```",
	}}
	runner := NewRunner(model, NewSubprocessExecutor(10*time.Second), traces, 2)

	if _, err := runner.RunTask(context.Background(), bashTask()); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	path := filepath.Join(dir, "traces-"+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Expected trace file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		t.Fatal("Expected one trace line")
	}

	var trace models.TrainingTrace
	if err := json.Unmarshal(scanner.Bytes(), &trace); err != nil {
		t.Fatalf("Trace is not valid JSON: %v", err)
	}
	if trace.Source != models.TraceSourceSelfIteration {
		t.Errorf("Expected self_iteration source, got %s", trace.Source)
	}
	if trace.Success {
		t.Error("Expected failed trajectory recorded with success=false")
	}
	if trace.Iterations != 2 {
		t.Errorf("Expected 2 iterations recorded, got %d", trace.Iterations)
	}
	if len(trace.Messages) < 4 {
		t.Errorf("Expected the full conversation recorded, got %d messages", len(trace.Messages))
	}
}

func TestSynthesizeFeedback_Tally(t *testing.T) {
	results := []TestResult{
		{Name: "a", Passed: true},
		{Name: "b", Expected: "42", Actual: "41", ExitCode: 0},
		{Name: "c", TimedOut: true, ExitCode: -1},
	}

	fb := synthesizeFeedback(results)
	if !strings.Contains(fb, "1/3 tests passed") {
		t.Errorf("Expected tally line, got %q", fb)
	}
	if !strings.Contains(fb, "Failed: b") || !strings.Contains(fb, `"42"`) {
		t.Errorf("Expected expected/actual for b, got %q", fb)
	}
	if !strings.Contains(fb, "timed out") {
		t.Errorf("Expected timeout hint for c, got %q", fb)
	}
	if strings.Contains(fb, "Failed: a") {
		t.Errorf("Passing tests must not appear, got %q", fb)
	}
}
