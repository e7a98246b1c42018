package selfiter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"forge/internal/models"
)

// TestResult is the outcome of one test case against one candidate solution
type TestResult struct {
	Name     string
	Passed   bool
	ExitCode int
	Stdout   string
	Stderr   string
	Expected string
	Actual   string
	TimedOut bool
}

// Executor runs a candidate solution against a task's test cases
type Executor interface {
	Run(ctx context.Context, task *models.BenchmarkTask, solution string) ([]TestResult, error)
}

var interpreters = map[string][]string{
	"python":     {"python3"},
	"javascript": {"node"},
	"bash":       {"bash"},
}

var extensions = map[string]string{
	"python":     ".py",
	"javascript": ".js",
	"bash":       ".sh",
}

// SubprocessExecutor runs each test as an interpreter subprocess in a
// throwaway directory. The process gets killed when the per-test timeout
// elapses; a hung candidate costs one timeout, not the whole run.
type SubprocessExecutor struct {
	timeout time.Duration
}

// NewSubprocessExecutor creates an executor; timeout bounds each test,
// 0 means ten seconds.
func NewSubprocessExecutor(timeout time.Duration) *SubprocessExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SubprocessExecutor{timeout: timeout}
}

// Run executes every test case sequentially. The returned error covers
// setup problems only; test failures are reported in the results.
func (e *SubprocessExecutor) Run(ctx context.Context, task *models.BenchmarkTask, solution string) ([]TestResult, error) {
	argv, ok := interpreters[task.Language]
	if !ok {
		return nil, fmt.Errorf("unsupported task language %q", task.Language)
	}

	dir, err := os.MkdirTemp("", "forge-selfiter-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	results := make([]TestResult, 0, len(task.Tests))
	for i, tc := range task.Tests {
		source := solution + "\n\n" + tc.Harness + "\n"
		path := filepath.Join(dir, fmt.Sprintf("test_%d%s", i, extensions[task.Language]))
		if err := os.WriteFile(path, []byte(source), 0644); err != nil {
			return nil, fmt.Errorf("failed to write test file: %w", err)
		}
		results = append(results, e.runOne(ctx, tc, argv, path))
	}
	return results, nil
}

func (e *SubprocessExecutor) runOne(ctx context.Context, tc models.TestCase, argv []string, path string) TestResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := TestResult{
		Name:     tc.Name,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Expected: tc.Expected,
		Actual:   lastLine(stdout.String()),
		TimedOut: ctx.Err() == context.DeadlineExceeded,
	}

	if err != nil {
		result.ExitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		return result
	}

	result.Passed = tc.Expected == "" || result.Actual == tc.Expected
	return result
}

// lastLine returns the final non-empty line of output, the part the
// harness prints as its verdict.
func lastLine(s string) string {
	s = strings.TrimRight(s, "\n\r \t")
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimSpace(s)
}
