package selfiter

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"forge/internal/models"
	"forge/internal/tracelog"
)

const systemPrompt = "You are a careful programmer. Solve the task with a single, complete, runnable solution inside one fenced code block in the requested language. No explanations outside the code block."

const stderrExcerptChars = 300

// Model is the completion capability the runner iterates against
type Model interface {
	Complete(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// TaskResult is the outcome of running one benchmark task to success or
// budget exhaustion
type TaskResult struct {
	TaskID     string
	Success    bool
	Iterations int
	Solution   string
	Results    []TestResult
}

// Runner drives the generate → execute → feed-back loop for one model.
// Every trajectory, successful or exhausted, is appended to the trace log.
type Runner struct {
	model         Model
	executor      Executor
	traces        *tracelog.Writer
	maxIterations int
	log           *logrus.Logger
}

// NewRunner creates a runner. traces may be nil to skip trace recording;
// maxIterations <= 0 means three attempts.
func NewRunner(model Model, executor Executor, traces *tracelog.Writer, maxIterations int) *Runner {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &Runner{
		model:         model,
		executor:      executor,
		traces:        traces,
		maxIterations: maxIterations,
		log:           logger,
	}
}

// RunTask iterates on one task until all tests pass or the attempt budget
// runs out. The returned error covers infrastructure failures (model or
// executor unreachable); a task the model cannot solve is a Success=false
// result, not an error.
func (r *Runner) RunTask(ctx context.Context, task *models.BenchmarkTask) (*TaskResult, error) {
	messages := []models.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Language: %s\n\n%s", task.Language, task.Prompt)},
	}

	result := &TaskResult{TaskID: task.ID}
	reprompted := false

	for iter := 1; iter <= r.maxIterations; iter++ {
		result.Iterations = iter

		completion, err := r.model.Complete(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("completion for task %s failed: %w", task.ID, err)
		}
		messages = append(messages, models.ChatMessage{Role: "assistant", Content: completion})

		code := ExtractCode(completion, task.Language)
		if code == "" {
			r.log.WithFields(logrus.Fields{"task": task.ID, "iteration": iter}).
				Warn("Completion contained no usable code block")
			if reprompted {
				continue
			}
			reprompted = true
			messages = append(messages, models.ChatMessage{
				Role:    "user",
				Content: fmt.Sprintf("Your reply contained no code block. The task again:\n\n%s\n\nRespond with the full solution inside a single ```%s fenced block.", task.Prompt, task.Language),
			})
			continue
		}
		result.Solution = code

		results, err := r.executor.Run(ctx, task, code)
		if err != nil {
			return nil, fmt.Errorf("execution for task %s failed: %w", task.ID, err)
		}
		result.Results = results

		passed := passCount(results)
		r.log.WithFields(logrus.Fields{
			"task":      task.ID,
			"iteration": iter,
			"passed":    passed,
			"total":     len(results),
		}).Info("Iteration finished")

		if passed == len(results) {
			result.Success = true
			r.recordTrace(task, result, messages)
			return result, nil
		}

		messages = append(messages, models.ChatMessage{
			Role:    "user",
			Content: synthesizeFeedback(results),
		})
	}

	r.log.WithFields(logrus.Fields{"task": task.ID, "iterations": result.Iterations}).
		Warn("Attempt budget exhausted")
	r.recordTrace(task, result, messages)
	return result, nil
}

// RunTasks processes a batch sequentially and reports per-task results
func (r *Runner) RunTasks(ctx context.Context, tasks []models.BenchmarkTask) ([]*TaskResult, error) {
	results := make([]*TaskResult, 0, len(tasks))
	for i := range tasks {
		result, err := r.RunTask(ctx, &tasks[i])
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *Runner) recordTrace(task *models.BenchmarkTask, result *TaskResult, messages []models.ChatMessage) {
	if r.traces == nil {
		return
	}

	traceMessages := make([]models.TraceMessage, 0, len(messages))
	for _, m := range messages {
		traceMessages = append(traceMessages, models.TraceMessage{
			Role:      m.Role,
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
		})
	}

	err := r.traces.Append(&models.TrainingTrace{
		Source:     models.TraceSourceSelfIteration,
		TaskID:     task.ID,
		Success:    result.Success,
		Iterations: result.Iterations,
		Messages:   traceMessages,
	})
	if err != nil {
		r.log.WithError(err).WithField("task", task.ID).Warn("Failed to record trace")
	}
}

func passCount(results []TestResult) int {
	n := 0
	for _, r := range results {
		if r.Passed {
			n++
		}
	}
	return n
}

// synthesizeFeedback turns test results into the corrective user turn for
// the next attempt: the tally first, then each failure with what was
// expected, what happened, and a stderr excerpt when there is one.
func synthesizeFeedback(results []TestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d tests passed. Fix the solution and resend the complete code.\n", passCount(results), len(results))

	for _, r := range results {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "\nFailed: %s\n", r.Name)
		switch {
		case r.TimedOut:
			b.WriteString("  The test timed out. Check for infinite loops or blocking reads.\n")
		case r.ExitCode != 0:
			fmt.Fprintf(&b, "  Exited with code %d.\n", r.ExitCode)
		default:
			fmt.Fprintf(&b, "  Expected output: %q\n  Actual output:   %q\n", r.Expected, r.Actual)
		}
		if stderr := strings.TrimSpace(r.Stderr); stderr != "" {
			if len(stderr) > stderrExcerptChars {
				stderr = stderr[:stderrExcerptChars] + "..."
			}
			fmt.Fprintf(&b, "  stderr: %s\n", stderr)
		}
	}
	return b.String()
}
