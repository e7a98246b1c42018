package trainer

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Artifacts are the file paths a pipeline produces for one version
type Artifacts struct {
	AdapterPath string
	FusedPath   string
	GGUFPath    string
}

// Pipeline is the contract with the external train scripts. Each stage is
// an opaque process: exit code zero means success, anything else is the
// stage's failure signal. There is no structured IPC beyond that, except
// that prepare's output file is read back for its line count.
type Pipeline interface {
	// Prepare partitions accumulated pairs into train/validation files and
	// returns the training example count.
	Prepare(ctx context.Context) (int, error)
	// Train fits an adapter on the prepared data for the given version.
	Train(ctx context.Context, version string) error
	// Deploy fuses/exports the trained adapter and registers it as
	// loadable. It does not make the version active.
	Deploy(ctx context.Context, version string) error
	// Evaluate scores the freshly deployed candidate.
	Evaluate(ctx context.Context, version string) error
	// Artifacts reports where this pipeline leaves a version's files.
	Artifacts(version string) Artifacts
}

// StageError is a structured stage failure: which stage, how the process
// exited, and a tail of its output.
type StageError struct {
	Stage    string
	ExitCode int
	Output   string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed with exit code %d", e.Stage, e.ExitCode)
}

// stageSpec is one subprocess invocation: working directory, argv and a
// hard timeout. Keeping this typed means stage failures are structured
// errors, not string-matched exit codes.
type stageSpec struct {
	Name    string
	Dir     string
	Argv    []string
	Env     []string
	Timeout time.Duration
}

// ScriptPipeline runs the four stages as shell scripts inside a pipeline
// directory. The scripts share the forge database and data directory with
// this process; the version is handed over via FORGE_VERSION.
type ScriptPipeline struct {
	dir     string
	dataDir string
	timeout time.Duration
}

// NewScriptPipeline creates a pipeline rooted at dir. timeout bounds each
// stage; 0 means two hours.
func NewScriptPipeline(dir, dataDir string, timeout time.Duration) *ScriptPipeline {
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &ScriptPipeline{dir: dir, dataDir: dataDir, timeout: timeout}
}

// Prepare runs prepare.sh and counts the lines of the train split it wrote
func (p *ScriptPipeline) Prepare(ctx context.Context) (int, error) {
	if err := p.runStage(ctx, "prepare", nil); err != nil {
		return 0, err
	}

	count, err := countLines(filepath.Join(p.dataDir, "train.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("prepare succeeded but train split is unreadable: %w", err)
	}
	return count, nil
}

// Train runs train.sh for the version
func (p *ScriptPipeline) Train(ctx context.Context, version string) error {
	return p.runStage(ctx, "train", []string{"FORGE_VERSION=" + version})
}

// Deploy runs deploy.sh for the version
func (p *ScriptPipeline) Deploy(ctx context.Context, version string) error {
	return p.runStage(ctx, "deploy", []string{"FORGE_VERSION=" + version})
}

// Evaluate runs evaluate.sh for the version
func (p *ScriptPipeline) Evaluate(ctx context.Context, version string) error {
	return p.runStage(ctx, "evaluate", []string{"FORGE_VERSION=" + version})
}

// Artifacts returns the conventional artifact layout under the pipeline dir
func (p *ScriptPipeline) Artifacts(version string) Artifacts {
	return Artifacts{
		AdapterPath: filepath.Join(p.dir, "adapters", version),
		FusedPath:   filepath.Join(p.dir, "fused", version),
		GGUFPath:    filepath.Join(p.dir, "gguf", version+".gguf"),
	}
}

func (p *ScriptPipeline) runStage(ctx context.Context, name string, extraEnv []string) error {
	spec := stageSpec{
		Name:    name,
		Dir:     p.dir,
		Argv:    []string{"bash", name + ".sh"},
		Env:     extraEnv,
		Timeout: p.timeout,
	}
	return runStage(ctx, spec)
}

// runStage executes one stage to completion, streaming its output through
// the process log. The stage's context is cancelled (and the process
// killed) when the timeout elapses.
func runStage(ctx context.Context, spec stageSpec) error {
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	log.Printf("▶️  [PIPELINE] Running stage %s: %v", spec.Name, spec.Argv)
	start := time.Now()

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		log.Printf("❌ [PIPELINE] Stage %s failed after %v (exit %d)", spec.Name, duration, exitCode)
		return &StageError{Stage: spec.Name, ExitCode: exitCode, Output: err.Error()}
	}

	log.Printf("✅ [PIPELINE] Stage %s completed in %v", spec.Name, duration)
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	return count, scanner.Err()
}
