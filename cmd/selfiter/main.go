package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"forge/internal/config"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/models"
	"forge/internal/selfiter"
	"forge/internal/tracelog"
)

// taskFile is the YAML shape of a benchmark task bundle
type taskFile struct {
	Tasks []models.BenchmarkTask `yaml:"tasks"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logging.Init()

	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()

	tasksPath := flag.String("tasks", "tasks.yaml", "YAML file with benchmark tasks")
	maxIters := flag.Int("max-iters", cfg.MaxIterations, "attempt budget per task")
	tracesDir := flag.String("traces", cfg.DataDir, "directory for trace JSONL output")
	flag.Parse()

	raw, err := os.ReadFile(*tasksPath)
	if err != nil {
		log.Fatalf("❌ Failed to read tasks file: %v", err)
	}
	var bundle taskFile
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		log.Fatalf("❌ Failed to parse tasks YAML: %v", err)
	}
	if len(bundle.Tasks) == 0 {
		log.Fatalf("❌ %s defines no tasks", *tasksPath)
	}
	log.Printf("📋 Loaded %d tasks from %s", len(bundle.Tasks), *tasksPath)

	if err := os.MkdirAll(*tracesDir, 0755); err != nil {
		log.Fatalf("❌ Failed to create traces dir: %v", err)
	}
	traces, err := tracelog.NewWriter(*tracesDir)
	if err != nil {
		log.Fatalf("❌ Failed to open trace log: %v", err)
	}
	defer traces.Close()

	model := llm.NewClient(llm.Backend{
		Name:    "serving",
		BaseURL: cfg.ServingBaseURL,
		APIKey:  cfg.ServingAPIKey,
		Model:   cfg.ServingModel,
	}, 0)

	runner := selfiter.NewRunner(
		model,
		selfiter.NewSubprocessExecutor(cfg.TestTimeout),
		traces,
		*maxIters,
	)

	results, err := runner.RunTasks(context.Background(), bundle.Tasks)
	if err != nil {
		log.Fatalf("❌ Self-iteration aborted: %v", err)
	}

	solved := 0
	for _, r := range results {
		status := "❌"
		if r.Success {
			status = "✅"
			solved++
		}
		log.Printf("%s %s (%d iterations)", status, r.TaskID, r.Iterations)
	}
	log.Printf("🏁 Solved %d/%d tasks", solved, len(results))

	if solved < len(results) {
		os.Exit(1)
	}
}
