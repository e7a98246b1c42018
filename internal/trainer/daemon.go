package trainer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"forge/internal/metrics"
	"forge/internal/models"
	"forge/internal/notify"
	"forge/internal/store"
)

// Store is the persistence surface the daemon needs
type Store interface {
	UnusedPairCount() (int, error)
	MarkPairsUsed(version string) (int64, error)
	StartRun(version string) error
	CompleteRun(run *models.TrainingRun) error
	FailRun(version, errMsg string, durationSeconds float64) error
	NextVersion() (string, error)
	CreateVersion(v *models.ModelVersion) error
	UpdateVersion(version string, patch store.VersionPatch) error
	SetActiveVersion(version string) error
	GetActiveVersion() (*models.ModelVersion, error)
	GetLatestEvaluation(version string) (*models.Evaluation, error)
	LastSuccessfulRunTime() (time.Time, error)
}

// Publisher announces activation changes to interested serving processes.
// Publishing is best-effort: a failed announce never fails the run.
type Publisher interface {
	PublishActivation(ctx context.Context, version string) error
}

// Config holds the trigger and safety thresholds for the daemon
type Config struct {
	// Threshold is the unused-pair count that arms a training run
	Threshold int
	// Cooldown is the minimum gap since the last successful run
	Cooldown time.Duration
	// MaxConsecutiveFailures pauses the daemon when reached
	MaxConsecutiveFailures int
	// RegressionThreshold is how many benchmark points the candidate may
	// lose before it is rolled back
	RegressionThreshold float64
	// DryRun logs the trigger verdict without running the pipeline
	DryRun bool
}

// State is the daemon's in-memory control record
type State struct {
	ConsecutiveFailures int
	LastTrainTime       time.Time
	Running             bool
	Paused              bool
}

// RunSummary describes one attempted training run, successful or not
type RunSummary struct {
	Version      string
	ExampleCount int
	Duration     time.Duration
	BeforeScore  *float64
	AfterScore   *float64
	RolledBack   bool
	PairsMarked  int64
	Failed       bool
	FailedStage  string
	Err          string
}

// TickResult is what one poll decided and, if triggered, what happened
type TickResult struct {
	Triggered bool
	Reason    string
	Summary   *RunSummary
}

// Daemon polls the pair backlog and drives the four-stage pipeline when
// the trigger conditions line up. One run at a time; a tick that lands
// while a run is in flight is a no-op.
type Daemon struct {
	cfg       Config
	store     Store
	pipeline  Pipeline
	notifier  notify.Notifier
	publisher Publisher

	mu    sync.Mutex
	state State

	now func() time.Time
}

// New creates a trainer daemon. notifier may be notify.Noop; publisher may
// be nil when no serving process listens for activations.
func New(cfg Config, st Store, pipe Pipeline, notifier notify.Notifier) *Daemon {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 50
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 4 * time.Hour
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.RegressionThreshold <= 0 {
		cfg.RegressionThreshold = 5
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Daemon{
		cfg:      cfg,
		store:    st,
		pipeline: pipe,
		notifier: notifier,
		now:      time.Now,
	}
}

// SetPublisher attaches an activation publisher
func (d *Daemon) SetPublisher(p Publisher) {
	d.publisher = p
}

// State returns a copy of the control record
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Resume clears the pause latch and the failure count so training can be
// re-enabled after an operator investigated the failures.
func (d *Daemon) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Paused = false
	d.state.ConsecutiveFailures = 0
	log.Printf("▶️  [TRAINER] Resumed by operator")
}

// RestoreCooldown seeds the last-train clock, typically from
// LastSuccessfulRunTime at startup so a restart does not bypass cooldown.
func (d *Daemon) RestoreCooldown() {
	last, err := d.store.LastSuccessfulRunTime()
	if err != nil {
		log.Printf("⚠️  [TRAINER] Could not restore cooldown clock: %v", err)
		return
	}
	if last.IsZero() {
		return
	}
	d.mu.Lock()
	d.state.LastTrainTime = last
	d.mu.Unlock()
	log.Printf("🕐 [TRAINER] Cooldown clock restored, last successful run at %s", last.Format(time.RFC3339))
}

// Tick is one poll of the trigger predicate. When all conditions hold it
// runs the full pipeline synchronously and returns its summary.
func (d *Daemon) Tick(ctx context.Context) TickResult {
	d.mu.Lock()
	if d.state.Running {
		d.mu.Unlock()
		return TickResult{Reason: "a run is already in progress"}
	}
	if d.state.Paused {
		d.mu.Unlock()
		return TickResult{Reason: fmt.Sprintf("paused after %d consecutive failures", d.state.ConsecutiveFailures)}
	}
	lastTrain := d.state.LastTrainTime
	d.mu.Unlock()

	unused, err := d.store.UnusedPairCount()
	if err != nil {
		log.Printf("⚠️  [TRAINER] Could not count unused pairs: %v", err)
		return TickResult{Reason: "store unavailable"}
	}
	if unused < d.cfg.Threshold {
		return TickResult{Reason: fmt.Sprintf("%d/%d unused pairs", unused, d.cfg.Threshold)}
	}
	if !lastTrain.IsZero() {
		elapsed := d.now().Sub(lastTrain)
		if elapsed < d.cfg.Cooldown {
			return TickResult{Reason: fmt.Sprintf("cooldown, %s remaining", (d.cfg.Cooldown - elapsed).Round(time.Minute))}
		}
	}

	if d.cfg.DryRun {
		log.Printf("🧪 [TRAINER] Dry run: would train on %d pairs", unused)
		return TickResult{Triggered: true, Reason: fmt.Sprintf("dry run, %d pairs ready", unused)}
	}

	d.mu.Lock()
	if d.state.Running {
		d.mu.Unlock()
		return TickResult{Reason: "a run is already in progress"}
	}
	d.state.Running = true
	d.mu.Unlock()

	log.Printf("🚀 [TRAINER] Triggered: %d unused pairs (threshold %d)", unused, d.cfg.Threshold)
	summary := d.runPipeline(ctx)

	d.mu.Lock()
	d.state.Running = false
	if summary.Failed {
		d.state.ConsecutiveFailures++
		if d.state.ConsecutiveFailures >= d.cfg.MaxConsecutiveFailures {
			d.state.Paused = true
			log.Printf("🛑 [TRAINER] Paused after %d consecutive failures", d.state.ConsecutiveFailures)
		}
	} else {
		d.state.ConsecutiveFailures = 0
		d.state.LastTrainTime = d.now()
	}
	d.mu.Unlock()

	d.notify(ctx, summary)
	return TickResult{Triggered: true, Reason: "threshold reached", Summary: summary}
}

// runPipeline drives prepare → train → deploy → evaluate for one version.
// Prepare/train/deploy failures abort the run; an evaluate failure does
// not, because the candidate already shipped and pulling it back without a
// score would discard a likely-good model.
func (d *Daemon) runPipeline(ctx context.Context) *RunSummary {
	summary := &RunSummary{}
	start := d.now()

	version, err := d.store.NextVersion()
	if err != nil {
		summary.Failed = true
		summary.Err = err.Error()
		return summary
	}
	summary.Version = version

	// Capture the incumbent and its score before anything changes, so the
	// regression comparison has a stable baseline.
	var prevVersion string
	prev, err := d.store.GetActiveVersion()
	if err != nil {
		log.Printf("⚠️  [TRAINER] Could not read active version: %v", err)
	} else if prev != nil {
		prevVersion = prev.Version
		if eval, err := d.store.GetLatestEvaluation(prev.Version); err == nil && eval != nil {
			summary.BeforeScore = &eval.OverallScore
		} else if prev.BenchmarkScore != nil {
			summary.BeforeScore = prev.BenchmarkScore
		}
	}

	if err := d.store.StartRun(version); err != nil {
		summary.Failed = true
		summary.Err = err.Error()
		return summary
	}

	fail := func(stage string, err error) *RunSummary {
		summary.Failed = true
		summary.FailedStage = stage
		summary.Err = err.Error()
		summary.Duration = d.now().Sub(start)
		log.Printf("❌ [TRAINER] Run %s failed at %s: %v", version, stage, err)
		if ferr := d.store.FailRun(version, fmt.Sprintf("%s: %v", stage, err), summary.Duration.Seconds()); ferr != nil {
			log.Printf("⚠️  [TRAINER] Could not record failure for %s: %v", version, ferr)
		}
		if m := metrics.Get(); m != nil {
			m.TrainingRuns.WithLabelValues("failed").Inc()
		}
		return summary
	}

	exampleCount, err := d.pipeline.Prepare(ctx)
	if err != nil {
		return fail("prepare", err)
	}
	summary.ExampleCount = exampleCount
	log.Printf("📦 [TRAINER] Prepared %d examples for %s", exampleCount, version)

	if err := d.pipeline.Train(ctx, version); err != nil {
		return fail("train", err)
	}

	artifacts := d.pipeline.Artifacts(version)
	if err := d.store.CreateVersion(&models.ModelVersion{
		Version:     version,
		AdapterPath: artifacts.AdapterPath,
		Notes:       fmt.Sprintf("auto-trained on %d examples", exampleCount),
	}); err != nil {
		return fail("train", err)
	}

	if err := d.pipeline.Deploy(ctx, version); err != nil {
		return fail("deploy", err)
	}

	deployed := true
	patch := store.VersionPatch{
		FusedPath: &artifacts.FusedPath,
		GGUFPath:  &artifacts.GGUFPath,
		Deployed:  &deployed,
	}
	if err := d.store.UpdateVersion(version, patch); err != nil {
		return fail("deploy", err)
	}
	if err := d.store.SetActiveVersion(version); err != nil {
		return fail("deploy", err)
	}
	d.announce(ctx, version)

	if err := d.pipeline.Evaluate(ctx, version); err != nil {
		log.Printf("⚠️  [TRAINER] Evaluation of %s failed, keeping it active unscored: %v", version, err)
	} else if eval, err := d.store.GetLatestEvaluation(version); err != nil {
		log.Printf("⚠️  [TRAINER] Could not read evaluation for %s: %v", version, err)
	} else if eval != nil {
		summary.AfterScore = &eval.OverallScore
		if err := d.store.UpdateVersion(version, store.VersionPatch{BenchmarkScore: &eval.OverallScore}); err != nil {
			log.Printf("⚠️  [TRAINER] Could not record benchmark score for %s: %v", version, err)
		}
	}

	// Regression guard: a scored candidate that lost more than the allowed
	// margin against the incumbent gets rolled back. Its pairs stay
	// consumed — retraining on the same data would reproduce the regression.
	if summary.BeforeScore != nil && summary.AfterScore != nil &&
		*summary.AfterScore-*summary.BeforeScore < -d.cfg.RegressionThreshold {
		log.Printf("📉 [TRAINER] %s regressed %.1f → %.1f, rolling back to %s",
			version, *summary.BeforeScore, *summary.AfterScore, prevVersion)
		if prevVersion != "" {
			if err := d.store.SetActiveVersion(prevVersion); err != nil {
				log.Printf("⚠️  [TRAINER] Rollback to %s failed: %v", prevVersion, err)
			} else {
				summary.RolledBack = true
				d.announce(ctx, prevVersion)
			}
		}
		if m := metrics.Get(); m != nil {
			m.TrainingRuns.WithLabelValues("rolled_back").Inc()
		}
	}

	marked, err := d.store.MarkPairsUsed(version)
	if err != nil {
		log.Printf("⚠️  [TRAINER] Could not mark pairs used for %s: %v", version, err)
	}
	summary.PairsMarked = marked

	summary.Duration = d.now().Sub(start)
	if err := d.store.CompleteRun(&models.TrainingRun{
		Version:         version,
		ExampleCount:    exampleCount,
		DurationSeconds: summary.Duration.Seconds(),
	}); err != nil {
		log.Printf("⚠️  [TRAINER] Could not record completion for %s: %v", version, err)
	}

	if m := metrics.Get(); m != nil {
		m.TrainingRuns.WithLabelValues("completed").Inc()
		m.PipelineSeconds.Observe(summary.Duration.Seconds())
	}

	log.Printf("✅ [TRAINER] Run %s completed in %v (%d examples, %d pairs consumed)",
		version, summary.Duration.Round(time.Second), exampleCount, marked)
	return summary
}

func (d *Daemon) announce(ctx context.Context, version string) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishActivation(ctx, version); err != nil {
		log.Printf("⚠️  [TRAINER] Could not announce activation of %s: %v", version, err)
	}
}

// notify delivers the run summary as a markdown message. Delivery failures
// are logged and dropped.
func (d *Daemon) notify(ctx context.Context, s *RunSummary) {
	if err := d.notifier.Send(ctx, formatSummary(s)); err != nil {
		log.Printf("⚠️  [TRAINER] Notification failed: %v", err)
	}
}

func formatSummary(s *RunSummary) string {
	var b strings.Builder

	if s.Failed {
		fmt.Fprintf(&b, "❌ **Training run %s failed**\n\n", s.Version)
		if s.FailedStage != "" {
			fmt.Fprintf(&b, "**Stage:** %s\n", s.FailedStage)
		}
		fmt.Fprintf(&b, "**Error:** `%s`\n", s.Err)
		if s.Duration > 0 {
			fmt.Fprintf(&b, "**Duration:** %s\n", s.Duration.Round(time.Second))
		}
		return b.String()
	}

	if s.RolledBack {
		fmt.Fprintf(&b, "📉 **Training run %s rolled back**\n\n", s.Version)
	} else {
		fmt.Fprintf(&b, "✅ **Training run %s completed**\n\n", s.Version)
	}
	fmt.Fprintf(&b, "**Examples:** %d\n", s.ExampleCount)
	fmt.Fprintf(&b, "**Pairs consumed:** %d\n", s.PairsMarked)
	fmt.Fprintf(&b, "**Duration:** %s\n", s.Duration.Round(time.Second))
	if s.BeforeScore != nil && s.AfterScore != nil {
		fmt.Fprintf(&b, "**Benchmark:** %.1f → %.1f (%+.1f)\n",
			*s.BeforeScore, *s.AfterScore, *s.AfterScore-*s.BeforeScore)
	} else if s.AfterScore != nil {
		fmt.Fprintf(&b, "**Benchmark:** %.1f\n", *s.AfterScore)
	} else {
		b.WriteString("**Benchmark:** not evaluated\n")
	}
	return b.String()
}
