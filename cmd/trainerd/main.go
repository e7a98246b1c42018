package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"forge/internal/activation"
	"forge/internal/config"
	"forge/internal/database"
	"forge/internal/logging"
	"forge/internal/metrics"
	"forge/internal/notify"
	"forge/internal/store"
	"forge/internal/trainer"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logging.Init()

	log.Println("🚀 Starting Forge Trainer Daemon...")

	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()

	threshold := flag.Int("threshold", cfg.TrainThreshold, "unused pairs needed to trigger a run")
	intervalSecs := flag.Int("interval", int(cfg.PollInterval.Seconds()), "poll interval in seconds")
	dryRun := flag.Bool("dry-run", false, "log trigger verdicts without running the pipeline")
	flag.Parse()

	interval := time.Duration(*intervalSecs) * time.Second

	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	metricsStore := store.New(db)
	metrics.Init()

	pipeline := trainer.NewScriptPipeline(cfg.PipelineDir, cfg.DataDir, cfg.StageTimeout)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		notifier = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		log.Println("📱 Telegram notifications enabled")
	}

	daemon := trainer.New(trainer.Config{
		Threshold:              *threshold,
		Cooldown:               time.Duration(cfg.CooldownHours * float64(time.Hour)),
		MaxConsecutiveFailures: cfg.MaxConsecFailures,
		RegressionThreshold:    cfg.RegressionThreshold,
		DryRun:                 *dryRun,
	}, metricsStore, pipeline, notifier)
	daemon.RestoreCooldown()

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("⚠️  Redis unreachable, activations will not be announced: %v", err)
		} else {
			defer rdb.Close()
			daemon.SetPublisher(activation.NewPublisher(rdb))
			log.Println("📣 Activation announcements enabled")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP clears the pause latch after repeated failures
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			daemon.Resume()
		}
	}()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			result := daemon.Tick(ctx)
			if !result.Triggered {
				log.Printf("💤 [TRAINER] Not triggered: %s", result.Reason)
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		log.Fatalf("❌ Failed to schedule tick job: %v", err)
	}

	scheduler.Start()
	log.Printf("⏱️  Polling every %s (threshold: %d, dry run: %v)", interval, *threshold, *dryRun)

	<-ctx.Done()
	log.Println("🛑 Shutting down...")
	if err := scheduler.Shutdown(); err != nil {
		log.Printf("⚠️  Scheduler shutdown error: %v", err)
	}
	log.Println("👋 Goodbye")
}
