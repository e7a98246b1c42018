package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"forge/internal/activation"
	"forge/internal/audit"
	"forge/internal/classifier"
	"forge/internal/collector"
	"forge/internal/config"
	"forge/internal/database"
	"forge/internal/handlers"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/metrics"
	"forge/internal/middleware"
	"forge/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Forge Gateway...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s)", cfg.Port, cfg.DBPath)

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

	// Redis is optional: without it activation fan-out falls back to TTL
	// expiry and rate limiting to in-memory counters.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("⚠️  Redis unreachable, continuing without it: %v", err)
			rdb = nil
		} else {
			log.Println("✅ Redis connected")
			defer rdb.Close()
		}
	}

	domains, err := cfg.LoadDomains(cfg.DomainsFile)
	if err != nil {
		log.Fatalf("❌ Failed to load domains: %v", err)
	}
	log.Printf("🗂️  Serving %d domains (default: %s)", len(domains.Domains), domains.Default)

	serving := llm.NewClient(llm.Backend{
		Name:    "serving",
		BaseURL: cfg.ServingBaseURL,
		APIKey:  cfg.ServingAPIKey,
		Model:   cfg.ServingModel,
	}, 0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	versionCache := activation.NewCache(metricsStore, 30*time.Second)
	if rdb != nil {
		go versionCache.Subscribe(ctx, rdb)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("❌ Failed to create data dir: %v", err)
	}

	// Shadow collector is wired only when a shadow backend is configured
	var shadow *collector.ShadowCollector
	if cfg.ShadowBaseURL != "" {
		classify, err := classifier.New()
		if err != nil {
			log.Fatalf("❌ Failed to build classifier: %v", err)
		}
		pairLog, err := audit.NewDailyWriter(cfg.DataDir, "pairs")
		if err != nil {
			log.Fatalf("❌ Failed to open pair audit log: %v", err)
		}
		defer pairLog.Close()

		shadowClient := llm.NewClient(llm.Backend{
			Name:    "shadow",
			BaseURL: cfg.ShadowBaseURL,
			APIKey:  cfg.ShadowAPIKey,
			Model:   cfg.ShadowModel,
		}, cfg.ShadowTimeout)

		shadow = collector.New(metricsStore, classify, shadowClient, pairLog, collector.Options{
			MaxInflight: cfg.ShadowMaxInflight,
			Timeout:     cfg.ShadowTimeout,
			RequireCode: cfg.ShadowRequireCode,
			RatePerSec:  cfg.ShadowRatePerSec,
		})
		log.Printf("👥 Shadow collection enabled (model: %s, max inflight: %d)", cfg.ShadowModel, cfg.ShadowMaxInflight)
	} else {
		log.Println("⚠️  No SHADOW_BASE_URL set, shadow collection disabled")
	}

	requestLog, err := audit.NewDailyWriter(cfg.DataDir, "requests")
	if err != nil {
		log.Fatalf("❌ Failed to open request audit log: %v", err)
	}
	defer requestLog.Close()

	keySet, err := middleware.NewKeySet(strings.Join(cfg.APIKeys, ","), cfg.APIKeyFile)
	if err != nil {
		log.Fatalf("❌ Failed to load API keys: %v", err)
	}
	if err := keySet.WatchFile(); err != nil {
		log.Printf("⚠️  Key file watching disabled: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "Forge Gateway",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${latency} ${method} ${path}\n",
	}))

	prom := fiberprometheus.New("forge")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	healthHandler := handlers.NewHealthHandler(domains, !keySet.Open())
	chatHandler := handlers.NewChatHandler(serving, domains, shadow, requestLog)
	modelsHandler := handlers.NewModelsHandler(serving)
	forgeHandler := handlers.NewForgeHandler(metricsStore, versionCache, domains)

	app.Get("/health", healthHandler.Handle)
	// Public: registered before the /v1 group so its auth middleware
	// never runs for this route
	app.Get("/v1/domains", forgeHandler.Domains)

	v1 := app.Group("/v1", middleware.APIKeyAuth(keySet), middleware.RateLimit(rdb, cfg.RateLimitPerMin))
	v1.Post("/chat/completions", chatHandler.Handle)
	v1.Get("/models", modelsHandler.Handle)
	v1.Get("/forge/stats", forgeHandler.Stats)
	v1.Get("/forge/version", forgeHandler.Version)

	go func() {
		log.Printf("🌐 Listening on :%s", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("⚠️  Shutdown error: %v", err)
	}
	if shadow != nil {
		shadow.Wait()
	}
	log.Println("👋 Goodbye")
}
