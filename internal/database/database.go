package database

import (
	"database/sql"
	"fmt"
	"log"
	"net/url"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New opens (or creates) the forge sqlite database at path.
// WAL mode gives the single-writer-many-reader discipline the store
// relies on: readers always see a consistent snapshot while the trainer
// or the collectors are writing.
func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"foreign_keys(1)",
			"synchronous(NORMAL)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows one writer at a time; keeping a small pool avoids
	// SQLITE_BUSY churn under concurrent collector writes
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("✅ [DB] sqlite database opened: %s", path)

	return &DB{db}, nil
}

// Initialize creates all required tables and indexes. Safe to call on
// every startup; statements are IF NOT EXISTS.
func (db *DB) Initialize() error {
	log.Println("🔍 [DB] Checking database schema...")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS training_pairs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			prompt_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			complexity REAL,
			routed_to TEXT NOT NULL,
			primary_length INTEGER NOT NULL DEFAULT 0,
			shadow_length INTEGER NOT NULL DEFAULT 0,
			primary_duration_ms INTEGER NOT NULL DEFAULT 0,
			shadow_duration_ms INTEGER NOT NULL DEFAULT 0,
			shadow_model TEXT NOT NULL DEFAULT '',
			has_code BOOLEAN NOT NULL DEFAULT 0,
			used_in_training BOOLEAN NOT NULL DEFAULT 0,
			training_version TEXT REFERENCES model_versions(version),
			task_type TEXT NOT NULL DEFAULT '',
			task_confidence REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_hash ON training_pairs(prompt_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_used ON training_pairs(used_in_training)`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_created ON training_pairs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_task_type ON training_pairs(task_type)`,

		`CREATE TABLE IF NOT EXISTS comparisons (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			prompt TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			routed_to TEXT NOT NULL,
			primary_response TEXT NOT NULL,
			shadow_response TEXT NOT NULL,
			primary_model TEXT NOT NULL DEFAULT '',
			shadow_model TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comparisons_task_type ON comparisons(task_type)`,

		`CREATE TABLE IF NOT EXISTS model_versions (
			version TEXT PRIMARY KEY,
			adapter_path TEXT NOT NULL DEFAULT '',
			fused_path TEXT NOT NULL DEFAULT '',
			gguf_path TEXT NOT NULL DEFAULT '',
			benchmark_score REAL,
			deployed BOOLEAN NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS training_runs (
			version TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			train_loss REAL,
			val_loss REAL,
			example_count INTEGER NOT NULL DEFAULT 0,
			iterations INTEGER NOT NULL DEFAULT 0,
			duration_seconds REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running'
				CHECK (status IN ('running', 'completed', 'failed')),
			error TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS evaluations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version TEXT NOT NULL REFERENCES model_versions(version),
			overall_score REAL NOT NULL DEFAULT 0,
			syntax_score REAL NOT NULL DEFAULT 0,
			test_pass_score REAL NOT NULL DEFAULT 0,
			similarity_score REAL NOT NULL DEFAULT 0,
			completeness_score REAL NOT NULL DEFAULT 0,
			task_count INTEGER NOT NULL DEFAULT 0,
			details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_version ON evaluations(version)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	log.Println("✅ [DB] Database initialized successfully")
	return nil
}
