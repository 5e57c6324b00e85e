package main

import (
	"log"
	"os"
	"strconv"

	"github.com/rawblock/pattern-engine/internal/api"
	"github.com/rawblock/pattern-engine/internal/db"
	"github.com/rawblock/pattern-engine/internal/engine"
)

func main() {
	log.Println("Starting RawBlock Pattern Engine (Microservice: pattern-learner-sessions)...")

	// ─── Environment Configuration ──────────────────────────────────────
	// DATABASE_URL is optional: without it the server runs in memory-only
	// mode (sessions work, save/restore returns 503). Engine parameters
	// can be tuned via UNIVERSE_SIZE / MAX_GROUPS without a rebuild.
	// ────────────────────────────────────────────────────────────────────

	var dbConn *db.PostgresStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		conn, err := db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without snapshot persistence. Error: %v", err)
		} else {
			dbConn = conn
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	} else {
		log.Println("WARNING: DATABASE_URL not set — running in memory-only mode (no snapshot persistence)")
	}

	cfg := engine.DefaultConfig()
	if v := getEnvInt("UNIVERSE_SIZE", 0); v > 0 {
		cfg.Universe = v
	}
	if v := getEnvInt("MAX_GROUPS", 0); v > 0 {
		cfg.MaxGroups = v
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid engine configuration: %v", err)
	}

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	// Setup the Gin Router
	r := api.SetupRouter(dbConn, wsHub, cfg)

	port := getEnvOrDefault("PORT", "5341")

	log.Printf("Engine running on :%s (universe=%d, maxGroups=%d)\n", port, cfg.Universe, cfg.MaxGroups)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// getEnvInt parses an optional integer env var.
func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("Warning: ignoring non-integer %s=%q", key, val)
		return fallback
	}
	return n
}
