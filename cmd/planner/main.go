// cmd/planner is the HTTP-facing process: it exposes the trigger, status,
// failed-queue, and validation endpoints and owns the Job Planner. It does
// not consume work queues itself — that's cmd/worker.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/dhis2pipeline/migrate/internal/api"
	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/config"
	"github.com/dhis2pipeline/migrate/internal/dhis2"
	"github.com/dhis2pipeline/migrate/internal/planner"
	"github.com/dhis2pipeline/migrate/internal/queue"
	"github.com/dhis2pipeline/migrate/internal/sweeper"
	"github.com/dhis2pipeline/migrate/internal/validation"
)

func main() {
	store := newConfigStore()

	dhis2.SourceTimeout = getEnvDurationMillis("SOURCE_TIMEOUT_MS", 0)
	dhis2.DestTimeout = getEnvDurationMillis("DEST_TIMEOUT_MS", 0)

	natsURL := firstEnv("nats://localhost:4222", "BROKER_URI", "NATS_URL")
	b := broker.New(natsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := b.Connect(ctx, 10, 3*time.Second); err != nil {
		cancel()
		log.Fatalf("Failed to connect to NATS at %s: %v", natsURL, err)
	}
	cancel()
	defer b.Close()
	log.Printf("Successfully connected to NATS at %s", natsURL)

	queueMgr := queue.New(b, store)
	jobPlanner := planner.New(store, b)

	sessionTTL := getEnvDuration("VALIDATION_SESSION_TTL", 30*time.Minute)
	sessions := validation.NewSessionStore(sessionTTL)
	validationEngine := validation.New(store, sessions)

	scratchDir := getEnv("SCRATCH_DIR", "outputs")
	janitor := sweeper.New(sweeper.DefaultConfig(scratchDir), sessions)
	if err := janitor.Start(); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}
	defer janitor.Stop()

	version := getEnv("VERSION", "dev")
	migrateAPI := api.New(jobPlanner, queueMgr, b, validationEngine, sessions, version)

	router := gin.Default()
	migrateAPI.RegisterRoutes(router)

	serverPort := firstEnv("8090", "DATA_SERVICE_PORT", "PORT")
	srv := &http.Server{Addr: ":" + serverPort, Handler: router}

	go func() {
		log.Printf("Starting Planner API on port %s", serverPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start Planner API: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received, draining...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Planner API shutdown error: %v", err)
	}
}

func newConfigStore() config.Store {
	switch getEnv("CONFIG_STORE", "postgres") {
	case "yaml":
		path := getEnv("CONFIG_YAML_PATH", "configs.yaml")
		store, err := config.LoadYAMLStore(path)
		if err != nil {
			log.Fatalf("Failed to load YAML config store from %s: %v", path, err)
		}
		return store
	default:
		dbHost := getEnv("DB_HOST", "localhost")
		dbPort := getEnv("DB_PORT", "5432")
		dbUser := getEnv("DB_USER", "migrate")
		dbPassword := getEnv("DB_PASSWORD", "migrate")
		dbName := getEnv("DB_NAME", "migrate")
		dbSSLMode := getEnv("DB_SSLMODE", "disable")

		connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			dbHost, dbPort, dbUser, dbPassword, dbName, dbSSLMode)

		db, err := sql.Open("postgres", connStr)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to ping PostgreSQL: %v", err)
		}
		log.Println("Successfully connected to the configuration database.")
		return config.NewPostgresStore(db)
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using fallback: %s", key, fallback)
	return fallback
}

// firstEnv returns the value of the first set variable among keys, or
// fallback if none are set. Used for variables that were renamed, so
// older deployment names keep working.
func firstEnv(fallback string, keys ...string) string {
	for _, key := range keys {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
	}
	log.Printf("None of %v set, using fallback: %s", keys, fallback)
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Environment variable %s=%q is not an integer number of seconds, using fallback: %s", key, raw, fallback)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// getEnvDurationMillis parses key as an integer number of milliseconds,
// used for the *_TIMEOUT_MS variables. fallback 0 means "no override".
func getEnvDurationMillis(key string, fallback time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	millis, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Environment variable %s=%q is not an integer number of milliseconds, using fallback: %s", key, raw, fallback)
		return fallback
	}
	return time.Duration(millis) * time.Millisecond
}
