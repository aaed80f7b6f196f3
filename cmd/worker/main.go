// cmd/worker is the consumer-facing process: it binds the Worker Runtime's
// per-configId consumers to the five process handlers and runs the scratch
// file janitor. It carries no HTTP surface of its own.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/config"
	"github.com/dhis2pipeline/migrate/internal/dhis2"
	"github.com/dhis2pipeline/migrate/internal/handlers"
	"github.com/dhis2pipeline/migrate/internal/jobs"
	"github.com/dhis2pipeline/migrate/internal/queue"
	"github.com/dhis2pipeline/migrate/internal/scratch"
	"github.com/dhis2pipeline/migrate/internal/sweeper"
	"github.com/dhis2pipeline/migrate/internal/worker"
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

	scratchDir := getEnv("SCRATCH_DIR", "outputs")
	scratchStore := scratch.New(scratchDir)
	processHandlers := handlers.New(store, scratchStore, b)

	prefetch := getEnvInt("BROKER_PREFETCH_COUNT", broker.DefaultPrefetch)
	runtime := worker.New(b, store, queueMgr, map[jobs.Kind]worker.Handler{
		jobs.KindMetadataDownload: processHandlers.MetadataDownload,
		jobs.KindMetadataUpload:   processHandlers.MetadataUpload,
		jobs.KindDataDownload:     processHandlers.DataDownload,
		jobs.KindDataUpload:       processHandlers.DataUpload,
		jobs.KindDataDeletion:     processHandlers.DataUpload,
	}, prefetch)
	if err := runtime.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start worker runtime: %v", err)
	}
	log.Println("Worker Runtime started and consuming messages.")

	janitor := sweeper.New(sweeper.DefaultConfig(scratchDir), nil)
	if err := janitor.Start(); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}
	defer janitor.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received, exiting...")
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

func getEnvInt(key string, fallback int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Environment variable %s=%q is not an integer, using fallback: %d", key, raw, fallback)
		return fallback
	}
	return n
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
