// Command exchange-drain pulls every page from a set of remote page sources
// and prints totals. Useful for smoke-testing worker output endpoints and
// for sizing buffer budgets.
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/Sternrassler/exchange-client/pkg/exchange"
	"github.com/Sternrassler/exchange-client/pkg/logging"
	"github.com/Sternrassler/exchange-client/pkg/memory"
	"github.com/redis/go-redis/v9"
)

func main() {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: true,
		Output: os.Stderr,
	})

	// Configuration from environment
	locations := splitLocations(getEnv("EXCHANGE_LOCATIONS", ""))
	if len(locations) == 0 {
		log.Fatal("EXCHANGE_LOCATIONS must list at least one remote page source URL")
	}

	cfg := exchange.DefaultConfig()
	if v, ok := envBytes("EXCHANGE_MAX_BUFFERED_BYTES"); ok {
		cfg.MaxBufferedBytes = v
	}
	if v, ok := envBytes("EXCHANGE_MAX_RESPONSE_SIZE"); ok {
		cfg.MaxResponseSize = v
	}

	factory, err := exchange.NewFactory(cfg)
	if err != nil {
		log.Fatalf("Failed to create exchange factory: %v", err)
	}
	defer factory.Stop()

	// Optional cluster-wide memory accounting via Redis
	var listener memory.UsageListener
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		defer redisClient.Close()

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		taskID := getEnv("EXCHANGE_TASK_ID", "exchange-drain")
		listener = memory.NewClusterListener(redisClient, taskID)
		log.Printf("Reporting memory usage to Redis at %s (task %s)", redisURL, taskID)
	}

	client := factory.NewClient(listener)
	defer client.Close()

	for _, location := range locations {
		if err := client.AddLocation(location); err != nil {
			log.Fatalf("Failed to add location %s: %v", location, err)
		}
	}
	client.NoMoreLocations()

	log.Printf("Draining %d locations (buffer budget %d bytes)", len(locations), cfg.MaxBufferedBytes)

	var pages, bytes int64
	for !client.IsFinished() {
		page, err := client.Poll()
		if err != nil {
			log.Fatalf("Exchange failed: %v", err)
		}
		if page == nil {
			<-client.Ready()
			continue
		}
		pages++
		bytes += page.Size()
	}

	log.Printf("Drained %d pages (%d bytes) from %d locations", pages, bytes, len(locations))

	for _, stats := range client.SourceStats() {
		log.Printf("  %s: %d pages over %d requests (%d failed)",
			stats.Location, stats.PagesReceived, stats.RequestsCompleted, stats.RequestsFailed)
	}

	executorStats := factory.ExecutorStats()
	log.Printf("Callback pool: %d completed, %d still queued", executorStats.CompletedCount, executorStats.QueuedCount)
}

// splitLocations parses a comma-separated location list, skipping blanks.
func splitLocations(raw string) []string {
	var locations []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			locations = append(locations, trimmed)
		}
	}
	return locations
}

// getEnv returns the environment variable value or a fallback.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envBytes reads a positive byte count from the environment.
func envBytes(key string) (int64, bool) {
	raw := getEnv(key, "")
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		log.Fatalf("%s must be a positive byte count, got %q", key, raw)
	}
	return v, true
}
