// Command presence-cleanup removes presence entries left in Redis by gateway instances that
// stopped without deregistering, e.g. after a crash or an OOM kill.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/adapter/redis"
	"github.com/amora/realtime/internal/platform/logging"
	"github.com/jonboulle/clockwork"
)

func main() {
	var (
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		maxAge   = flag.Duration("max-age", 45*time.Second, "Heartbeat age after which an instance counts as dead")
		dryRun   = flag.Bool("dry-run", false, "Dry run mode (don't write to Redis)")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m := metrics.NewStoreMetrics(metrics.NewRegistry())
	rdb, err := redis.NewClient(ctx, *redisURL, m)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(*redisURL))

	start := time.Now()
	store := redis.NewPresenceStore(rdb, *maxAge, clockwork.NewRealClock())
	report, err := store.PurgeStale(ctx, *dryRun)
	if err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}

	for _, id := range report.Purged {
		slog.Debug("Stale instance", "instance_id", id, "removed", !*dryRun)
	}
	slog.Info("Cleanup summary",
		"dry_run", *dryRun,
		"scanned_sets", report.Scanned,
		"live_instances", report.Live,
		"purged", len(report.Purged),
		"duration_ms", time.Since(start).Milliseconds())
}

func sanitizeURL(url string) string {
	// Hide password in Redis URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":" + credParts[1] + ":***@" + parts[1]
			}
		}
	}
	return url
}
