package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for cluster memory accounting.
var (
	accountingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_memory_accounting_errors_total",
		Help: "Total failed cluster memory accounting updates",
	})
)

const (
	// updateTimeout bounds a single accounting write so a slow Redis cannot
	// stall the exchange client's callbacks.
	updateTimeout = 1 * time.Second

	// keyTTL expires stale accounting keys after a task dies without
	// reporting its buffer back down to zero.
	keyTTL = 5 * time.Minute
)

// ClusterListener publishes per-task buffered-byte usage to Redis so a
// cluster-wide accountant can sum exchange memory across nodes. Deltas are
// applied with INCRBY, which keeps concurrent updates from multiple clients
// of the same task additive.
type ClusterListener struct {
	redis  *redis.Client
	taskID string
	logger zerolog.Logger
}

// NewClusterListener creates a Redis-backed usage listener for one task.
func NewClusterListener(redisClient *redis.Client, taskID string) *ClusterListener {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}

	return &ClusterListener{
		redis:  redisClient,
		taskID: taskID,
		logger: log.With().Str("component", "memory-accountant").Str("task_id", taskID).Logger(),
	}
}

// Key returns the Redis key this listener writes to.
func (l *ClusterListener) Key() string {
	return fmt.Sprintf("exchange:memory:%s", l.taskID)
}

// UpdateMemoryUsage implements UsageListener. Failures are logged and
// dropped; accounting never interferes with the read path.
func (l *ClusterListener) UpdateMemoryUsage(deltaBytes, totalBytes int64) {
	if deltaBytes == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	key := l.Key()
	if err := l.redis.IncrBy(ctx, key, deltaBytes).Err(); err != nil {
		accountingErrorsTotal.Inc()
		l.logger.Warn().
			Err(err).
			Int64("delta_bytes", deltaBytes).
			Msg("Cluster memory accounting update failed")
		return
	}

	if err := l.redis.Expire(ctx, key, keyTTL).Err(); err != nil {
		l.logger.Debug().Err(err).Msg("Failed to refresh accounting key TTL")
	}

	l.logger.Debug().
		Int64("delta_bytes", deltaBytes).
		Int64("total_bytes", totalBytes).
		Msg("Reported buffered bytes")
}
