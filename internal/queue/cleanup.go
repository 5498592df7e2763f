package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openalbion/warboard/internal/telemetry"
)

// Retention tiers. The more jobs Redis is tracking, the more aggressively
// finished jobs are dropped.
const (
	tierComprehensiveAge = time.Minute
	tierAggressiveAge    = 10 * time.Minute
	tierNormalAge        = 30 * time.Minute

	tierComprehensiveThreshold = 1000
	tierAggressiveThreshold    = 500
	tierNormalThreshold        = 100

	highFreqThreshold = 200

	keyAlarmSoft   = 500
	keyAlarmForced = 1000
)

// Cleaner keeps the queues' Redis footprint bounded. It runs two loops: a
// main loop applying tiered retention plus a periodic orphan-key sweep, and
// a high-frequency loop that kicks in when queues run hot.
type Cleaner struct {
	rdb    *redis.Client
	queues []*Queue
	logger *slog.Logger

	interval         time.Duration
	highFreqInterval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	jobsRemoved metric.Int64Counter
	trackedKeys metric.Int64Gauge
}

// NewCleaner builds a cleanup supervisor over the registered queues. Only
// keys belonging to registered queues survive the orphan sweep.
func NewCleaner(rdb *redis.Client, queues []*Queue, interval, highFreqInterval time.Duration, logger *slog.Logger) *Cleaner {
	c := &Cleaner{
		rdb:              rdb,
		queues:           queues,
		logger:           logger,
		interval:         interval,
		highFreqInterval: highFreqInterval,
	}
	meter := telemetry.Meter("warboard.queue")
	c.jobsRemoved, _ = meter.Int64Counter("warboard.queue.cleanup_removed",
		metric.WithDescription("Finished jobs removed by cleanup, by tier"))
	c.trackedKeys, _ = meter.Int64Gauge("warboard.queue.tracked_keys",
		metric.WithDescription("Number of wq:* keys in Redis"))
	return c
}

// Start launches the cleanup loops.
func (c *Cleaner) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		mainTicker := time.NewTicker(c.interval)
		defer mainTicker.Stop()
		highFreqTicker := time.NewTicker(c.highFreqInterval)
		defer highFreqTicker.Stop()

		tick := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-mainTicker.C:
				tick++
				c.runTiered(runCtx, tick%2 == 0)
			case <-highFreqTicker.C:
				c.runHighFreq(runCtx)
			}
		}
	}()
	c.logger.Info("queue: cleanup supervisor started",
		"interval", c.interval, "high_freq_interval", c.highFreqInterval)
}

// Stop halts the loops and waits for the current pass to finish.
func (c *Cleaner) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	<-c.done
}

// runTiered picks a retention age from the total tracked job count and trims
// every queue. Every second pass also sweeps orphaned keys and checks the
// key-count alarm.
func (c *Cleaner) runTiered(ctx context.Context, sweepOrphans bool) {
	total := c.totalJobs(ctx)

	var (
		age  time.Duration
		tier string
	)
	switch {
	case total > tierComprehensiveThreshold:
		age, tier = tierComprehensiveAge, "comprehensive"
	case total > tierAggressiveThreshold:
		age, tier = tierAggressiveAge, "aggressive"
	case total > tierNormalThreshold:
		age, tier = tierNormalAge, "normal"
	default:
		tier = "skip"
	}

	if tier != "skip" {
		removed := c.trimAll(ctx, age)
		c.jobsRemoved.Add(ctx, removed, metric.WithAttributes(attribute.String("tier", tier)))
		if removed > 0 {
			c.logger.Info("queue: cleanup pass",
				"tier", tier, "total_jobs", total, "removed", removed)
		}
	}

	if sweepOrphans {
		c.sweepOrphans(ctx)
		c.checkKeyAlarm(ctx)
	}
}

// runHighFreq applies normal-tier retention between main passes when the
// tracked job count runs hot.
func (c *Cleaner) runHighFreq(ctx context.Context) {
	total := c.totalJobs(ctx)
	if total <= highFreqThreshold {
		return
	}
	removed := c.trimAll(ctx, tierNormalAge)
	c.jobsRemoved.Add(ctx, removed, metric.WithAttributes(attribute.String("tier", "high_freq")))
	if removed > 0 {
		c.logger.Debug("queue: high-frequency cleanup", "total_jobs", total, "removed", removed)
	}
}

func (c *Cleaner) totalJobs(ctx context.Context) int64 {
	var total int64
	for _, q := range c.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("queue: cleanup counts failed", "queue", q.Name(), "error", err)
			}
			continue
		}
		total += counts.Total()
	}
	return total
}

func (c *Cleaner) trimAll(ctx context.Context, age time.Duration) int64 {
	var removed int64
	for _, q := range c.queues {
		n, err := q.TrimFinished(ctx, age)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("queue: trim failed", "queue", q.Name(), "error", err)
		}
		removed += n
	}
	return removed
}

// sweepOrphans deletes wq:* keys that belong to no registered queue, e.g.
// leftovers from renamed or retired queues.
func (c *Cleaner) sweepOrphans(ctx context.Context) {
	known := make(map[string]bool, len(c.queues))
	for _, q := range c.queues {
		known[q.Name()] = true
	}

	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("queue: orphan scan failed", "error", err)
			}
			return
		}
		for _, key := range keys {
			rest := strings.TrimPrefix(key, keyPrefix)
			name, _, ok := strings.Cut(rest, ":")
			if !ok || known[name] {
				continue
			}
			if err := c.rdb.Del(ctx, key).Err(); err == nil {
				deleted++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if deleted > 0 {
		c.logger.Warn("queue: removed orphaned keys", "deleted", deleted)
	}
}

// checkKeyAlarm counts wq:* keys. Past the soft limit it logs a warning;
// past the hard limit it forces a comprehensive trim regardless of tier.
func (c *Cleaner) checkKeyAlarm(ctx context.Context) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.trackedKeys.Record(ctx, total)

	switch {
	case total > keyAlarmForced:
		c.logger.Error("queue: key count past hard limit, forcing comprehensive cleanup",
			"tracked_keys", total)
		removed := c.trimAll(ctx, tierComprehensiveAge)
		c.jobsRemoved.Add(ctx, removed, metric.WithAttributes(attribute.String("tier", "forced")))
	case total > keyAlarmSoft:
		c.logger.Warn("queue: key count past soft limit", "tracked_keys", total)
	}
}
