// Package crawler discovers battles through the paginated upstream list
// endpoint and keeps the ingestion watermark moving.
//
// The crawler is a sliding window: each tick walks pages newest-first,
// upserts what it finds, and stops as soon as a whole page is older than the
// soft cutoff. Late-arriving battles inside the lookback window are caught on
// the next tick; anything older is the gap sweeper's job.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/openalbion/warboard/internal/albion"
	"github.com/openalbion/warboard/internal/model"
	"github.com/openalbion/warboard/internal/queue"
	"github.com/openalbion/warboard/internal/storage"
	"github.com/openalbion/warboard/internal/telemetry"
)

// slowdownDuration is how long one rate-limit slowdown episode lasts.
const slowdownDuration = 120 * time.Second

// Options tunes the crawl loop.
type Options struct {
	Interval          time.Duration
	MaxPages          int
	SoftLookback      time.Duration
	MinPlayers        int
	DebounceKills     time.Duration
	RecheckDoneBattle time.Duration
}

// Crawler is the sliding-window battle producer.
type Crawler struct {
	api         *albion.Client
	db          *storage.DB
	killsQueue  *queue.Queue
	notifyQueue *queue.Queue
	opts        Options
	logger      *slog.Logger

	running       atomic.Bool // single-flight: skip a tick if one is still going
	slowdownUntil atomic.Int64
	cancel        context.CancelFunc
	done          chan struct{}

	battlesSeen    metric.Int64Counter
	battlesCreated metric.Int64Counter
	slowdowns      metric.Int64Counter
}

// New creates a crawler.
func New(api *albion.Client, db *storage.DB, killsQueue, notifyQueue *queue.Queue, opts Options, logger *slog.Logger) *Crawler {
	c := &Crawler{
		api:         api,
		db:          db,
		killsQueue:  killsQueue,
		notifyQueue: notifyQueue,
		opts:        opts,
		logger:      logger,
	}
	meter := telemetry.Meter("warboard.crawler")
	c.battlesSeen, _ = meter.Int64Counter("warboard.crawler.battles_seen",
		metric.WithDescription("Battles returned by the list endpoint"))
	c.battlesCreated, _ = meter.Int64Counter("warboard.crawler.battles_created",
		metric.WithDescription("Battles inserted for the first time"))
	c.slowdowns, _ = meter.Int64Counter("warboard.crawler.slowdowns",
		metric.WithDescription("Rate-limit slowdown episodes entered"))
	return c
}

// Start launches the periodic crawl loop.
func (c *Crawler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()

		// First crawl immediately rather than one interval in.
		c.tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.tick(runCtx)
			}
		}
	}()
	c.logger.Info("crawler: started", "interval", c.opts.Interval, "max_pages", c.opts.MaxPages)
}

// Stop halts the loop and waits for an in-flight crawl to finish.
func (c *Crawler) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Crawler) tick(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Warn("crawler: previous crawl still running, skipping tick")
		return
	}
	defer c.running.Store(false)

	if !c.waitForSlowdown(ctx) {
		return
	}
	if err := c.CrawlOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("crawler: crawl failed", "error", err)
	}
}

// waitForSlowdown enters or serves out a slowdown episode when the upstream
// has been rate limiting. Returns false when ctx ended during the wait.
func (c *Crawler) waitForSlowdown(ctx context.Context) bool {
	now := time.Now()
	until := time.Unix(0, c.slowdownUntil.Load())

	if now.After(until) && c.api.Observer().ShouldSlowDown() {
		until = now.Add(slowdownDuration)
		c.slowdownUntil.Store(until.UnixNano())
		c.slowdowns.Add(ctx, 1)
		stats := c.api.Observer().Stats()
		c.logger.Warn("crawler: entering rate-limit slowdown",
			"duration", slowdownDuration,
			"limited_ratio", stats.Ratio,
			"limited", stats.Limited,
			"window", stats.Total)
	}

	if wait := time.Until(until); wait > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
	return true
}

// CrawlOnce performs one full sliding-window pass.
func (c *Crawler) CrawlOnce(ctx context.Context) error {
	now := time.Now().UTC()
	softCutoff := now.Add(-c.opts.SoftLookback)

	var (
		maxStartedSeen time.Time
		seen, created  int
	)

pages:
	for page := 0; page < c.opts.MaxPages; page++ {
		battles, err := c.api.ListBattles(ctx, page, c.opts.MinPlayers)
		if err != nil {
			return fmt.Errorf("crawler: list page %d: %w", page, err)
		}
		if len(battles) == 0 {
			break
		}

		pageHasRecent := false
		for _, b := range battles {
			seen++
			if b.StartedAt.After(maxStartedSeen) {
				maxStartedSeen = b.StartedAt
			}
			if !b.StartedAt.Before(softCutoff) {
				pageHasRecent = true
			}

			wasCreated, err := c.ingest(ctx, b, now)
			if err != nil {
				if ctx.Err() != nil {
					break pages
				}
				c.logger.Error("crawler: ingest battle failed",
					"albion_id", b.AlbionID, "error", err)
				continue
			}
			if wasCreated {
				created++
			}
		}

		// A page entirely older than the cutoff means deeper pages are too.
		if !pageHasRecent {
			break
		}
	}

	c.battlesSeen.Add(ctx, int64(seen))
	c.battlesCreated.Add(ctx, int64(created))

	if !maxStartedSeen.IsZero() {
		watermark := maxStartedSeen
		if cutoff := now.Add(-c.opts.SoftLookback); watermark.After(cutoff) {
			watermark = cutoff
		}
		if err := c.db.AdvanceWatermark(ctx, watermark); err != nil {
			return fmt.Errorf("crawler: %w", err)
		}
	}

	c.logger.Info("crawler: crawl complete",
		"seen", seen, "created", created, "max_started_at", maxStartedSeen)
	return nil
}

// ingest upserts one battle and applies the enqueue policies.
func (c *Crawler) ingest(ctx context.Context, b model.Battle, now time.Time) (bool, error) {
	b.IngestedAt = now
	created, killsFetchedAt, err := c.db.UpsertBattle(ctx, b)
	if err != nil {
		return false, err
	}

	if c.shouldEnqueueKills(b.StartedAt, killsFetchedAt, now) {
		if err := EnqueueKillsFetch(ctx, c.killsQueue, b.AlbionID); err != nil {
			c.logger.Error("crawler: enqueue kills-fetch failed",
				"albion_id", b.AlbionID, "error", err)
		}
	}

	if created {
		if err := EnqueueBattleNotify(ctx, c.notifyQueue, b); err != nil {
			c.logger.Error("crawler: enqueue notification failed",
				"albion_id", b.AlbionID, "error", err)
		}
	}
	return created, nil
}

// shouldEnqueueKills implements the per-battle kills-fetch policy: always
// fetch unseen battles, stop rechecking old ones, and debounce rechecks of
// ongoing fights.
func (c *Crawler) shouldEnqueueKills(startedAt time.Time, killsFetchedAt *time.Time, now time.Time) bool {
	if killsFetchedAt == nil {
		return true
	}
	if now.Sub(startedAt) >= c.opts.RecheckDoneBattle {
		return false
	}
	return now.Sub(*killsFetchedAt) >= c.opts.DebounceKills
}

// EnqueueKillsFetch queues a kill fetch for a battle. The deterministic job
// id makes concurrent producers (crawler, gap sweeper) collapse into one job.
func EnqueueKillsFetch(ctx context.Context, q *queue.Queue, albionID uint64) error {
	_, err := q.Enqueue(ctx, model.KillsFetchPayload{AlbionID: albionID}, queue.EnqueueOptions{
		JobID:            fmt.Sprintf("battle-%d", albionID),
		Attempts:         5,
		BackoffBase:      5 * time.Second,
		RemoveOnComplete: queue.KeepPolicy{Count: 50},
		RemoveOnFail:     queue.KeepPolicy{Count: 25},
	})
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	return err
}

// EnqueueBattleNotify queues a notification for the webhook collaborator.
func EnqueueBattleNotify(ctx context.Context, q *queue.Queue, b model.Battle) error {
	_, err := q.Enqueue(ctx, model.BattleNotifyPayload{
		AlbionID:     b.AlbionID,
		TotalPlayers: b.TotalPlayers,
		TotalFame:    b.TotalFame,
	}, queue.EnqueueOptions{
		JobID:            fmt.Sprintf("notify-%d", b.AlbionID),
		Attempts:         3,
		BackoffBase:      10 * time.Second,
		RemoveOnComplete: queue.KeepPolicy{Count: 50},
		RemoveOnFail:     queue.KeepPolicy{Count: 25},
	})
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	return err
}
