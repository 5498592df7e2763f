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

// gapMinAge keeps the sweeper off battles the crawler may still be racing:
// a battle younger than this is the crawler's responsibility.
const gapMinAge = 10 * time.Minute

// SweepOptions tunes the gap-recovery sweeper.
type SweepOptions struct {
	Interval     time.Duration // rolling sweep period
	RollingPages int
	DeepPages    int
	DeepMaxAge   time.Duration
	DeepSleep    time.Duration // pause between deep pages, spares the upstream
	MinPlayers   int
}

// Sweeper repairs battles the sliding-window crawler missed. The rolling
// sweep runs every few minutes over a handful of pages; the deep sweep runs
// nightly and walks back up to DeepMaxAge.
type Sweeper struct {
	api         *albion.Client
	db          *storage.DB
	killsQueue  *queue.Queue
	notifyQueue *queue.Queue
	opts        SweepOptions
	logger      *slog.Logger

	rollingBusy atomic.Bool
	deepBusy    atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}

	recovered metric.Int64Counter
}

// NewSweeper creates a gap-recovery sweeper.
func NewSweeper(api *albion.Client, db *storage.DB, killsQueue, notifyQueue *queue.Queue, opts SweepOptions, logger *slog.Logger) *Sweeper {
	s := &Sweeper{
		api:         api,
		db:          db,
		killsQueue:  killsQueue,
		notifyQueue: notifyQueue,
		opts:        opts,
		logger:      logger,
	}
	meter := telemetry.Meter("warboard.crawler")
	s.recovered, _ = meter.Int64Counter("warboard.crawler.battles_recovered",
		metric.WithDescription("Missing battles found and ingested by gap recovery"))
	return s
}

// Start launches the rolling sweep loop. The deep sweep is scheduled by the
// caller (cron entry) through RunDeep.
func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.RunRolling(runCtx); err != nil && runCtx.Err() == nil {
					s.logger.Error("gaps: rolling sweep failed", "error", err)
				}
			}
		}
	}()
	s.logger.Info("gaps: sweeper started",
		"interval", s.opts.Interval, "rolling_pages", s.opts.RollingPages)
}

// Stop halts the rolling loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// RunRolling scans the first few pages for battles missing from storage.
func (s *Sweeper) RunRolling(ctx context.Context) error {
	if !s.rollingBusy.CompareAndSwap(false, true) {
		return nil
	}
	defer s.rollingBusy.Store(false)

	recovered := 0
	for page := 0; page < s.opts.RollingPages; page++ {
		battles, err := s.api.ListBattles(ctx, page, s.opts.MinPlayers)
		if err != nil {
			return fmt.Errorf("gaps: list page %d: %w", page, err)
		}
		if len(battles) == 0 {
			break
		}

		candidates := s.oldEnough(battles)
		if len(candidates) == 0 {
			continue
		}

		exists, err := s.db.BattlesExist(ctx, battleIDs(candidates))
		if err != nil {
			return fmt.Errorf("gaps: %w", err)
		}
		for _, b := range candidates {
			if exists[b.AlbionID] {
				continue
			}
			if err := s.recover(ctx, b); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("gaps: recover battle failed",
					"albion_id", b.AlbionID, "error", err)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		s.recovered.Add(ctx, int64(recovered))
		s.logger.Info("gaps: rolling sweep recovered battles", "recovered", recovered)
	}
	return nil
}

// RunDeep is the nightly reconciliation: it walks pages back to DeepMaxAge,
// recovering missing battles and re-notifying for battles whose rating work
// never reached a terminal state. It never re-enqueues kills work for an
// existing battle, which could double-apply ratings.
func (s *Sweeper) RunDeep(ctx context.Context) error {
	if !s.deepBusy.CompareAndSwap(false, true) {
		s.logger.Warn("gaps: deep sweep already running, skipping")
		return nil
	}
	defer s.deepBusy.Store(false)

	cutoff := time.Now().UTC().Add(-s.opts.DeepMaxAge)
	var recovered, renotified int

	for page := 0; page < s.opts.DeepPages; page++ {
		battles, err := s.api.ListBattles(ctx, page, s.opts.MinPlayers)
		if err != nil {
			return fmt.Errorf("gaps: deep list page %d: %w", page, err)
		}
		if len(battles) == 0 {
			break
		}

		candidates := s.oldEnough(battles)
		if len(candidates) > 0 {
			r, n, err := s.reconcilePage(ctx, candidates)
			if err != nil {
				return err
			}
			recovered += r
			renotified += n
		}

		// Stop once the whole page predates the reconciliation horizon.
		oldest := battles[0].StartedAt
		for _, b := range battles[1:] {
			if b.StartedAt.Before(oldest) {
				oldest = b.StartedAt
			}
		}
		if oldest.Before(cutoff) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.DeepSleep):
		}
	}

	s.recovered.Add(ctx, int64(recovered))
	s.logger.Info("gaps: deep sweep complete",
		"recovered", recovered, "renotified", renotified)
	return nil
}

// reconcilePage handles one deep-sweep page: existence and rating-job state
// are resolved in one batched pair of queries.
func (s *Sweeper) reconcilePage(ctx context.Context, battles []model.Battle) (recovered, renotified int, err error) {
	ids := battleIDs(battles)
	exists, err := s.db.BattlesExist(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("gaps: %w", err)
	}
	terminal, err := s.db.MmrJobsTerminal(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("gaps: %w", err)
	}

	for _, b := range battles {
		switch {
		case !exists[b.AlbionID]:
			if rErr := s.recover(ctx, b); rErr != nil {
				if ctx.Err() != nil {
					return recovered, renotified, ctx.Err()
				}
				s.logger.Error("gaps: recover battle failed",
					"albion_id", b.AlbionID, "error", rErr)
				continue
			}
			recovered++
		case !terminal[b.AlbionID]:
			// Battle exists but rating never finished: poke the collaborator
			// without restarting the kills pipeline.
			if nErr := EnqueueBattleNotify(ctx, s.notifyQueue, b); nErr != nil {
				s.logger.Error("gaps: re-notify failed",
					"albion_id", b.AlbionID, "error", nErr)
				continue
			}
			renotified++
		}
	}
	return recovered, renotified, nil
}

// recover ingests one missing battle, preferring the detail endpoint for its
// richer alliance/guild JSON, and kicks off the kills pipeline.
func (s *Sweeper) recover(ctx context.Context, b model.Battle) error {
	if detail, err := s.api.BattleDetail(ctx, b.AlbionID); err == nil {
		b = *detail
	} else if !albion.IsNotFound(err) {
		s.logger.Warn("gaps: battle detail unavailable, using summary",
			"albion_id", b.AlbionID, "error", err)
	}

	b.IngestedAt = time.Now().UTC()
	if _, _, err := s.db.UpsertBattle(ctx, b); err != nil {
		return err
	}
	if err := EnqueueKillsFetch(ctx, s.killsQueue, b.AlbionID); err != nil {
		return err
	}
	if err := EnqueueBattleNotify(ctx, s.notifyQueue, b); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return err
	}
	s.logger.Info("gaps: recovered missing battle",
		"albion_id", b.AlbionID, "started_at", b.StartedAt)
	return nil
}

func (s *Sweeper) oldEnough(battles []model.Battle) []model.Battle {
	cutoff := time.Now().UTC().Add(-gapMinAge)
	var out []model.Battle
	for _, b := range battles {
		if b.StartedAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

func battleIDs(battles []model.Battle) []uint64 {
	ids := make([]uint64, len(battles))
	for i, b := range battles {
		ids[i] = b.AlbionID
	}
	return ids
}
