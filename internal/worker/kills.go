// Package worker holds the queue consumers: the kills fetcher and the rating
// calculator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/openalbion/warboard/internal/albion"
	"github.com/openalbion/warboard/internal/mmr"
	"github.com/openalbion/warboard/internal/model"
	"github.com/openalbion/warboard/internal/queue"
	"github.com/openalbion/warboard/internal/storage"
	"github.com/openalbion/warboard/internal/telemetry"
)

// KillsWorker consumes kills-fetch jobs: it pulls the battle's kill stream,
// upserts the events, stamps the battle, and hands qualifying battles to the
// rating pipeline.
type KillsWorker struct {
	api      *albion.Client
	db       *storage.DB
	mmrQueue *queue.Queue
	logger   *slog.Logger

	eventsUpserted metric.Int64Counter
}

// NewKillsWorker creates the kills-fetch consumer.
func NewKillsWorker(api *albion.Client, db *storage.DB, mmrQueue *queue.Queue, logger *slog.Logger) *KillsWorker {
	w := &KillsWorker{api: api, db: db, mmrQueue: mmrQueue, logger: logger}
	meter := telemetry.Meter("warboard.worker")
	w.eventsUpserted, _ = meter.Int64Counter("warboard.worker.kill_events_upserted",
		metric.WithDescription("Kill events written by the kills worker"))
	return w
}

// Handle processes one kills-fetch job.
func (w *KillsWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload model.KillsFetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("kills: decode payload: %w", err)
	}

	events, err := w.api.BattleKills(ctx, payload.AlbionID)
	if err != nil {
		if albion.IsNotFound(err) {
			// The upstream has no kill stream for this battle (yet or ever).
			// Stamp it so the crawler's debounce takes over.
			w.logger.Warn("kills: no kill stream upstream", "albion_id", payload.AlbionID)
			return w.stamp(ctx, payload.AlbionID)
		}
		return fmt.Errorf("kills: fetch battle %d: %w", payload.AlbionID, err)
	}

	if len(events) > 0 {
		n, err := w.db.UpsertKillEvents(ctx, events)
		if err != nil {
			return fmt.Errorf("kills: %w", err)
		}
		w.eventsUpserted.Add(ctx, n)
	}

	if err := w.stamp(ctx, payload.AlbionID); err != nil {
		return err
	}

	w.enqueueRating(ctx, payload.AlbionID)

	w.logger.Info("kills: battle synced",
		"albion_id", payload.AlbionID, "events", len(events))
	return nil
}

func (w *KillsWorker) stamp(ctx context.Context, albionID uint64) error {
	err := w.db.StampKillsFetched(ctx, albionID, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		// Kill job outlived its battle row; nothing to stamp.
		w.logger.Warn("kills: battle row missing", "albion_id", albionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("kills: %w", err)
	}
	return nil
}

// enqueueRating hands the battle to the rating queue when it passes the
// admission gate. An enqueue failure never fails the kills job: the kill
// data is already durable and the gap sweeper re-notifies unfinished rating
// work nightly.
func (w *KillsWorker) enqueueRating(ctx context.Context, albionID uint64) {
	battle, err := w.db.GetBattle(ctx, albionID)
	if err != nil {
		w.logger.Error("kills: reload battle for rating gate failed",
			"albion_id", albionID, "error", err)
		return
	}
	if !mmr.ShouldCalculate(battle.TotalPlayers, battle.TotalFame) {
		return
	}

	jobID := fmt.Sprintf("mmr-%d-%d", albionID, time.Now().UnixMilli())
	_, err = w.mmrQueue.Enqueue(ctx, model.MmrCalcPayload{AlbionID: albionID}, queue.EnqueueOptions{
		JobID:            jobID,
		Attempts:         3,
		BackoffBase:      10 * time.Second,
		RemoveOnComplete: queue.KeepPolicy{Count: 50},
		RemoveOnFail:     queue.KeepPolicy{Count: 25},
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		w.logger.Error("kills: enqueue rating job failed",
			"albion_id", albionID, "error", err)
	}
}
