package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openalbion/warboard/internal/albion"
	"github.com/openalbion/warboard/internal/mmr"
	"github.com/openalbion/warboard/internal/model"
	"github.com/openalbion/warboard/internal/queue"
	"github.com/openalbion/warboard/internal/season"
	"github.com/openalbion/warboard/internal/storage"
	"github.com/openalbion/warboard/internal/telemetry"
)

// placeholderPrefix marks guild ids minted locally because the upstream
// lookup failed. They are promoted to real ids once a later lookup succeeds.
const placeholderPrefix = "unresolved-"

// MmrWorker consumes mmr-calc jobs: it reconstructs the battle analysis from
// stored kill events, runs the rating engine, and persists the outcome under
// the (battle, season) idempotency guard.
type MmrWorker struct {
	api     *albion.Client
	db      *storage.DB
	seasons *season.Service
	logger  *slog.Logger

	battlesRated metric.Int64Counter
}

// NewMmrWorker creates the mmr-calc consumer.
func NewMmrWorker(api *albion.Client, db *storage.DB, seasons *season.Service, logger *slog.Logger) *MmrWorker {
	w := &MmrWorker{api: api, db: db, seasons: seasons, logger: logger}
	meter := telemetry.Meter("warboard.worker")
	w.battlesRated, _ = meter.Int64Counter("warboard.worker.battles_rated",
		metric.WithDescription("Battles processed by the rating worker, by outcome"))
	return w
}

// Handle processes one mmr-calc job. Battles that fail the admission gate or
// fall outside any season are acknowledged without creating a job row, so
// the guard table only tracks battles that actually touch ratings.
func (w *MmrWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload model.MmrCalcPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("mmr: decode payload: %w", err)
	}

	battle, err := w.db.GetBattle(ctx, payload.AlbionID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn("mmr: battle row missing", "albion_id", payload.AlbionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mmr: %w", err)
	}

	if !mmr.ShouldCalculate(battle.TotalPlayers, battle.TotalFame) {
		w.skip(ctx, "below_admission")
		return nil
	}

	seasonRow, err := w.seasons.SeasonAt(ctx, battle.StartedAt)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNoActiveSeason) {
		w.logger.Warn("mmr: no season covers battle",
			"albion_id", battle.AlbionID, "started_at", battle.StartedAt)
		w.skip(ctx, "no_season")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mmr: resolve season: %w", err)
	}

	events, err := w.db.KillEventsForBattle(ctx, battle.AlbionID)
	if err != nil {
		return fmt.Errorf("mmr: %w", err)
	}
	stats := buildGuildStats(events)
	if len(stats) == 0 {
		w.skip(ctx, "no_guilds")
		return nil
	}

	for i := range stats {
		stats[i].GuildID = w.resolveGuildID(ctx, stats[i].GuildName)
	}

	attempts, claimed, err := w.db.ClaimMmrJob(ctx, battle.AlbionID, seasonRow.ID)
	if err != nil {
		return fmt.Errorf("mmr: %w", err)
	}
	if !claimed {
		w.skip(ctx, "already_terminal")
		return nil
	}

	if err := w.rate(ctx, battle, seasonRow.ID, events, stats); err != nil {
		return w.handleFailure(ctx, job, battle, seasonRow.ID, stats, attempts, err)
	}

	w.battlesRated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	return nil
}

// rate runs everything between a successful claim and the COMPLETED
// transition.
func (w *MmrWorker) rate(ctx context.Context, battle *model.Battle, seasonID uuid.UUID, events []model.KillEvent, stats []model.GuildBattleStats) error {
	guildIDs := guildIDsOf(stats)

	ratings, err := w.db.RatingsForGuilds(ctx, seasonID, guildIDs)
	if err != nil {
		return err
	}
	for i := range stats {
		if r, ok := ratings[stats[i].GuildID]; ok {
			stats[i].CurrentMMR = r
		} else {
			stats[i].CurrentMMR = storage.DefaultMMR
		}
	}

	isPrime, err := w.seasons.IsPrimeTime(ctx, battle.StartedAt)
	if err != nil {
		return err
	}
	var matchedWindows []uuid.UUID
	if isPrime {
		if matchedWindows, err = w.seasons.MatchedWindows(ctx, battle.StartedAt); err != nil {
			return err
		}
	}

	winCounts, err := w.db.RecentWinCounts(ctx, guildIDs, time.Now().UTC().Add(-mmr.AntiFarmWindow))
	if err != nil {
		return err
	}

	analysis := model.BattleAnalysis{
		BattleID:        battle.AlbionID,
		SeasonID:        seasonID,
		BattleAt:        battle.StartedAt,
		TotalPlayers:    battle.TotalPlayers,
		TotalKills:      battle.TotalKills,
		TotalFame:       battle.TotalFame,
		BattleDuration:  battleDuration(events),
		IsPrimeTime:     isPrime,
		KillClustering:  mmr.KillClustering(events, len(stats)),
		FriendGroups:    friendGroups(events, stats),
		GuildStats:      stats,
		RecentWinCounts: winCounts,
	}

	result := mmr.Calculate(analysis)

	err = w.db.ApplyMmrOutcome(ctx, battle.AlbionID, seasonID, battle.StartedAt, result, matchedWindows)
	if errors.Is(err, storage.ErrJobNotProcessing) {
		// Another worker finished this battle between claim and commit.
		w.logger.Warn("mmr: outcome already applied elsewhere",
			"albion_id", battle.AlbionID, "season_id", seasonID)
		return nil
	}
	if err != nil {
		return err
	}

	w.logger.Info("mmr: battle rated",
		"albion_id", battle.AlbionID,
		"season_id", seasonID,
		"retained_guilds", len(result.Deltas),
		"prime_time", isPrime)
	return nil
}

// handleFailure routes a processing error: retriable failures release the
// guard row for the next queue attempt; the final attempt lands the job in
// FAILED with the symbolic fallback applied. The returned error drives the
// queue's own retry bookkeeping.
func (w *MmrWorker) handleFailure(ctx context.Context, job *queue.Job, battle *model.Battle, seasonID uuid.UUID, stats []model.GuildBattleStats, attempts int, cause error) error {
	// Use a detached context: failure bookkeeping must survive shutdown.
	bkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	finalAttempt := job.AttemptsMade+1 >= job.MaxAttempts
	if !finalAttempt {
		if err := w.db.ReleaseMmrJob(bkCtx, battle.AlbionID, seasonID); err != nil {
			w.logger.Error("mmr: release job failed",
				"albion_id", battle.AlbionID, "error", err)
		}
		w.battlesRated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "retried")))
		return fmt.Errorf("mmr: battle %d attempt %d: %w", battle.AlbionID, attempts, cause)
	}

	if err := w.db.FailMmrJobWithFallback(bkCtx, battle.AlbionID, seasonID, guildIDsOf(stats), battle.StartedAt); err != nil {
		w.logger.Error("mmr: fallback application failed",
			"albion_id", battle.AlbionID, "error", err)
	}
	w.battlesRated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	w.logger.Error("mmr: battle failed terminally, fallback applied",
		"albion_id", battle.AlbionID, "season_id", seasonID, "error", cause)
	return fmt.Errorf("mmr: battle %d failed terminally: %w", battle.AlbionID, cause)
}

func (w *MmrWorker) skip(ctx context.Context, reason string) {
	w.battlesRated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "skipped_"+reason)))
}

// resolveGuildID maps a guild name to a stable id. The upstream search is
// best-effort: when it fails, a placeholder id keeps the pipeline moving and
// is promoted to the real id on a later success.
func (w *MmrWorker) resolveGuildID(ctx context.Context, name string) string {
	existing, err := w.db.GetGuildByName(ctx, name)
	if err == nil {
		if strings.HasPrefix(existing.ID, placeholderPrefix) {
			if realID, ok := w.lookupGuildID(ctx, name); ok {
				if err := w.db.UpdateGuildID(ctx, name, realID); err == nil {
					return realID
				}
			}
		}
		return existing.ID
	}
	if !errors.Is(err, storage.ErrNotFound) {
		w.logger.Error("mmr: guild lookup failed", "guild", name, "error", err)
		return placeholderPrefix + uuid.NewString()
	}

	id, ok := w.lookupGuildID(ctx, name)
	if !ok {
		id = placeholderPrefix + uuid.NewString()
	}
	created, err := w.db.CreateGuild(ctx, model.Guild{ID: id, Name: name})
	if err != nil {
		w.logger.Error("mmr: create guild failed", "guild", name, "error", err)
		return id
	}
	return created.ID
}

func (w *MmrWorker) lookupGuildID(ctx context.Context, name string) (string, bool) {
	matches, err := w.api.SearchGuilds(ctx, name)
	if err != nil {
		if !albion.IsNotFound(err) {
			w.logger.Warn("mmr: guild search failed", "guild", name, "error", err)
		}
		return "", false
	}
	for _, g := range matches {
		if g.Name == name {
			return g.ID, true
		}
	}
	return "", false
}

// guildAccumulator aggregates one guild's line from the kill stream.
type guildAccumulator struct {
	stats   model.GuildBattleStats
	players map[string]bool
	ipSum   float64
	ipCount int
}

// buildGuildStats folds the kill stream into per-guild battle lines. Kills
// and fame gained accrue to the killer's guild, deaths and fame lost to the
// victim's; distinct players are counted across both roles.
func buildGuildStats(events []model.KillEvent) []model.GuildBattleStats {
	acc := map[string]*guildAccumulator{}
	get := func(guild string) *guildAccumulator {
		a, ok := acc[guild]
		if !ok {
			a = &guildAccumulator{
				stats:   model.GuildBattleStats{GuildName: guild},
				players: map[string]bool{},
			}
			acc[guild] = a
		}
		return a
	}
	observe := func(a *guildAccumulator, p model.KillParticipant) {
		if p.ID != "" {
			a.players[p.ID] = true
		}
		if p.AvgIP > 0 {
			a.ipSum += p.AvgIP
			a.ipCount++
		}
	}

	for _, ev := range events {
		if ev.Killer.Guild != nil && *ev.Killer.Guild != "" {
			a := get(*ev.Killer.Guild)
			a.stats.Kills++
			a.stats.FameGained += ev.TotalVictimKillFame
			observe(a, ev.Killer)
		}
		if ev.Victim.Guild != nil && *ev.Victim.Guild != "" {
			a := get(*ev.Victim.Guild)
			a.stats.Deaths++
			a.stats.FameLost += ev.TotalVictimKillFame
			observe(a, ev.Victim)
		}
	}

	stats := make([]model.GuildBattleStats, 0, len(acc))
	for _, a := range acc {
		a.stats.Players = len(a.players)
		if a.ipCount > 0 {
			a.stats.AvgIP = a.ipSum / float64(a.ipCount)
		}
		stats = append(stats, a.stats)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].GuildName < stats[j].GuildName })
	return stats
}

// friendGroups derives alliance groupings from the kill stream: guilds whose
// members fought under the same alliance tag are allies, not opponents. Only
// alliances fielding two or more guilds form a group.
func friendGroups(events []model.KillEvent, stats []model.GuildBattleStats) [][]string {
	idByName := make(map[string]string, len(stats))
	for _, s := range stats {
		idByName[s.GuildName] = s.GuildID
	}

	allianceGuilds := map[string]map[string]bool{}
	note := func(p model.KillParticipant) {
		if p.Alliance == nil || *p.Alliance == "" || p.Guild == nil {
			return
		}
		id, ok := idByName[*p.Guild]
		if !ok {
			return
		}
		if allianceGuilds[*p.Alliance] == nil {
			allianceGuilds[*p.Alliance] = map[string]bool{}
		}
		allianceGuilds[*p.Alliance][id] = true
	}
	for _, ev := range events {
		note(ev.Killer)
		note(ev.Victim)
	}

	alliances := make([]string, 0, len(allianceGuilds))
	for name, guilds := range allianceGuilds {
		if len(guilds) >= 2 {
			alliances = append(alliances, name)
		}
	}
	sort.Strings(alliances)

	var groups [][]string
	for _, name := range alliances {
		group := make([]string, 0, len(allianceGuilds[name]))
		for id := range allianceGuilds[name] {
			group = append(group, id)
		}
		sort.Strings(group)
		groups = append(groups, group)
	}
	return groups
}

func battleDuration(events []model.KillEvent) time.Duration {
	if len(events) < 2 {
		return 0
	}
	first, last := events[0].Timestamp, events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	return last.Sub(first)
}

func guildIDsOf(stats []model.GuildBattleStats) []string {
	ids := make([]string, 0, len(stats))
	for _, s := range stats {
		ids = append(ids, s.GuildID)
	}
	return ids
}
