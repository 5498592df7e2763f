package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openalbion/warboard/internal/model"
)

// DefaultMMR is the rating assigned to a guild's first qualifying battle in a season.
const DefaultMMR = 1000.0

// ErrJobNotProcessing is returned by ApplyMmrOutcome when the job guard row is
// no longer in PROCESSING, meaning another worker already finished the battle.
var ErrJobNotProcessing = errors.New("storage: mmr job not in processing state")

// GetOrCreateGuildSeason returns the rating row for (guild, season), creating
// it at the default rating on first touch.
func (db *DB) GetOrCreateGuildSeason(ctx context.Context, guildID string, seasonID uuid.UUID) (*model.GuildSeason, error) {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO guild_seasons (id, guild_id, season_id, current_mmr)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (guild_id, season_id) DO NOTHING`,
		uuid.New(), guildID, seasonID, DefaultMMR,
	); err != nil {
		return nil, fmt.Errorf("storage: create guild season: %w", err)
	}

	var gs model.GuildSeason
	err := db.pool.QueryRow(ctx,
		`SELECT id, guild_id, season_id, current_mmr, last_battle_at
		 FROM guild_seasons WHERE guild_id = $1 AND season_id = $2`,
		guildID, seasonID,
	).Scan(&gs.ID, &gs.GuildID, &gs.SeasonID, &gs.CurrentMMR, &gs.LastBattleAt)
	if err != nil {
		return nil, fmt.Errorf("storage: get guild season: %w", err)
	}
	return &gs, nil
}

// RatingsForGuilds returns current ratings for the given guilds in a season.
// Guilds without a row are absent from the map; callers apply DefaultMMR.
func (db *DB) RatingsForGuilds(ctx context.Context, seasonID uuid.UUID, guildIDs []string) (map[string]float64, error) {
	if len(guildIDs) == 0 {
		return map[string]float64{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT guild_id, current_mmr FROM guild_seasons
		 WHERE season_id = $1 AND guild_id = ANY($2)`,
		seasonID, guildIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: ratings for guilds: %w", err)
	}
	defer rows.Close()

	ratings := make(map[string]float64, len(guildIDs))
	for rows.Next() {
		var (
			id  string
			mmr float64
		)
		if err := rows.Scan(&id, &mmr); err != nil {
			return nil, fmt.Errorf("storage: scan rating: %w", err)
		}
		ratings[id] = mmr
	}
	return ratings, rows.Err()
}

// ListGuildSeasons returns every rating row of a season (carryover source).
func (db *DB) ListGuildSeasons(ctx context.Context, seasonID uuid.UUID) ([]model.GuildSeason, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, guild_id, season_id, current_mmr, last_battle_at
		 FROM guild_seasons WHERE season_id = $1`,
		seasonID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list guild seasons: %w", err)
	}
	defer rows.Close()

	var result []model.GuildSeason
	for rows.Next() {
		var gs model.GuildSeason
		if err := rows.Scan(&gs.ID, &gs.GuildID, &gs.SeasonID, &gs.CurrentMMR, &gs.LastBattleAt); err != nil {
			return nil, fmt.Errorf("storage: scan guild season: %w", err)
		}
		result = append(result, gs)
	}
	return result, rows.Err()
}

// SeedGuildSeason writes a carryover rating for a guild in a new season.
// Existing rows are left untouched so a seed never clobbers live play.
func (db *DB) SeedGuildSeason(ctx context.Context, guildID string, seasonID uuid.UUID, mmr float64) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO guild_seasons (id, guild_id, season_id, current_mmr)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (guild_id, season_id) DO NOTHING`,
		uuid.New(), guildID, seasonID, mmr,
	); err != nil {
		return fmt.Errorf("storage: seed guild season: %w", err)
	}
	return nil
}

// ApplyMmrOutcome persists one engine run atomically: the COMPLETED job
// transition, the per-guild rating deltas, the prime-time mass updates for
// every matched window, and the audit log rows. The rating write is a
// server-side read-modify-write, so concurrent battles never lose updates.
//
// Returns ErrJobNotProcessing when the (battle, season) job was already
// finished by another worker; nothing is written in that case.
func (db *DB) ApplyMmrOutcome(
	ctx context.Context,
	battleID uint64,
	seasonID uuid.UUID,
	battleAt time.Time,
	result model.EngineResult,
	matchedWindows []uuid.UUID,
) error {
	return WithRetry(ctx, 2, 100*time.Millisecond, func() error {
		return db.applyMmrOutcomeOnce(ctx, battleID, seasonID, battleAt, result, matchedWindows)
	})
}

func (db *DB) applyMmrOutcomeOnce(
	ctx context.Context,
	battleID uint64,
	seasonID uuid.UUID,
	battleAt time.Time,
	result model.EngineResult,
	matchedWindows []uuid.UUID,
) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: apply mmr: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Claim the terminal transition first. This also serializes concurrent
	// workers on the same (battle, season) via the row lock.
	tag, err := tx.Exec(ctx,
		`UPDATE mmr_calculation_jobs
		 SET status = 'COMPLETED', processed_at = now()
		 WHERE battle_id = $1 AND season_id = $2 AND status = 'PROCESSING'`,
		idToDB(battleID), seasonID,
	)
	if err != nil {
		return fmt.Errorf("storage: apply mmr: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotProcessing
	}

	for guildID, delta := range result.Deltas {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_seasons (id, guild_id, season_id, current_mmr, last_battle_at)
			 VALUES ($1, $2, $3, $4 + $5, $6)
			 ON CONFLICT (guild_id, season_id) DO UPDATE SET
			   current_mmr = guild_seasons.current_mmr + $5,
			   last_battle_at = GREATEST(COALESCE(guild_seasons.last_battle_at, $6::timestamptz), $6::timestamptz)`,
			uuid.New(), guildID, seasonID, DefaultMMR, delta, battleAt,
		); err != nil {
			return fmt.Errorf("storage: apply mmr: rating delta for %s: %w", guildID, err)
		}
	}

	for _, mu := range result.MassUpdates {
		for _, windowID := range matchedWindows {
			if _, err := tx.Exec(ctx,
				`INSERT INTO guild_prime_time_mass (guild_season_id, prime_time_window_id, avg_mass, battle_count, last_battle_at)
				 SELECT gs.id, $1, $2::double precision, 1, $3
				 FROM guild_seasons gs WHERE gs.guild_id = $4 AND gs.season_id = $5
				 ON CONFLICT (guild_season_id, prime_time_window_id) DO UPDATE SET
				   avg_mass = (guild_prime_time_mass.avg_mass * guild_prime_time_mass.battle_count + EXCLUDED.avg_mass)
				              / (guild_prime_time_mass.battle_count + 1),
				   battle_count = guild_prime_time_mass.battle_count + 1,
				   last_battle_at = EXCLUDED.last_battle_at`,
				windowID, float64(mu.Players), mu.BattleAt, mu.GuildID, seasonID,
			); err != nil {
				return fmt.Errorf("storage: apply mmr: mass update for %s: %w", mu.GuildID, err)
			}
		}
	}

	for _, lg := range result.Logs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO mmr_calculation_logs
			   (battle_id, season_id, guild_id, is_win, kills, deaths, players, opponent_guilds, processed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			idToDB(lg.BattleID), seasonID, lg.GuildID, lg.IsWin,
			lg.Kills, lg.Deaths, lg.Players, lg.OpponentGuilds, lg.ProcessedAt,
		); err != nil {
			return fmt.Errorf("storage: apply mmr: insert log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: apply mmr: commit: %w", err)
	}
	return nil
}
