package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openalbion/warboard/internal/model"
)

// ClaimMmrJob creates the (battle, season) job row if absent and attempts to
// move it into PROCESSING, incrementing attempts. It returns the attempt
// number when the claim succeeded, or claimed=false when the job already
// reached a terminal state and must not be reprocessed.
func (db *DB) ClaimMmrJob(ctx context.Context, battleID uint64, seasonID uuid.UUID) (attempts int, claimed bool, err error) {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO mmr_calculation_jobs (battle_id, season_id, status, attempts)
		 VALUES ($1, $2, 'PENDING', 0)
		 ON CONFLICT (battle_id, season_id) DO NOTHING`,
		idToDB(battleID), seasonID,
	); err != nil {
		return 0, false, fmt.Errorf("storage: create mmr job: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`UPDATE mmr_calculation_jobs
		 SET status = 'PROCESSING', attempts = attempts + 1
		 WHERE battle_id = $1 AND season_id = $2 AND status IN ('PENDING', 'PROCESSING')
		 RETURNING attempts`,
		idToDB(battleID), seasonID,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil // terminal state already recorded
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: claim mmr job: %w", err)
	}
	return attempts, true, nil
}

// GetMmrJob loads one job row.
func (db *DB) GetMmrJob(ctx context.Context, battleID uint64, seasonID uuid.UUID) (*model.MmrCalculationJob, error) {
	var (
		j     model.MmrCalculationJob
		rawID int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT battle_id, season_id, status, attempts, processed_at
		 FROM mmr_calculation_jobs WHERE battle_id = $1 AND season_id = $2`,
		idToDB(battleID), seasonID,
	).Scan(&rawID, &j.SeasonID, &j.Status, &j.Attempts, &j.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get mmr job: %w", err)
	}
	j.BattleID = idFromDB(rawID)
	return &j, nil
}

// ReleaseMmrJob moves a PROCESSING job back to PENDING after a retriable
// failure so a later queue attempt can claim it again.
func (db *DB) ReleaseMmrJob(ctx context.Context, battleID uint64, seasonID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE mmr_calculation_jobs SET status = 'PENDING'
		 WHERE battle_id = $1 AND season_id = $2 AND status = 'PROCESSING'`,
		idToDB(battleID), seasonID,
	); err != nil {
		return fmt.Errorf("storage: release mmr job: %w", err)
	}
	return nil
}

// FailMmrJobWithFallback marks the job FAILED and applies the symbolic +1.0
// rating change to every involved guild in the same transaction, so a
// terminally failed battle still leaves an auditable trace of progress.
func (db *DB) FailMmrJobWithFallback(ctx context.Context, battleID uint64, seasonID uuid.UUID, guildIDs []string, battleAt time.Time) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: fail mmr job: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE mmr_calculation_jobs
		 SET status = 'FAILED', processed_at = now()
		 WHERE battle_id = $1 AND season_id = $2 AND status NOT IN ('COMPLETED', 'FAILED')`,
		idToDB(battleID), seasonID,
	)
	if err != nil {
		return fmt.Errorf("storage: fail mmr job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // already terminal, nothing to do
	}

	const fallbackDelta = 1.0
	for _, guildID := range guildIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_seasons (id, guild_id, season_id, current_mmr, last_battle_at)
			 VALUES ($1, $2, $3, $4 + $5, $6)
			 ON CONFLICT (guild_id, season_id) DO UPDATE SET
			   current_mmr = guild_seasons.current_mmr + $5,
			   last_battle_at = GREATEST(COALESCE(guild_seasons.last_battle_at, $6::timestamptz), $6::timestamptz)`,
			uuid.New(), guildID, seasonID, DefaultMMR, fallbackDelta, battleAt,
		); err != nil {
			return fmt.Errorf("storage: fallback delta for %s: %w", guildID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: fail mmr job: commit: %w", err)
	}
	return nil
}

// MmrJobsTerminal reports, for each battle id, whether any MMR job for that
// battle has reached a terminal state. Used by the deep gap sweep to decide
// whether re-enqueueing kills work would double-process ratings.
func (db *DB) MmrJobsTerminal(ctx context.Context, battleIDs []uint64) (map[uint64]bool, error) {
	if len(battleIDs) == 0 {
		return map[uint64]bool{}, nil
	}
	dbIDs := make([]int64, len(battleIDs))
	for i, id := range battleIDs {
		dbIDs[i] = idToDB(id)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT battle_id FROM mmr_calculation_jobs
		 WHERE battle_id = ANY($1) AND status IN ('COMPLETED', 'FAILED')`,
		dbIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: mmr jobs terminal: %w", err)
	}
	defer rows.Close()

	terminal := make(map[uint64]bool, len(battleIDs))
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan terminal battle id: %w", err)
		}
		terminal[idFromDB(raw)] = true
	}
	return terminal, rows.Err()
}

// RecentWinCounts returns, for each (winner guild, opponent name) pair, how
// many logged wins the winner has against that opponent since the cutoff.
// This is the anti-farming input.
func (db *DB) RecentWinCounts(ctx context.Context, guildIDs []string, since time.Time) (map[string]map[string]int, error) {
	if len(guildIDs) == 0 {
		return map[string]map[string]int{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT guild_id, opp, count(*)
		 FROM mmr_calculation_logs, unnest(opponent_guilds) AS opp
		 WHERE guild_id = ANY($1) AND is_win AND processed_at >= $2
		 GROUP BY guild_id, opp`,
		guildIDs, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent win counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var (
			guildID, opponent string
			n                 int
		)
		if err := rows.Scan(&guildID, &opponent, &n); err != nil {
			return nil, fmt.Errorf("storage: scan win count: %w", err)
		}
		if counts[guildID] == nil {
			counts[guildID] = make(map[string]int)
		}
		counts[guildID][opponent] = n
	}
	return counts, rows.Err()
}
