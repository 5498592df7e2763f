package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openalbion/warboard/internal/model"
)

// Albion ids are 64-bit unsigned upstream. They are stored in BIGINT columns
// through a two's-complement conversion, which round-trips all 64 bits; the
// column is never used as a sort key, so the sign flip on very large ids is
// harmless.
func idToDB(u uint64) int64   { return int64(u) }
func idFromDB(i int64) uint64 { return uint64(i) }

// UpsertBattle writes a battle with last-write-wins semantics on stats and
// JSON blobs. kills_fetched_at is preserved across upserts and returned so
// callers can apply the kills-enqueue policy without a second read. created
// is true when the row was newly inserted.
func (db *DB) UpsertBattle(ctx context.Context, b model.Battle) (created bool, killsFetchedAt *time.Time, err error) {
	err = WithRetry(ctx, 2, 100*time.Millisecond, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO battles (albion_id, started_at, total_fame, total_kills, total_players, alliances_json, guilds_json, ingested_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (albion_id) DO UPDATE SET
			   started_at = EXCLUDED.started_at,
			   total_fame = EXCLUDED.total_fame,
			   total_kills = EXCLUDED.total_kills,
			   total_players = EXCLUDED.total_players,
			   alliances_json = EXCLUDED.alliances_json,
			   guilds_json = EXCLUDED.guilds_json,
			   ingested_at = EXCLUDED.ingested_at
			 RETURNING (xmax = 0), kills_fetched_at`,
			idToDB(b.AlbionID), b.StartedAt, b.TotalFame, b.TotalKills, b.TotalPlayers,
			b.Alliances, b.Guilds, b.IngestedAt,
		).Scan(&created, &killsFetchedAt)
	})
	if err != nil {
		return false, nil, fmt.Errorf("storage: upsert battle %d: %w", b.AlbionID, err)
	}
	return created, killsFetchedAt, nil
}

// GetBattle loads one battle by its upstream id.
func (db *DB) GetBattle(ctx context.Context, albionID uint64) (*model.Battle, error) {
	var (
		b     model.Battle
		rawID int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT albion_id, started_at, total_fame, total_kills, total_players,
		        alliances_json, guilds_json, ingested_at, kills_fetched_at
		 FROM battles WHERE albion_id = $1`,
		idToDB(albionID),
	).Scan(&rawID, &b.StartedAt, &b.TotalFame, &b.TotalKills, &b.TotalPlayers,
		&b.Alliances, &b.Guilds, &b.IngestedAt, &b.KillsFetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get battle %d: %w", albionID, err)
	}
	b.AlbionID = idFromDB(rawID)
	return &b, nil
}

// BattlesExist returns the subset of ids that already have a battles row.
func (db *DB) BattlesExist(ctx context.Context, albionIDs []uint64) (map[uint64]bool, error) {
	if len(albionIDs) == 0 {
		return map[uint64]bool{}, nil
	}
	dbIDs := make([]int64, len(albionIDs))
	for i, id := range albionIDs {
		dbIDs[i] = idToDB(id)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT albion_id FROM battles WHERE albion_id = ANY($1)`, dbIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: battles exist: %w", err)
	}
	defer rows.Close()

	exist := make(map[uint64]bool, len(albionIDs))
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan battle id: %w", err)
		}
		exist[idFromDB(raw)] = true
	}
	return exist, rows.Err()
}

// StampKillsFetched records that the kill stream for a battle has been synced.
func (db *DB) StampKillsFetched(ctx context.Context, albionID uint64, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE battles SET kills_fetched_at = $2 WHERE albion_id = $1`,
		idToDB(albionID), at,
	)
	if err != nil {
		return fmt.Errorf("storage: stamp kills fetched %d: %w", albionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
