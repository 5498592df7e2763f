package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openalbion/warboard/internal/model"
)

// UpsertKillEvents writes a batch of kill events in one round trip.
// Events are immutable by design, so the conflict action only refreshes the
// battle linkage (a kill first seen standalone can later be tied to a battle).
func (db *DB) UpsertKillEvents(ctx context.Context, events []model.KillEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		var battleID *int64
		if e.BattleAlbionID != nil {
			v := idToDB(*e.BattleAlbionID)
			battleID = &v
		}
		batch.Queue(
			`INSERT INTO kill_events (
			   event_id, ts, total_victim_kill_fame, battle_albion_id,
			   killer_id, killer_name, killer_guild, killer_alliance, killer_avg_ip, killer_equipment_json,
			   victim_id, victim_name, victim_guild, victim_alliance, victim_avg_ip, victim_equipment_json
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (event_id) DO UPDATE SET battle_albion_id = EXCLUDED.battle_albion_id`,
			idToDB(e.EventID), e.Timestamp, e.TotalVictimKillFame, battleID,
			e.Killer.ID, e.Killer.Name, e.Killer.Guild, e.Killer.Alliance, e.Killer.AvgIP, e.Killer.Equipment,
			e.Victim.ID, e.Victim.Name, e.Victim.Guild, e.Victim.Alliance, e.Victim.AvgIP, e.Victim.Equipment,
		)
	}

	var written int64
	err := WithRetry(ctx, 2, 100*time.Millisecond, func() error {
		written = 0
		results := db.pool.SendBatch(ctx, batch)
		defer func() { _ = results.Close() }()
		for range events {
			tag, err := results.Exec()
			if err != nil {
				return err
			}
			written += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: upsert kill events: %w", err)
	}
	return written, nil
}

// KillEventsForBattle loads the full kill stream for one battle, oldest first.
func (db *DB) KillEventsForBattle(ctx context.Context, albionID uint64) ([]model.KillEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, ts, total_victim_kill_fame, battle_albion_id,
		        killer_id, killer_name, killer_guild, killer_alliance, killer_avg_ip, killer_equipment_json,
		        victim_id, victim_name, victim_guild, victim_alliance, victim_avg_ip, victim_equipment_json
		 FROM kill_events
		 WHERE battle_albion_id = $1
		 ORDER BY ts ASC`,
		idToDB(albionID),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: kill events for battle %d: %w", albionID, err)
	}
	defer rows.Close()

	var events []model.KillEvent
	for rows.Next() {
		var (
			e        model.KillEvent
			rawID    int64
			battleID *int64
		)
		if err := rows.Scan(
			&rawID, &e.Timestamp, &e.TotalVictimKillFame, &battleID,
			&e.Killer.ID, &e.Killer.Name, &e.Killer.Guild, &e.Killer.Alliance, &e.Killer.AvgIP, &e.Killer.Equipment,
			&e.Victim.ID, &e.Victim.Name, &e.Victim.Guild, &e.Victim.Alliance, &e.Victim.AvgIP, &e.Victim.Equipment,
		); err != nil {
			return nil, fmt.Errorf("storage: scan kill event: %w", err)
		}
		e.EventID = idFromDB(rawID)
		if battleID != nil {
			v := idFromDB(*battleID)
			e.BattleAlbionID = &v
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
