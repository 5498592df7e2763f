// Package model defines the core domain types for Warboard.
//
// Types correspond directly to database tables and queue payloads. Battle and
// kill-event identifiers are 64-bit unsigned upstream and are kept as uint64
// end to end so values beyond the 53-bit float range survive JSON round trips.
package model

import (
	"encoding/json"
	"time"
)

// Battle is one discrete encounter with aggregate stats and constituent kills.
// The alliances/guilds blobs are an opaque snapshot of the upstream view and
// are parsed lazily by consumers.
type Battle struct {
	AlbionID      uint64          `json:"albion_id"`
	StartedAt     time.Time       `json:"started_at"`
	TotalFame     int64           `json:"total_fame"`
	TotalKills    int             `json:"total_kills"`
	TotalPlayers  int             `json:"total_players"`
	Alliances     json.RawMessage `json:"alliances"`
	Guilds        json.RawMessage `json:"guilds"`
	IngestedAt    time.Time       `json:"ingested_at"`
	KillsFetchedAt *time.Time     `json:"kills_fetched_at,omitempty"`
}

// KillParticipant is the killer or victim side of a kill event.
type KillParticipant struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Guild     *string         `json:"guild,omitempty"`
	Alliance  *string         `json:"alliance,omitempty"`
	AvgIP     float64         `json:"avg_ip"`
	Equipment json.RawMessage `json:"equipment,omitempty"`
}

// KillEvent is a single kill inside a battle. Immutable once written.
type KillEvent struct {
	EventID             uint64          `json:"event_id"`
	Timestamp           time.Time       `json:"timestamp"`
	TotalVictimKillFame int64           `json:"total_victim_kill_fame"`
	BattleAlbionID      *uint64         `json:"battle_albion_id,omitempty"`
	Killer              KillParticipant `json:"killer"`
	Victim              KillParticipant `json:"victim"`
}
