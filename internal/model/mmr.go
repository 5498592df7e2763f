package model

import (
	"time"

	"github.com/google/uuid"
)

// MmrJobStatus is the lifecycle state of an MMR calculation job.
type MmrJobStatus string

const (
	MmrJobPending    MmrJobStatus = "PENDING"
	MmrJobProcessing MmrJobStatus = "PROCESSING"
	MmrJobCompleted  MmrJobStatus = "COMPLETED"
	MmrJobFailed     MmrJobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s MmrJobStatus) Terminal() bool {
	return s == MmrJobCompleted || s == MmrJobFailed
}

// MmrCalculationJob is the authoritative idempotency record for rating work.
// At most one row exists per (battle, season) and at most one terminal
// transition ever happens.
type MmrCalculationJob struct {
	BattleID    uint64       `json:"battle_id"`
	SeasonID    uuid.UUID    `json:"season_id"`
	Status      MmrJobStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// MmrCalculationLog is one append-only audit row per retained guild per
// processed battle. The anti-farming factor is derived from this feed.
type MmrCalculationLog struct {
	BattleID       uint64    `json:"battle_id"`
	SeasonID       uuid.UUID `json:"season_id"`
	GuildID        string    `json:"guild_id"`
	IsWin          bool      `json:"is_win"`
	Kills          int       `json:"kills"`
	Deaths         int       `json:"deaths"`
	Players        int       `json:"players"`
	OpponentGuilds []string  `json:"opponent_guilds"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// GuildBattleStats is one guild's aggregate line inside a battle analysis.
type GuildBattleStats struct {
	GuildName  string
	GuildID    string
	Kills      int
	Deaths     int
	FameGained int64
	FameLost   int64
	Players    int
	AvgIP      float64
	CurrentMMR float64
}

// BattleAnalysis is the full input to the rating engine for one battle.
type BattleAnalysis struct {
	BattleID       uint64
	SeasonID       uuid.UUID
	BattleAt       time.Time
	TotalPlayers   int
	TotalKills     int
	TotalFame      int64
	BattleDuration time.Duration
	IsPrimeTime    bool
	KillClustering int
	FriendGroups   [][]string
	GuildStats     []GuildBattleStats

	// RecentWinCounts maps winner guild id → opponent guild name → number of
	// logged wins in the anti-farming lookback window. Precomputed by the
	// caller so the engine stays pure.
	RecentWinCounts map[string]map[string]int
}

// MassUpdate is one prime-time mass increment produced by the engine.
type MassUpdate struct {
	GuildID  string
	Players  int
	BattleAt time.Time
}

// EngineResult is the pure output of one engine run.
type EngineResult struct {
	Deltas      map[string]float64 // guild id → rating delta
	MassUpdates []MassUpdate
	Logs        []MmrCalculationLog
}
