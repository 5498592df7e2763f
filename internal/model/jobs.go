package model

// Queue names for the durable job bus.
const (
	QueueKillsFetch   = "kills-fetch"
	QueueMmrCalc      = "mmr-calc"
	QueueBattleNotify = "battle-notify"
)

// KillsFetchPayload is the body of a kills-fetch job. The job id is
// "battle-{albion_id}" so retries across crawls dedup.
type KillsFetchPayload struct {
	AlbionID uint64 `json:"albion_id"`
}

// MmrCalcPayload is the body of an mmr-calc job.
type MmrCalcPayload struct {
	AlbionID uint64 `json:"albion_id"`
}

// BattleNotifyPayload is consumed by the external webhook collaborator.
type BattleNotifyPayload struct {
	AlbionID     uint64 `json:"albion_id"`
	TotalPlayers int    `json:"total_players"`
	TotalFame    int64  `json:"total_fame"`
}
