package model

import (
	"time"

	"github.com/google/uuid"
)

// Season is one rating period. At most one season is active at a time.
type Season struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// PrimeTimeWindow is a recurring UTC hour window. When StartHour > EndHour the
// window wraps midnight and matches [start,24) ∪ [0,end).
type PrimeTimeWindow struct {
	ID        uuid.UUID `json:"id"`
	StartHour int       `json:"start_hour"`
	EndHour   int       `json:"end_hour"`
	Timezone  string    `json:"timezone"`
}

// Matches reports whether UTC hour h falls inside the window.
func (w PrimeTimeWindow) Matches(h int) bool {
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Guild is a rated guild. ID is the upstream id when known; otherwise a
// placeholder generated locally and promoted once the real id is learned.
type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GuildSeason carries a guild's rating state within one season.
type GuildSeason struct {
	ID           uuid.UUID  `json:"id"`
	GuildID      string     `json:"guild_id"`
	SeasonID     uuid.UUID  `json:"season_id"`
	CurrentMMR   float64    `json:"current_mmr"`
	LastBattleAt *time.Time `json:"last_battle_at,omitempty"`
}

// GuildPrimeTimeMass is the running mean of players a guild fields during one
// prime-time window of one season.
type GuildPrimeTimeMass struct {
	GuildSeasonID     uuid.UUID  `json:"guild_season_id"`
	PrimeTimeWindowID uuid.UUID  `json:"prime_time_window_id"`
	AvgMass           float64    `json:"avg_mass"`
	BattleCount       int        `json:"battle_count"`
	LastBattleAt      *time.Time `json:"last_battle_at,omitempty"`
}
