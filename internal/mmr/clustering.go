package mmr

import (
	"github.com/openalbion/warboard/internal/model"
)

// KillClustering measures how bursty a battle's kill stream is. Kills are
// bucketed by (killer guild, minute); the returned value is the number of
// buckets whose kill count exceeds an even split of the stream across the
// participating guilds. A high value means a few guilds produced concentrated
// kill spikes, the signature of a gank train rather than a fight.
func KillClustering(events []model.KillEvent, guildCount int) int {
	if len(events) == 0 || guildCount == 0 {
		return 0
	}

	type bucket struct {
		guild  string
		minute int64
	}
	counts := make(map[bucket]int)
	for _, ev := range events {
		guild := ""
		if ev.Killer.Guild != nil {
			guild = *ev.Killer.Guild
		}
		if guild == "" {
			continue
		}
		counts[bucket{guild: guild, minute: ev.Timestamp.Unix() / 60}]++
	}

	// ceil(total / guildCount)
	threshold := (len(events) + guildCount - 1) / guildCount

	clustered := 0
	for _, n := range counts {
		if n > threshold {
			clustered++
		}
	}
	return clustered
}
