// Package mmr implements the guild rating engine.
//
// Calculate is a pure function over a model.BattleAnalysis: it admits or
// rejects the battle, filters guilds down to real participants, classifies
// wins and losses, and produces Elo-style rating deltas with battle-context
// modifiers. All persistence happens in the caller.
package mmr

import (
	"math"
	"sort"
	"time"

	"github.com/openalbion/warboard/internal/model"
)

// Calibration constants. Grouped here so tuning never requires touching the
// calculation paths.
const (
	// Admission gate.
	MinBattlePlayers = 25
	MinBattleFame    = 100_000

	// Participation filter.
	participationShare  = 0.10
	minFameAbsolute     = 500_000
	minCombatAbsolute   = 5
	minPlayersAbsolute  = 3
	soloMinCombat       = 8
	soloMinFame         = 1_000_000

	// Win classification.
	fameWinRatio = 1.25

	// Base delta.
	kBase            = 32.0
	playerFactorRef  = 8.0
	playerFactorExp  = 0.8
	playerFactorMin  = 0.1
	battleSizeRef    = 50.0
	eloDivisor       = 400.0

	// Modifiers.
	primeTimeFactor    = 1.15
	clusteringPenalty  = 0.7
	antiFarmStep       = 0.15
	antiFarmFreeWins   = 2
	antiFarmFloor      = 0.2
	fameImbalanceHigh  = 5.0
	fameImbalanceLow   = 0.2
	imbalanceDamping   = 0.5

	// Final clip.
	maxAbsDelta = 40.0
)

// AntiFarmWindow is the lookback over which repeated wins against the same
// opponents decay the reward.
const AntiFarmWindow = 30 * 24 * time.Hour

// ShouldCalculate is the admission gate: battles below the player or fame
// floor never touch ratings.
func ShouldCalculate(totalPlayers int, totalFame int64) bool {
	return totalPlayers >= MinBattlePlayers && totalFame >= MinBattleFame
}

// Calculate runs the full rating computation for one battle. The returned
// result is empty (nil maps/slices untouched semantics aside) when the battle
// fails admission or fewer than two guilds survive the participation filter.
func Calculate(analysis model.BattleAnalysis) model.EngineResult {
	result := model.EngineResult{Deltas: map[string]float64{}}

	if !ShouldCalculate(analysis.TotalPlayers, analysis.TotalFame) {
		return result
	}

	retained := retainParticipants(analysis)
	if len(retained) < 2 {
		// Rating is relative; a single retained guild has no opponent.
		return result
	}

	wins := make(map[string]bool, len(retained))
	for _, g := range retained {
		wins[g.GuildID] = isWin(g)
	}

	clusteringApplies := analysis.KillClustering > len(retained)/2
	groupOf := friendGroupIndex(analysis.FriendGroups)

	now := time.Now().UTC()
	for i, g := range retained {
		opps := opponentIndices(retained, i, groupOf)
		if len(opps) == 0 {
			// Every other retained guild is an ally; an intra-alliance brawl
			// carries no ladder signal for this guild.
			continue
		}

		delta := baseDelta(g, retained, opps, wins[g.GuildID], analysis.TotalPlayers)

		if analysis.IsPrimeTime {
			delta *= primeTimeFactor
		}
		if clusteringApplies && !wins[g.GuildID] {
			delta *= clusteringPenalty
		}
		if wins[g.GuildID] {
			delta *= antiFarmFactor(g, retained, opps, analysis.RecentWinCounts)
		}
		if fameImbalanced(g) {
			delta *= imbalanceDamping
		}

		delta = math.Max(-maxAbsDelta, math.Min(maxAbsDelta, delta))
		result.Deltas[g.GuildID] = delta

		if analysis.IsPrimeTime {
			result.MassUpdates = append(result.MassUpdates, model.MassUpdate{
				GuildID:  g.GuildID,
				Players:  g.Players,
				BattleAt: analysis.BattleAt,
			})
		}

		result.Logs = append(result.Logs, model.MmrCalculationLog{
			BattleID:       analysis.BattleID,
			SeasonID:       analysis.SeasonID,
			GuildID:        g.GuildID,
			IsWin:          wins[g.GuildID],
			Kills:          g.Kills,
			Deaths:         g.Deaths,
			Players:        g.Players,
			OpponentGuilds: opponentNames(retained, opps),
			ProcessedAt:    now,
		})
	}
	return result
}

// retainParticipants applies the participation filter: a guild stays when it
// carried a meaningful share of the battle by fame, combat, or headcount.
// Single-player guilds face a stricter bar to keep gankers out of the ladder.
func retainParticipants(analysis model.BattleAnalysis) []model.GuildBattleStats {
	var retained []model.GuildBattleStats
	for _, g := range analysis.GuildStats {
		if g.GuildID == "" {
			continue
		}

		fameTotal := g.FameGained + g.FameLost
		combat := g.Kills + g.Deaths

		if g.Players == 1 {
			if combat >= soloMinCombat && fameTotal >= soloMinFame {
				retained = append(retained, g)
			}
			continue
		}

		fameOK := analysis.TotalFame > 0 &&
			float64(fameTotal)/float64(analysis.TotalFame) >= participationShare &&
			fameTotal >= minFameAbsolute
		combatOK := analysis.TotalKills > 0 &&
			float64(combat)/float64(analysis.TotalKills) >= participationShare &&
			combat >= minCombatAbsolute
		playersOK := analysis.TotalPlayers > 0 &&
			float64(g.Players)/float64(analysis.TotalPlayers) >= participationShare &&
			g.Players >= minPlayersAbsolute

		if fameOK || combatOK || playersOK {
			retained = append(retained, g)
		}
	}

	// Deterministic processing order regardless of input order.
	sort.Slice(retained, func(i, j int) bool {
		return retained[i].GuildID < retained[j].GuildID
	})
	return retained
}

// isWin classifies one retained guild. Kill score decides outright; ties and
// zero-combat guilds fall back to the fame ratio.
func isWin(g model.GuildBattleStats) bool {
	score := g.Kills - g.Deaths
	if score > 0 {
		return true
	}
	if score < 0 {
		return false
	}
	return float64(g.FameGained) > float64(g.FameLost)*fameWinRatio
}

// friendGroupIndex maps guild id to its friend-group ordinal. Guilds outside
// every group oppose everyone.
func friendGroupIndex(groups [][]string) map[string]int {
	if len(groups) == 0 {
		return nil
	}
	idx := make(map[string]int)
	for n, group := range groups {
		for _, id := range group {
			idx[id] = n
		}
	}
	return idx
}

// opponentIndices returns the retained guilds that actually oppose the guild
// at self: everyone except itself and its friend-group allies.
func opponentIndices(retained []model.GuildBattleStats, self int, groupOf map[string]int) []int {
	selfGroup, grouped := groupOf[retained[self].GuildID]
	opps := make([]int, 0, len(retained)-1)
	for i := range retained {
		if i == self {
			continue
		}
		if grouped {
			if g, ok := groupOf[retained[i].GuildID]; ok && g == selfGroup {
				continue
			}
		}
		opps = append(opps, i)
	}
	return opps
}

// baseDelta computes the Elo-style raw delta before modifiers.
func baseDelta(g model.GuildBattleStats, retained []model.GuildBattleStats, opps []int, win bool, totalPlayers int) float64 {
	var oppSum float64
	for _, i := range opps {
		oppSum += retained[i].CurrentMMR
	}
	oppMean := oppSum / float64(len(opps))

	expected := 1.0 / (1.0 + math.Pow(10, (oppMean-g.CurrentMMR)/eloDivisor))
	actual := 0.0
	if win {
		actual = 1.0
	}

	k := kBase * playerFactor(g.Players) * math.Min(1.0, float64(totalPlayers)/battleSizeRef)
	return k * (actual - expected)
}

// playerFactor scales K down for small rosters: clamp(0.1, 1, (p/8)^0.8).
func playerFactor(players int) float64 {
	f := math.Pow(float64(players)/playerFactorRef, playerFactorExp)
	return math.Max(playerFactorMin, math.Min(1.0, f))
}

// antiFarmFactor decays the reward for repeatedly beating the same opponents.
// n is the smallest recent win count against any current opponent, so one new
// opponent in the lobby restores the full reward.
func antiFarmFactor(g model.GuildBattleStats, retained []model.GuildBattleStats, opps []int, winCounts map[string]map[string]int) float64 {
	counts := winCounts[g.GuildID]
	n := math.MaxInt
	for _, i := range opps {
		c := counts[retained[i].GuildName]
		if c < n {
			n = c
		}
	}
	if n == math.MaxInt {
		n = 0
	}
	return math.Max(antiFarmFloor, 1.0-antiFarmStep*math.Max(0, float64(n-antiFarmFreeWins)))
}

// fameImbalanced reports an extreme fame ratio that suggests a one-sided
// stomp rather than a contest.
func fameImbalanced(g model.GuildBattleStats) bool {
	if g.FameLost == 0 {
		return g.FameGained > 0
	}
	ratio := float64(g.FameGained) / float64(g.FameLost)
	return ratio > fameImbalanceHigh || ratio < fameImbalanceLow
}

func opponentNames(retained []model.GuildBattleStats, opps []int) []string {
	names := make([]string, 0, len(opps))
	for _, i := range opps {
		names = append(names, retained[i].GuildName)
	}
	return names
}
