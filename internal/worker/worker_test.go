package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalbion/warboard/internal/albion"
	"github.com/openalbion/warboard/internal/model"
	"github.com/openalbion/warboard/internal/queue"
	"github.com/openalbion/warboard/internal/season"
	"github.com/openalbion/warboard/internal/storage"
	"github.com/openalbion/warboard/internal/testutil"
)

var (
	testContainer *testutil.TestContainer
	testDB        *storage.DB
)

func TestMain(m *testing.M) {
	testContainer = testutil.MustStartPostgres()
	defer testContainer.Terminate()

	var err error
	testDB, err = testContainer.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func strp(s string) *string { return &s }

func TestBuildGuildStats(t *testing.T) {
	base := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	events := []model.KillEvent{
		{
			EventID: 1, Timestamp: base, TotalVictimKillFame: 100_000,
			Killer: model.KillParticipant{ID: "a1", Guild: strp("Alpha"), AvgIP: 1400},
			Victim: model.KillParticipant{ID: "b1", Guild: strp("Bravo"), AvgIP: 1300},
		},
		{
			EventID: 2, Timestamp: base.Add(time.Minute), TotalVictimKillFame: 50_000,
			Killer: model.KillParticipant{ID: "a2", Guild: strp("Alpha"), AvgIP: 1200},
			Victim: model.KillParticipant{ID: "b1", Guild: strp("Bravo"), AvgIP: 1300},
		},
		{
			EventID: 3, Timestamp: base.Add(2 * time.Minute), TotalVictimKillFame: 80_000,
			Killer: model.KillParticipant{ID: "b2", Guild: strp("Bravo"), AvgIP: 1500},
			Victim: model.KillParticipant{ID: "a1", Guild: strp("Alpha"), AvgIP: 1400},
		},
		{
			// Guildless participants contribute to nobody.
			EventID: 4, Timestamp: base, TotalVictimKillFame: 10_000,
			Killer: model.KillParticipant{ID: "solo"},
			Victim: model.KillParticipant{ID: "a9", Guild: strp("Alpha")},
		},
	}

	stats := buildGuildStats(events)
	require.Len(t, stats, 2)

	alpha, bravo := stats[0], stats[1]
	require.Equal(t, "Alpha", alpha.GuildName)
	require.Equal(t, "Bravo", bravo.GuildName)

	assert.Equal(t, 2, alpha.Kills)
	assert.Equal(t, 2, alpha.Deaths)
	assert.Equal(t, int64(150_000), alpha.FameGained)
	assert.Equal(t, int64(90_000), alpha.FameLost)
	assert.Equal(t, 3, alpha.Players, "a1, a2, a9")

	assert.Equal(t, 1, bravo.Kills)
	assert.Equal(t, 2, bravo.Deaths)
	assert.Equal(t, int64(80_000), bravo.FameGained)
	assert.Equal(t, int64(150_000), bravo.FameLost)
	assert.Equal(t, 2, bravo.Players)
}

func TestFriendGroupsFromAllianceTags(t *testing.T) {
	base := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	stats := []model.GuildBattleStats{
		{GuildName: "Alpha", GuildID: "g-alpha"},
		{GuildName: "Bravo", GuildID: "g-bravo"},
		{GuildName: "Delta", GuildID: "g-delta"},
	}
	events := []model.KillEvent{
		{
			EventID: 1, Timestamp: base,
			Killer: model.KillParticipant{ID: "a1", Guild: strp("Alpha"), Alliance: strp("AXIS")},
			Victim: model.KillParticipant{ID: "d1", Guild: strp("Delta")},
		},
		{
			EventID: 2, Timestamp: base.Add(time.Minute),
			Killer: model.KillParticipant{ID: "b1", Guild: strp("Bravo"), Alliance: strp("AXIS")},
			Victim: model.KillParticipant{ID: "d2", Guild: strp("Delta"), Alliance: strp("LONE")},
		},
		{
			// Unknown guild names and empty alliance tags contribute nothing.
			EventID: 3, Timestamp: base.Add(2 * time.Minute),
			Killer: model.KillParticipant{ID: "x1", Guild: strp("Ghost"), Alliance: strp("AXIS")},
			Victim: model.KillParticipant{ID: "a2", Guild: strp("Alpha"), Alliance: strp("")},
		},
	}

	groups := friendGroups(events, stats)

	// Only AXIS fields two known guilds; Delta's one-guild alliance is noise.
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"g-alpha", "g-bravo"}, groups[0])
}

func TestFriendGroupsNoneWithoutSharedAlliance(t *testing.T) {
	base := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	stats := []model.GuildBattleStats{
		{GuildName: "Alpha", GuildID: "g-alpha"},
		{GuildName: "Bravo", GuildID: "g-bravo"},
	}
	events := []model.KillEvent{
		{
			EventID: 1, Timestamp: base,
			Killer: model.KillParticipant{ID: "a1", Guild: strp("Alpha"), Alliance: strp("AXIS")},
			Victim: model.KillParticipant{ID: "b1", Guild: strp("Bravo"), Alliance: strp("PACT")},
		},
	}

	assert.Nil(t, friendGroups(events, stats))
}

func TestBattleDuration(t *testing.T) {
	base := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), battleDuration(nil))
	assert.Equal(t, time.Duration(0), battleDuration([]model.KillEvent{{Timestamp: base}}))

	events := []model.KillEvent{
		{Timestamp: base.Add(3 * time.Minute)},
		{Timestamp: base},
		{Timestamp: base.Add(10 * time.Minute)},
	}
	assert.Equal(t, 10*time.Minute, battleDuration(events))
}

// fakeUpstream serves the kill stream and guild search endpoints.
type fakeUpstream struct {
	kills  []map[string]any
	guilds map[string]string // name → id
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/battles/kills", func(w http.ResponseWriter, r *http.Request) {
		records := f.kills
		if records == nil {
			records = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(records)
	})
	mux.HandleFunc("/search/guilds", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		out := []map[string]any{}
		if id, ok := f.guilds[name]; ok {
			out = append(out, map[string]any{"Id": id, "Name": name})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}

func killRecord(eventID uint64, at time.Time, fame int64, killerID, killerGuild, victimID, victimGuild string) map[string]any {
	return map[string]any{
		"EventId":             eventID,
		"TimeStamp":           at.Format(time.RFC3339Nano),
		"TotalVictimKillFame": fame,
		"Killer": map[string]any{
			"Id": killerID, "Name": killerID, "GuildName": killerGuild, "AverageItemPower": 1400.0,
		},
		"Victim": map[string]any{
			"Id": victimID, "Name": victimID, "GuildName": victimGuild, "AverageItemPower": 1350.0,
		},
	}
}

type testRig struct {
	api      *albion.Client
	mmrQueue *queue.Queue
	seasons  *season.Service
}

func newRig(t *testing.T, upstream *fakeUpstream) *testRig {
	t.Helper()
	srv := httptest.NewServer(upstream.handler())
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := testutil.TestLogger()
	return &testRig{
		api:      albion.New(srv.URL, albion.NewRateLimitObserver(100, 0.3), logger),
		mmrQueue: queue.New(model.QueueMmrCalc, rdb, logger),
		seasons:  season.New(testDB, logger),
	}
}

func mustJob(t *testing.T, queueName string, payload any) *queue.Job {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{
		ID: "test-job", Queue: queueName, Payload: body,
		AttemptsMade: 0, MaxAttempts: 3,
	}
}

func TestKillsThenRatingPipeline(t *testing.T) {
	ctx := context.Background()
	const battleID = uint64(770001)
	started := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	_, _, err := testDB.UpsertBattle(ctx, model.Battle{
		AlbionID:     battleID,
		StartedAt:    started,
		TotalFame:    2_600_000,
		TotalKills:   11,
		TotalPlayers: 50,
		IngestedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	seasonRow, err := testDB.CreateSeason(ctx, "pipeline-season", started.Add(-24*time.Hour), nil)
	require.NoError(t, err)

	upstream := &fakeUpstream{
		guilds: map[string]string{"Alpha": "id-alpha", "Bravo": "id-bravo"},
	}
	// Alpha takes it 8 kills to 3; fame keeps both guilds over the
	// participation floor.
	for i := range 8 {
		upstream.kills = append(upstream.kills, killRecord(
			uint64(660000+i), started.Add(time.Duration(i)*time.Minute), 140_000,
			fmt.Sprintf("a%d", i), "Alpha", fmt.Sprintf("b%d", i), "Bravo"))
	}
	for i := range 3 {
		upstream.kills = append(upstream.kills, killRecord(
			uint64(661000+i), started.Add(time.Duration(i)*time.Minute), 130_000,
			fmt.Sprintf("b%d", i), "Bravo", fmt.Sprintf("a%d", i), "Alpha"))
	}

	rig := newRig(t, upstream)
	kw := NewKillsWorker(rig.api, testDB, rig.mmrQueue, testutil.TestLogger())
	require.NoError(t, kw.Handle(ctx, mustJob(t, model.QueueKillsFetch, model.KillsFetchPayload{AlbionID: battleID})))

	battle, err := testDB.GetBattle(ctx, battleID)
	require.NoError(t, err)
	require.NotNil(t, battle.KillsFetchedAt)

	events, err := testDB.KillEventsForBattle(ctx, battleID)
	require.NoError(t, err)
	require.Len(t, events, 11)

	counts, err := rig.mmrQueue.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Waiting, "qualifying battle enters the rating queue")

	mw := NewMmrWorker(rig.api, testDB, rig.seasons, testutil.TestLogger())
	require.NoError(t, mw.Handle(ctx, mustJob(t, model.QueueMmrCalc, model.MmrCalcPayload{AlbionID: battleID})))

	job, err := testDB.GetMmrJob(ctx, battleID, seasonRow.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MmrJobCompleted, job.Status)

	ratings, err := testDB.RatingsForGuilds(ctx, seasonRow.ID, []string{"id-alpha", "id-bravo"})
	require.NoError(t, err)
	assert.InDelta(t, 1016.0, ratings["id-alpha"], 1.5)
	assert.InDelta(t, 984.0, ratings["id-bravo"], 1.5)

	// Replay is a no-op: the guard row is terminal.
	require.NoError(t, mw.Handle(ctx, mustJob(t, model.QueueMmrCalc, model.MmrCalcPayload{AlbionID: battleID})))
	again, err := testDB.RatingsForGuilds(ctx, seasonRow.ID, []string{"id-alpha", "id-bravo"})
	require.NoError(t, err)
	assert.Equal(t, ratings["id-alpha"], again["id-alpha"])
	assert.Equal(t, ratings["id-bravo"], again["id-bravo"])
}

func TestMmrWorkerSkipsSmallBattles(t *testing.T) {
	ctx := context.Background()
	const battleID = uint64(770002)
	started := time.Now().UTC().Add(-time.Hour)

	_, _, err := testDB.UpsertBattle(ctx, model.Battle{
		AlbionID:     battleID,
		StartedAt:    started,
		TotalFame:    2_000_000,
		TotalKills:   8,
		TotalPlayers: 20, // below the admission floor
		IngestedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	seasonRow, err := testDB.CreateSeason(ctx, "small-battle-season", started.Add(-24*time.Hour), nil)
	require.NoError(t, err)

	rig := newRig(t, &fakeUpstream{})
	mw := NewMmrWorker(rig.api, testDB, rig.seasons, testutil.TestLogger())
	require.NoError(t, mw.Handle(ctx, mustJob(t, model.QueueMmrCalc, model.MmrCalcPayload{AlbionID: battleID})))

	// Below the gate, no guard row is ever created.
	_, err = testDB.GetMmrJob(ctx, battleID, seasonRow.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMmrWorkerMissingBattleAcked(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, &fakeUpstream{})
	mw := NewMmrWorker(rig.api, testDB, rig.seasons, testutil.TestLogger())

	require.NoError(t, mw.Handle(ctx, mustJob(t, model.QueueMmrCalc, model.MmrCalcPayload{AlbionID: 999999999})))
}

func TestResolveGuildIDPlaceholderAndPromotion(t *testing.T) {
	ctx := context.Background()
	upstream := &fakeUpstream{guilds: map[string]string{}}
	rig := newRig(t, upstream)
	mw := NewMmrWorker(rig.api, testDB, rig.seasons, testutil.TestLogger())

	// Unknown upstream: a placeholder id is minted and persisted.
	name := "Charlie-" + fmt.Sprint(time.Now().UnixNano())
	id := mw.resolveGuildID(ctx, name)
	assert.True(t, strings.HasPrefix(id, placeholderPrefix))

	stored, err := testDB.GetGuildByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, id, stored.ID)

	// The upstream learns the guild: the next resolution promotes the row.
	upstream.guilds[name] = "id-charlie"
	promoted := mw.resolveGuildID(ctx, name)
	assert.Equal(t, "id-charlie", promoted)

	stored, err = testDB.GetGuildByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "id-charlie", stored.ID)
}

func TestKillsWorkerEmptyStream(t *testing.T) {
	ctx := context.Background()
	const battleID = uint64(770003)

	_, _, err := testDB.UpsertBattle(ctx, model.Battle{
		AlbionID:     battleID,
		StartedAt:    time.Now().UTC().Add(-30 * time.Minute),
		TotalFame:    500_000,
		TotalPlayers: 30,
		IngestedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	rig := newRig(t, &fakeUpstream{})
	kw := NewKillsWorker(rig.api, testDB, rig.mmrQueue, testutil.TestLogger())
	require.NoError(t, kw.Handle(ctx, mustJob(t, model.QueueKillsFetch, model.KillsFetchPayload{AlbionID: battleID})))

	battle, err := testDB.GetBattle(ctx, battleID)
	require.NoError(t, err)
	assert.NotNil(t, battle.KillsFetchedAt, "empty stream still stamps the battle")
}
