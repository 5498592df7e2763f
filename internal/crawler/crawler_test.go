package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalbion/warboard/internal/albion"
	"github.com/openalbion/warboard/internal/model"
	"github.com/openalbion/warboard/internal/queue"
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
		fmt.Fprintf(os.Stderr, "crawler_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func defaultOptions() Options {
	return Options{
		Interval:          time.Minute,
		MaxPages:          10,
		SoftLookback:      15 * time.Minute,
		MinPlayers:        10,
		DebounceKills:     30 * time.Minute,
		RecheckDoneBattle: 24 * time.Hour,
	}
}

func TestShouldEnqueueKills(t *testing.T) {
	c := &Crawler{opts: defaultOptions()}
	now := time.Now().UTC()
	ago := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	t.Run("never fetched", func(t *testing.T) {
		assert.True(t, c.shouldEnqueueKills(now.Add(-time.Hour), nil, now))
	})

	t.Run("old battle considered complete", func(t *testing.T) {
		assert.False(t, c.shouldEnqueueKills(now.Add(-25*time.Hour), ago(30*time.Hour), now))
	})

	t.Run("recent fetch debounced", func(t *testing.T) {
		assert.False(t, c.shouldEnqueueKills(now.Add(-time.Hour), ago(10*time.Minute), now))
	})

	t.Run("stale fetch of ongoing fight rechecked", func(t *testing.T) {
		assert.True(t, c.shouldEnqueueKills(now.Add(-2*time.Hour), ago(45*time.Minute), now))
	})
}

type fakeAPI struct {
	mu    chan struct{} // simple guard for pages mutation from tests
	pages map[int][]map[string]any
	kills map[uint64][]map[string]any
}

func newFakeAPI() *fakeAPI {
	f := &fakeAPI{
		mu:    make(chan struct{}, 1),
		pages: map[int][]map[string]any{},
		kills: map[uint64][]map[string]any{},
	}
	f.mu <- struct{}{}
	return f
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/battles", func(w http.ResponseWriter, r *http.Request) {
		<-f.mu
		defer func() { f.mu <- struct{}{} }()
		var page int
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		records := f.pages[page]
		if records == nil {
			records = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(records)
	})
	mux.HandleFunc("/battles/kills", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	})
	mux.HandleFunc("/battles/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return mux
}

func battleRecord(id uint64, startedAt time.Time, players int) map[string]any {
	return map[string]any{
		"id":           id,
		"startTime":    startedAt.Format(time.RFC3339Nano),
		"totalFame":    1_500_000,
		"totalKills":   12,
		"totalPlayers": players,
		"guilds":       []map[string]any{{"name": "Guild A"}, {"name": "Guild B"}},
	}
}

func newTestCrawler(t *testing.T, api *fakeAPI, opts Options) (*Crawler, *queue.Queue, *queue.Queue) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := testutil.TestLogger()
	client := albion.New(srv.URL, albion.NewRateLimitObserver(100, 0.3), logger)
	killsQ := queue.New(model.QueueKillsFetch, rdb, logger)
	notifyQ := queue.New(model.QueueBattleNotify, rdb, logger)
	return New(client, testDB, killsQ, notifyQ, opts, logger), killsQ, notifyQ
}

func TestCrawlOnceIngestsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	started := time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Millisecond)
	api.pages[0] = []map[string]any{
		battleRecord(900101, started, 40),
		battleRecord(900102, started.Add(-time.Minute), 30),
	}

	c, killsQ, notifyQ := newTestCrawler(t, api, defaultOptions())
	require.NoError(t, c.CrawlOnce(ctx))

	b, err := testDB.GetBattle(ctx, 900101)
	require.NoError(t, err)
	assert.Equal(t, 40, b.TotalPlayers)
	assert.WithinDuration(t, started, b.StartedAt, time.Second)
	assert.Nil(t, b.KillsFetchedAt)

	counts, err := killsQ.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)

	counts, err = notifyQ.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting, "new battles produce notifications")

	// Watermark lands at min(max started_at seen, now − lookback); the
	// newest battle is 5 minutes old, inside the 15-minute lookback.
	wm, err := testDB.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Before(time.Now().Add(-14*time.Minute)),
		"watermark capped at the lookback horizon, got %v", wm)
}

func TestCrawlOnceSecondPassDedupes(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	started := time.Now().UTC().Add(-3 * time.Minute)
	api.pages[0] = []map[string]any{battleRecord(900201, started, 35)}

	c, killsQ, notifyQ := newTestCrawler(t, api, defaultOptions())
	require.NoError(t, c.CrawlOnce(ctx))
	require.NoError(t, c.CrawlOnce(ctx))

	counts, err := killsQ.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting, "deterministic job id collapses retries")

	counts, err = notifyQ.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting, "second pass is an update, not a create")
}

func TestCrawlStopsOnAllOlderPage(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	// Page 0 is entirely older than the soft cutoff; page 1 must never be
	// ingested.
	oldStart := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)
	api.pages[0] = []map[string]any{
		battleRecord(900301, oldStart, 40),
	}
	api.pages[1] = []map[string]any{
		battleRecord(900302, oldStart.Add(-time.Hour), 40),
	}

	// Other tests advance the shared watermark; start from a clean slate so
	// the advance below is observable.
	_, err := testDB.Pool().Exec(ctx,
		`DELETE FROM service_state WHERE key = $1`, storage.WatermarkKey)
	require.NoError(t, err)

	c, _, _ := newTestCrawler(t, api, defaultOptions())
	require.NoError(t, c.CrawlOnce(ctx))

	_, err = testDB.GetBattle(ctx, 900301)
	require.NoError(t, err)

	_, err = testDB.GetBattle(ctx, 900302)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// When everything seen is older than the lookback horizon the watermark
	// lands on the newest started_at, not on now − lookback: progress is only
	// claimed through history actually observed.
	wm, err := testDB.GetWatermark(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, oldStart, wm, time.Second)
}

func TestWatermarkMonotonic(t *testing.T) {
	ctx := context.Background()

	newer := time.Now().UTC().Add(-20 * time.Minute)
	require.NoError(t, testDB.AdvanceWatermark(ctx, newer))
	require.NoError(t, testDB.AdvanceWatermark(ctx, newer.Add(-time.Hour)))

	wm, err := testDB.GetWatermark(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, newer, wm, time.Second, "older write must not regress the watermark")
}

func TestRollingSweepRecoversMissing(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	started := time.Now().UTC().Add(-30 * time.Minute)
	api.pages[0] = []map[string]any{
		battleRecord(900401, started, 45),                  // missing → recover
		battleRecord(900402, time.Now().UTC(), 45),         // too fresh → crawler's turf
	}

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := testutil.TestLogger()
	client := albion.New(srv.URL, albion.NewRateLimitObserver(100, 0.3), logger)
	killsQ := queue.New(model.QueueKillsFetch, rdb, logger)
	notifyQ := queue.New(model.QueueBattleNotify, rdb, logger)

	s := NewSweeper(client, testDB, killsQ, notifyQ, SweepOptions{
		Interval:     time.Minute,
		RollingPages: 5,
		MinPlayers:   10,
	}, logger)
	require.NoError(t, s.RunRolling(ctx))

	_, err := testDB.GetBattle(ctx, 900401)
	require.NoError(t, err)

	_, err = testDB.GetBattle(ctx, 900402)
	assert.ErrorIs(t, err, storage.ErrNotFound, "fresh battles left to the crawler")

	counts, err := killsQ.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestDeepSweepSkipsSettledBattles(t *testing.T) {
	ctx := context.Background()

	// A battle that exists with a COMPLETED rating job must produce no new
	// kills work from the deep sweep.
	started := time.Now().UTC().Add(-30 * time.Minute)
	_, _, err := testDB.UpsertBattle(ctx, model.Battle{
		AlbionID:     900501,
		StartedAt:    started,
		TotalPlayers: 50,
		TotalFame:    2_000_000,
		IngestedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	season, err := testDB.CreateSeason(ctx, "deep-sweep-season-"+uuid.NewString(), started.Add(-time.Hour), nil)
	require.NoError(t, err)

	_, claimed, err := testDB.ClaimMmrJob(ctx, 900501, season.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, testDB.ApplyMmrOutcome(ctx, 900501, season.ID, started,
		model.EngineResult{Deltas: map[string]float64{}}, nil))

	api := newFakeAPI()
	api.pages[0] = []map[string]any{battleRecord(900501, started, 50)}

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := testutil.TestLogger()
	client := albion.New(srv.URL, albion.NewRateLimitObserver(100, 0.3), logger)
	killsQ := queue.New(model.QueueKillsFetch, rdb, logger)
	notifyQ := queue.New(model.QueueBattleNotify, rdb, logger)

	s := NewSweeper(client, testDB, killsQ, notifyQ, SweepOptions{
		Interval:     time.Minute,
		RollingPages: 5,
		DeepPages:    3,
		DeepMaxAge:   48 * time.Hour,
		DeepSleep:    time.Millisecond,
		MinPlayers:   10,
	}, logger)
	require.NoError(t, s.RunDeep(ctx))

	counts, err := killsQ.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Total(), "settled battle must not restart the kills pipeline")

	counts, err = notifyQ.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Total(), "terminal rating state suppresses re-notification")
}
