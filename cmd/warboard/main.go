package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/openalbion/warboard/internal/albion"
	"github.com/openalbion/warboard/internal/config"
	"github.com/openalbion/warboard/internal/crawler"
	"github.com/openalbion/warboard/internal/model"
	"github.com/openalbion/warboard/internal/queue"
	"github.com/openalbion/warboard/internal/season"
	"github.com/openalbion/warboard/internal/storage"
	"github.com/openalbion/warboard/internal/telemetry"
	"github.com/openalbion/warboard/internal/worker"
	"github.com/openalbion/warboard/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("warboard starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres. The pool is sized to cover the worker fleet.
	db, err := storage.New(ctx, cfg.DatabaseURL, storage.Options{
		MinConns:          cfg.PoolMin,
		MaxConns:          cfg.EffectivePoolMax(),
		ConnectionTimeout: cfg.ConnectionTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Connect to Redis.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}

	// Upstream API client with the shared rate-limit observer.
	observer := albion.NewRateLimitObserver(cfg.RateLimitWindow, cfg.RateLimitThreshold)
	api := albion.New(cfg.AlbionAPIURL, observer, logger)

	// Queues. battle-notify is produced here and drained by the external
	// webhook collaborator.
	killsQueue := queue.New(model.QueueKillsFetch, rdb, logger)
	mmrQueue := queue.New(model.QueueMmrCalc, rdb, logger)
	notifyQueue := queue.New(model.QueueBattleNotify, rdb, logger)

	seasons := season.New(db, logger)

	// Consumers.
	killsWorker := queue.NewWorker(
		killsQueue,
		worker.NewKillsWorker(api, db, mmrQueue, logger).Handle,
		cfg.KillsWorkerConcurrency,
		logger,
		queue.WithMaintenanceInterval(cfg.WorkerCleanupInterval),
	)
	if err := killsWorker.Start(ctx); err != nil {
		return err
	}

	mmrWorker := queue.NewWorker(
		mmrQueue,
		worker.NewMmrWorker(api, db, seasons, logger).Handle,
		cfg.MmrWorkerConcurrency,
		logger,
		queue.WithMaintenanceInterval(cfg.WorkerCleanupInterval),
	)
	if err := mmrWorker.Start(ctx); err != nil {
		return err
	}

	// Producers.
	crawl := crawler.New(api, db, killsQueue, notifyQueue, crawler.Options{
		Interval:          cfg.CrawlInterval,
		MaxPages:          cfg.MaxPagesPerCrawl,
		SoftLookback:      cfg.SoftLookback,
		MinPlayers:        cfg.CrawlMinPlayers,
		DebounceKills:     cfg.DebounceKills,
		RecheckDoneBattle: cfg.RecheckDoneBattle,
	}, logger)
	crawl.Start(ctx)

	sweeper := crawler.NewSweeper(api, db, killsQueue, notifyQueue, crawler.SweepOptions{
		Interval:     cfg.GapRecoveryInterval,
		RollingPages: cfg.GapRecoveryPages,
		DeepPages:    cfg.NightlySweepPages,
		DeepMaxAge:   cfg.NightlySweepLookback,
		DeepSleep:    cfg.NightlySweepSleep,
		MinPlayers:   cfg.CrawlMinPlayers,
	}, logger)
	sweeper.Start(ctx)

	// Nightly deep sweep at the configured UTC hour.
	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc(fmt.Sprintf("0 %d * * *", cfg.NightlySweepHour), func() {
		if err := sweeper.RunDeep(ctx); err != nil && ctx.Err() == nil {
			logger.Error("nightly deep sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	scheduler.Start()

	// Queue hygiene.
	cleaner := queue.NewCleaner(rdb,
		[]*queue.Queue{killsQueue, mmrQueue, notifyQueue},
		cfg.CleanupInterval, cfg.HighFreqCleanupInterval, logger)
	cleaner.Start(ctx)

	<-ctx.Done()

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop the producers
	// so no new jobs enter, (2) drain in-flight consumers, (3) stop the
	// cleanup supervisor. Redis and Postgres close via defers.
	slog.Info("warboard shutting down")

	crawl.Stop()
	sweeper.Stop()
	<-scheduler.Stop().Done()

	killsCtx, killsCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := killsWorker.Drain(killsCtx); err != nil {
		slog.Error("kills worker drain error", "error", err)
	}
	killsCancel()

	mmrCtx, mmrCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := mmrWorker.Drain(mmrCtx); err != nil {
		slog.Error("mmr worker drain error", "error", err)
	}
	mmrCancel()

	cleaner.Stop()

	slog.Info("warboard stopped")
	return nil
}
