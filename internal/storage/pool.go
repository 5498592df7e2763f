// Package storage provides the PostgreSQL storage layer for Warboard.
//
// It manages connection pooling via pgxpool, transient-error retry with
// jittered exponential backoff, a forward-only migration runner, and typed
// query methods for every table the ingestion pipeline writes.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/openalbion/warboard/internal/telemetry"
)

// Options tunes the connection pool.
type Options struct {
	MinConns          int
	MaxConns          int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
}

// DB wraps a pgxpool.Pool plus the health-check timestamp.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	lastCheckAt atomic.Int64 // unix nanos of the last successful health check
}

// New creates a DB with a configured connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = int32(opts.MinConns) //nolint:gosec // validated small positive
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = int32(opts.MaxConns) //nolint:gosec // validated small positive
	}
	if opts.ConnectionTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = opts.ConnectionTimeout
	}
	if opts.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = opts.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	db.lastCheckAt.Store(time.Now().UnixNano())
	return db, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HealthCheck pings the database and returns the time of the last successful
// check. The timestamp is monotonically non-decreasing.
func (db *DB) HealthCheck(ctx context.Context) (time.Time, error) {
	if err := db.pool.Ping(ctx); err != nil {
		return time.Unix(0, db.lastCheckAt.Load()), fmt.Errorf("storage: health check: %w", err)
	}
	now := time.Now()
	for {
		prev := db.lastCheckAt.Load()
		if now.UnixNano() <= prev || db.lastCheckAt.CompareAndSwap(prev, now.UnixNano()) {
			break
		}
	}
	return time.Unix(0, db.lastCheckAt.Load()), nil
}

// RegisterPoolMetrics registers observable OTEL gauges for pool health.
// Call after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("warboard/storage")

	_, _ = meter.Int64ObservableGauge("warboard.db.conns_total",
		metric.WithDescription("Total connections currently in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("warboard.db.conns_idle",
		metric.WithDescription("Idle connections currently in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
