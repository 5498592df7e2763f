package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WatermarkKey is the service_state key holding the crawler watermark.
const WatermarkKey = "battle_ingestion_watermark"

// GetState reads one service_state value.
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.pool.QueryRow(ctx,
		`SELECT value FROM service_state WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: get state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes one service_state value unconditionally.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO service_state (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	); err != nil {
		return fmt.Errorf("storage: set state %q: %w", key, err)
	}
	return nil
}

// GetWatermark returns the crawler watermark, or ErrNotFound before the first crawl.
func (db *DB) GetWatermark(ctx context.Context) (time.Time, error) {
	value, err := db.GetState(ctx, WatermarkKey)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse watermark %q: %w", value, err)
	}
	return t, nil
}

// AdvanceWatermark moves the watermark forward to t. Writes that would move
// it backwards are dropped in SQL, keeping the watermark monotonic even with
// concurrent writers.
func (db *DB) AdvanceWatermark(ctx context.Context, t time.Time) error {
	value := t.UTC().Format(time.RFC3339Nano)
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO service_state (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		 WHERE EXCLUDED.value::timestamptz > service_state.value::timestamptz`,
		WatermarkKey, value,
	); err != nil {
		return fmt.Errorf("storage: advance watermark: %w", err)
	}
	return nil
}
