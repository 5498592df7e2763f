package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openalbion/warboard/internal/model"
)

// GetActiveSeason returns the unique active season.
func (db *DB) GetActiveSeason(ctx context.Context) (*model.Season, error) {
	var s model.Season
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, start_date, end_date, is_active FROM seasons WHERE is_active = true`,
	).Scan(&s.ID, &s.Name, &s.StartDate, &s.EndDate, &s.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveSeason
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get active season: %w", err)
	}
	return &s, nil
}

// SeasonAt returns the season whose date range covers t, preferring an open
// (end_date IS NULL) season on overlap.
func (db *DB) SeasonAt(ctx context.Context, t time.Time) (*model.Season, error) {
	var s model.Season
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, start_date, end_date, is_active
		 FROM seasons
		 WHERE start_date <= $1 AND (end_date IS NULL OR end_date > $1)
		 ORDER BY end_date IS NULL DESC, start_date DESC
		 LIMIT 1`,
		t,
	).Scan(&s.ID, &s.Name, &s.StartDate, &s.EndDate, &s.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveSeason
	}
	if err != nil {
		return nil, fmt.Errorf("storage: season at %s: %w", t, err)
	}
	return &s, nil
}

// CreateSeason inserts a season. When endDate is nil the new season becomes
// the active one and all others are deactivated in the same transaction.
func (db *DB) CreateSeason(ctx context.Context, name string, startDate time.Time, endDate *time.Time) (*model.Season, error) {
	s := model.Season{
		ID:        uuid.New(),
		Name:      name,
		StartDate: startDate,
		EndDate:   endDate,
		IsActive:  endDate == nil,
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create season: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.IsActive {
		if _, err := tx.Exec(ctx, `UPDATE seasons SET is_active = false WHERE is_active = true`); err != nil {
			return nil, fmt.Errorf("storage: create season: deactivate others: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO seasons (id, name, start_date, end_date, is_active) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Name, s.StartDate, s.EndDate, s.IsActive,
	); err != nil {
		return nil, fmt.Errorf("storage: create season %q: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: create season: commit: %w", err)
	}
	return &s, nil
}

// EndSeason closes a season. Carryover into the successor is driven by the
// season service, not here.
func (db *DB) EndSeason(ctx context.Context, id uuid.UUID, endDate time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE seasons SET end_date = $2, is_active = false WHERE id = $1`,
		id, endDate,
	)
	if err != nil {
		return fmt.Errorf("storage: end season %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPrimeTimeWindows returns all configured prime-time windows.
func (db *DB) ListPrimeTimeWindows(ctx context.Context) ([]model.PrimeTimeWindow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, start_hour, end_hour, timezone FROM prime_time_windows ORDER BY start_hour`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list prime time windows: %w", err)
	}
	defer rows.Close()

	var windows []model.PrimeTimeWindow
	for rows.Next() {
		var w model.PrimeTimeWindow
		if err := rows.Scan(&w.ID, &w.StartHour, &w.EndHour, &w.Timezone); err != nil {
			return nil, fmt.Errorf("storage: scan prime time window: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// CreatePrimeTimeWindow adds a window. Windows are immutable once created.
func (db *DB) CreatePrimeTimeWindow(ctx context.Context, startHour, endHour int, timezone string) (*model.PrimeTimeWindow, error) {
	if startHour < 0 || startHour > 23 || endHour < 0 || endHour > 23 {
		return nil, fmt.Errorf("storage: create prime time window: hours must be 0-23")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	w := model.PrimeTimeWindow{ID: uuid.New(), StartHour: startHour, EndHour: endHour, Timezone: timezone}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO prime_time_windows (id, start_hour, end_hour, timezone) VALUES ($1, $2, $3, $4)`,
		w.ID, w.StartHour, w.EndHour, w.Timezone,
	); err != nil {
		return nil, fmt.Errorf("storage: create prime time window: %w", err)
	}
	return &w, nil
}

// DeletePrimeTimeWindow removes a window.
func (db *DB) DeletePrimeTimeWindow(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM prime_time_windows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete prime time window %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
