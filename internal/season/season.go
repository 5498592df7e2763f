// Package season manages season lifecycle, prime-time window matching, and
// rating carryover between seasons.
package season

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openalbion/warboard/internal/model"
	"github.com/openalbion/warboard/internal/storage"
)

// Carryover parameters: a new season pulls every guild halfway back toward
// the baseline, clamped so nobody starts too far from the pack.
const (
	carryoverBaseline = 1000.0
	carryoverRetain   = 0.5
	carryoverFloor    = 800.0
	carryoverCeiling  = 1500.0
)

// windowCacheTTL bounds how stale the cached prime-time windows may be.
// Windows change rarely (admin action), battles arrive every few seconds.
const windowCacheTTL = 5 * time.Minute

// Service exposes season and prime-time operations over the storage layer.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.Mutex
	windows     []model.PrimeTimeWindow
	windowsFrom time.Time
}

// New creates a season service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// ActiveSeason returns the unique active season.
func (s *Service) ActiveSeason(ctx context.Context) (*model.Season, error) {
	return s.db.GetActiveSeason(ctx)
}

// SeasonAt resolves the season covering t, used to attribute battles that
// land near a season boundary to the right ladder.
func (s *Service) SeasonAt(ctx context.Context, t time.Time) (*model.Season, error) {
	return s.db.SeasonAt(ctx, t)
}

// IsPrimeTime reports whether t's UTC hour falls inside any configured window.
func (s *Service) IsPrimeTime(ctx context.Context, t time.Time) (bool, error) {
	windows, err := s.cachedWindows(ctx)
	if err != nil {
		return false, err
	}
	hour := t.UTC().Hour()
	for _, w := range windows {
		if w.Matches(hour) {
			return true, nil
		}
	}
	return false, nil
}

// MatchedWindows returns the ids of every window covering t's UTC hour.
// A battle inside overlapping windows contributes mass to each of them.
func (s *Service) MatchedWindows(ctx context.Context, t time.Time) ([]uuid.UUID, error) {
	windows, err := s.cachedWindows(ctx)
	if err != nil {
		return nil, err
	}
	hour := t.UTC().Hour()
	var matched []uuid.UUID
	for _, w := range windows {
		if w.Matches(hour) {
			matched = append(matched, w.ID)
		}
	}
	return matched, nil
}

func (s *Service) cachedWindows(ctx context.Context) ([]model.PrimeTimeWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.windowsFrom) < windowCacheTTL {
		return s.windows, nil
	}
	windows, err := s.db.ListPrimeTimeWindows(ctx)
	if err != nil {
		if s.windows != nil {
			// Serve stale windows over failing the battle pipeline.
			s.logger.Warn("season: window refresh failed, serving cached", "error", err)
			return s.windows, nil
		}
		return nil, err
	}
	s.windows = windows
	s.windowsFrom = time.Now()
	return windows, nil
}

// InvalidateWindowCache forces the next prime-time check to hit storage.
func (s *Service) InvalidateWindowCache() {
	s.mu.Lock()
	s.windowsFrom = time.Time{}
	s.mu.Unlock()
}

// CreateSeason opens a new season. An open-ended season becomes the active
// one; when prev is known its ratings are carried over.
func (s *Service) CreateSeason(ctx context.Context, name string, startDate time.Time, endDate *time.Time) (*model.Season, error) {
	return s.db.CreateSeason(ctx, name, startDate, endDate)
}

// EndSeason closes a season at endDate.
func (s *Service) EndSeason(ctx context.Context, id uuid.UUID, endDate time.Time) error {
	return s.db.EndSeason(ctx, id, endDate)
}

// CarryoverRating maps a previous-season rating into a new season's seed:
// halfway back toward the baseline, clamped into [floor, ceiling].
func CarryoverRating(prev float64) float64 {
	carried := carryoverBaseline + (prev-carryoverBaseline)*carryoverRetain
	if carried < carryoverFloor {
		return carryoverFloor
	}
	if carried > carryoverCeiling {
		return carryoverCeiling
	}
	return carried
}

// InitializeNewSeasonWithCarryover seeds every guild active in prev into the
// new season at its carryover rating. Guilds that already played in the new
// season keep their live rating; the seed never overwrites.
func (s *Service) InitializeNewSeasonWithCarryover(ctx context.Context, newID, prevID uuid.UUID) (int, error) {
	prevRows, err := s.db.ListGuildSeasons(ctx, prevID)
	if err != nil {
		return 0, fmt.Errorf("season: load previous ratings: %w", err)
	}

	seeded := 0
	for _, gs := range prevRows {
		if err := s.db.SeedGuildSeason(ctx, gs.GuildID, newID, CarryoverRating(gs.CurrentMMR)); err != nil {
			return seeded, fmt.Errorf("season: seed %s: %w", gs.GuildID, err)
		}
		seeded++
	}
	s.logger.Info("season: carryover complete",
		"new_season", newID, "previous_season", prevID, "guilds", seeded)
	return seeded, nil
}
