package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openalbion/warboard/internal/model"
)

// GetGuildByName looks a guild up by its unique name.
func (db *DB) GetGuildByName(ctx context.Context, name string) (*model.Guild, error) {
	var g model.Guild
	err := db.pool.QueryRow(ctx,
		`SELECT id, name FROM guilds WHERE name = $1`, name,
	).Scan(&g.ID, &g.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get guild by name: %w", err)
	}
	return &g, nil
}

// CreateGuild inserts a guild row. On a name race the row created by the
// other writer is adopted and returned.
func (db *DB) CreateGuild(ctx context.Context, g model.Guild) (*model.Guild, error) {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO guilds (id, name) VALUES ($1, $2)`, g.ID, g.Name,
	)
	if err == nil {
		return &g, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Another writer won the race: prefer the row found by name, then by id.
		if existing, lookupErr := db.GetGuildByName(ctx, g.Name); lookupErr == nil {
			return existing, nil
		}
		var byID model.Guild
		if lookupErr := db.pool.QueryRow(ctx,
			`SELECT id, name FROM guilds WHERE id = $1`, g.ID,
		).Scan(&byID.ID, &byID.Name); lookupErr == nil {
			return &byID, nil
		}
	}
	return nil, fmt.Errorf("storage: create guild %q: %w", g.Name, err)
}

// UpdateGuildID promotes a placeholder guild id to the real upstream id once
// it is learned. GuildSeason rows follow via ON UPDATE CASCADE.
func (db *DB) UpdateGuildID(ctx context.Context, name, realID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE guilds SET id = $2 WHERE name = $1 AND id <> $2`, name, realID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// The real id already exists under another row; keep the existing one.
			return nil
		}
		return fmt.Errorf("storage: update guild id %q: %w", name, err)
	}
	if tag.RowsAffected() > 0 {
		db.logger.Info("guild id promoted", "name", name, "id", realID)
	}
	return nil
}
