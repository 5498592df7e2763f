// Package albion wraps the upstream game-data HTTP API.
//
// The client exposes the four read operations the pipeline needs, performs
// strict per-record validation (unknown fields tolerated, malformed records
// skipped), retries idempotent GETs with bounded exponential backoff, and
// owns the process-wide rate-limit observer.
package albion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/openalbion/warboard/internal/model"
)

const (
	maxAttempts      = 4
	baseRetryDelay   = 500 * time.Millisecond
	requestTimeout   = 30 * time.Second
	maxErrorBodySize = 1024
)

// Client calls the upstream game API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	observer   *RateLimitObserver
}

// New creates a client. The observer handle is shared with the crawler's
// slowdown state machine via Observer().
func New(baseURL string, observer *RateLimitObserver, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger:   logger,
		observer: observer,
	}
}

// Observer returns the rate-limit observer owned by this client.
func (c *Client) Observer() *RateLimitObserver {
	return c.observer
}

// battleSummary is the upstream battle shape. Unknown fields are ignored.
type battleSummary struct {
	ID           uint64          `json:"id"`
	StartTime    time.Time       `json:"startTime"`
	TotalFame    int64           `json:"totalFame"`
	TotalKills   int             `json:"totalKills"`
	TotalPlayers int             `json:"totalPlayers"`
	Alliances    json.RawMessage `json:"alliances"`
	Guilds       json.RawMessage `json:"guilds"`
}

func (b battleSummary) toBattle(now time.Time) model.Battle {
	return model.Battle{
		AlbionID:     b.ID,
		StartedAt:    b.StartTime.UTC(),
		TotalFame:    b.TotalFame,
		TotalKills:   b.TotalKills,
		TotalPlayers: b.TotalPlayers,
		Alliances:    b.Alliances,
		Guilds:       b.Guilds,
		IngestedAt:   now,
	}
}

func (b battleSummary) valid() bool {
	return b.ID != 0 && !b.StartTime.IsZero()
}

// ListBattles fetches one page of the battle list, newest first.
// Malformed records are skipped with a log line; the page itself fails only
// on transport or envelope errors.
func (c *Client) ListBattles(ctx context.Context, page, minPlayers int) ([]model.Battle, error) {
	endpoint := fmt.Sprintf("battles?page=%d&minPlayers=%d&sort=recent", page, minPlayers)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	// Decode the envelope as raw records so one bad entry doesn't poison the page.
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &APIError{Class: ClassDecode, Endpoint: endpoint, Err: err}
	}

	now := time.Now().UTC()
	battles := make([]model.Battle, 0, len(raw))
	for i, r := range raw {
		var s battleSummary
		if err := json.Unmarshal(r, &s); err != nil || !s.valid() {
			c.logger.Warn("albion: skipping malformed battle record", "page", page, "index", i, "error", err)
			continue
		}
		battles = append(battles, s.toBattle(now))
	}
	return battles, nil
}

// BattleDetail fetches a single battle with full guild/alliance detail.
func (c *Client) BattleDetail(ctx context.Context, albionID uint64) (*model.Battle, error) {
	endpoint := "battles/" + strconv.FormatUint(albionID, 10)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var s battleSummary
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, &APIError{Class: ClassDecode, Endpoint: endpoint, Err: err}
	}
	if !s.valid() {
		return nil, &APIError{Class: ClassDecode, Endpoint: endpoint, Err: fmt.Errorf("missing id or startTime")}
	}
	b := s.toBattle(time.Now().UTC())
	return &b, nil
}

// killRecord is the upstream kill-event shape.
type killRecord struct {
	EventID             uint64         `json:"EventId"`
	TimeStamp           time.Time      `json:"TimeStamp"`
	TotalVictimKillFame int64          `json:"TotalVictimKillFame"`
	BattleID            uint64         `json:"BattleId"`
	Killer              killerOrVictim `json:"Killer"`
	Victim              killerOrVictim `json:"Victim"`
}

type killerOrVictim struct {
	ID               string          `json:"Id"`
	Name             string          `json:"Name"`
	GuildName        *string         `json:"GuildName"`
	AllianceName     *string         `json:"AllianceName"`
	AverageItemPower float64         `json:"AverageItemPower"`
	Equipment        json.RawMessage `json:"Equipment"`
}

func (p killerOrVictim) toParticipant() model.KillParticipant {
	guild := p.GuildName
	if guild != nil && *guild == "" {
		guild = nil
	}
	alliance := p.AllianceName
	if alliance != nil && *alliance == "" {
		alliance = nil
	}
	return model.KillParticipant{
		ID:        p.ID,
		Name:      p.Name,
		Guild:     guild,
		Alliance:  alliance,
		AvgIP:     p.AverageItemPower,
		Equipment: p.Equipment,
	}
}

// BattleKills fetches all kill events for one battle.
func (c *Client) BattleKills(ctx context.Context, albionID uint64) ([]model.KillEvent, error) {
	endpoint := "battles/kills?ids=" + strconv.FormatUint(albionID, 10)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &APIError{Class: ClassDecode, Endpoint: endpoint, Err: err}
	}

	events := make([]model.KillEvent, 0, len(raw))
	for i, r := range raw {
		var k killRecord
		if err := json.Unmarshal(r, &k); err != nil || k.EventID == 0 || k.TimeStamp.IsZero() {
			c.logger.Warn("albion: skipping malformed kill record", "battle_id", albionID, "index", i, "error", err)
			continue
		}
		ev := model.KillEvent{
			EventID:             k.EventID,
			Timestamp:           k.TimeStamp.UTC(),
			TotalVictimKillFame: k.TotalVictimKillFame,
			Killer:              k.Killer.toParticipant(),
			Victim:              k.Victim.toParticipant(),
		}
		battleID := albionID
		if k.BattleID != 0 {
			battleID = k.BattleID
		}
		ev.BattleAlbionID = &battleID
		events = append(events, ev)
	}
	return events, nil
}

// guildRecord is the upstream guild-search shape.
type guildRecord struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// SearchGuilds looks up guilds by name.
func (c *Client) SearchGuilds(ctx context.Context, name string) ([]model.Guild, error) {
	endpoint := "search/guilds?name=" + url.QueryEscape(name)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var raw []guildRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &APIError{Class: ClassDecode, Endpoint: endpoint, Err: err}
	}

	guilds := make([]model.Guild, 0, len(raw))
	for _, g := range raw {
		if g.ID == "" || g.Name == "" {
			continue
		}
		guilds = append(guilds, model.Guild{ID: g.ID, Name: g.Name})
	}
	return guilds, nil
}

// get performs one GET with bounded exponential backoff on retriable
// failures. Every completed attempt records an outcome in the observer.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr *APIError
	delay := baseRetryDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, apiErr := c.doOnce(ctx, endpoint)
		if apiErr == nil {
			return body, nil
		}
		lastErr = apiErr
		if !apiErr.Retriable() || attempt == maxAttempts {
			break
		}

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return nil, &APIError{Class: ClassNetwork, Endpoint: endpoint, Err: ctx.Err()}
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, endpoint string) ([]byte, *APIError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint, nil)
	if err != nil {
		return nil, &APIError{Class: ClassNetwork, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observer.Record(false)
		return nil, &APIError{Class: ClassNetwork, Endpoint: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	limited := resp.StatusCode == http.StatusTooManyRequests
	c.observer.Record(limited)

	switch {
	case limited:
		return nil, &APIError{Class: ClassRateLimited, StatusCode: resp.StatusCode, Endpoint: endpoint}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &APIError{Class: ClassNotFound, StatusCode: resp.StatusCode, Endpoint: endpoint}
	case resp.StatusCode >= 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &APIError{
			Class:      ClassUpstream,
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Err:        fmt.Errorf("%s", snippet),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{Class: ClassDecode, StatusCode: resp.StatusCode, Endpoint: endpoint}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Class: ClassNetwork, Endpoint: endpoint, Err: err}
	}
	return body, nil
}
