// Package storage provides optional persistence for finished-match
// summaries. It is entirely write-only from the engine's perspective: a
// Room reports a MatchSummary once it finishes, and nothing in the live
// match path ever reads back through this package.
package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS match_summary (
	id UUID PRIMARY KEY,
	match_id TEXT NOT NULL UNIQUE,
	game_mode TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	final_tick BIGINT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_match_summary_ended_at ON match_summary(ended_at DESC);
CREATE TABLE IF NOT EXISTS match_summary_player (
	match_id TEXT NOT NULL REFERENCES match_summary(match_id),
	player_id TEXT NOT NULL,
	team_id INT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_match_summary_player_match_id ON match_summary_player(match_id);
CREATE INDEX IF NOT EXISTS idx_match_summary_player_player_id ON match_summary_player(player_id);
`

// Store persists finished-match summaries to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and ensures the match_summary tables exist.
// If databaseURL is empty, NewStore returns (nil, nil): persistence is
// disabled and every Store method on a nil *Store is a no-op.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("connected to Postgres", "tag", "storage")
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// MatchSummaryPlayer is one participant's final standing in a MatchSummary.
type MatchSummaryPlayer struct {
	PlayerID string `json:"playerId"`
	TeamID   int    `json:"teamId"`
}

// MatchSummary is a finished match's record.
type MatchSummary struct {
	MatchID   string                `json:"matchId"`
	GameMode  string                `json:"gameMode"`
	Reason    string                `json:"reason"`
	FinalTick int64                 `json:"finalTick"`
	StartedAt time.Time             `json:"startedAt"`
	EndedAt   time.Time             `json:"endedAt"`
	Players   []MatchSummaryPlayer  `json:"players"`
}

// RecordMatchEnd persists one finished match and its roster. A nil Store
// makes this a no-op, so callers never need to branch on whether
// persistence is enabled.
func (s *Store) RecordMatchEnd(ctx context.Context, summary MatchSummary) error {
	if s == nil || s.pool == nil {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO match_summary (id, match_id, game_mode, reason, final_tick, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (match_id) DO NOTHING`,
		uuid.NewString(), summary.MatchID, summary.GameMode, summary.Reason, summary.FinalTick, summary.StartedAt, summary.EndedAt)
	if err != nil {
		return err
	}
	for _, p := range summary.Players {
		if _, err := tx.Exec(ctx, `
			INSERT INTO match_summary_player (match_id, player_id, team_id) VALUES ($1, $2, $3)`,
			summary.MatchID, p.PlayerID, p.TeamID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListRecent returns the most recently ended matches, newest first. Used by
// an operator-facing endpoint only; never consulted by the live engine.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]MatchSummary, error) {
	if s == nil || s.pool == nil {
		return []MatchSummary{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT match_id, game_mode, reason, final_tick, started_at, ended_at
		FROM match_summary
		ORDER BY ended_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchSummary
	for rows.Next() {
		var sm MatchSummary
		if err := rows.Scan(&sm.MatchID, &sm.GameMode, &sm.Reason, &sm.FinalTick, &sm.StartedAt, &sm.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		players, err := s.playersFor(ctx, out[i].MatchID)
		if err != nil {
			return nil, err
		}
		out[i].Players = players
	}
	return out, nil
}

func (s *Store) playersFor(ctx context.Context, matchID string) ([]MatchSummaryPlayer, error) {
	rows, err := s.pool.Query(ctx, `SELECT player_id, team_id FROM match_summary_player WHERE match_id = $1`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var players []MatchSummaryPlayer
	for rows.Next() {
		var p MatchSummaryPlayer
		if err := rows.Scan(&p.PlayerID, &p.TeamID); err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}
