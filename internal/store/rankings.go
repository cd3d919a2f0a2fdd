package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// ErrRankingNotFound is returned when a run has no persisted ranking.
var ErrRankingNotFound = errors.New("ranking not found")

// InsertRanking persists the scored universe table for a run.
func (s *Store) InsertRanking(ctx context.Context, r *Ranking) error {
	if r.ID == "" {
		r.ID = symbols.NewID("rank")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	tableJSON, err := json.Marshal(r.Table)
	if err != nil {
		return fmt.Errorf("failed to marshal ranking table: %w", err)
	}
	query := `
		INSERT INTO rankings (
			id, run_id, window_hours, metric, ranking_table,
			selected_symbol, selected_score, rationale, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		r.ID, r.RunID, r.WindowHours, r.Metric, tableJSON,
		r.SelectedSymbol, r.SelectedScore, r.Rationale, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ranking: %w", err)
	}
	return nil
}

// GetRanking fetches the ranking for a run.
func (s *Store) GetRanking(ctx context.Context, runID string) (*Ranking, error) {
	query := `
		SELECT id, run_id, window_hours, metric, ranking_table,
		       selected_symbol, selected_score, rationale, created_at
		FROM rankings
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var r Ranking
	var tableJSON []byte
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&r.ID, &r.RunID, &r.WindowHours, &r.Metric, &tableJSON,
		&r.SelectedSymbol, &r.SelectedScore, &r.Rationale, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRankingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ranking: %w", err)
	}
	if err := json.Unmarshal(tableJSON, &r.Table); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ranking table: %w", err)
	}
	return &r, nil
}
