package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// InsertCandleBatch freezes a fetched candle series as replay/oracle evidence.
func (s *Store) InsertCandleBatch(ctx context.Context, batch *CandleBatch) error {
	if batch.ID == "" {
		batch.ID = symbols.NewID("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	candlesJSON, err := json.Marshal(batch.Candles)
	if err != nil {
		return fmt.Errorf("failed to marshal candles: %w", err)
	}
	query := `
		INSERT INTO market_candles_batches (
			id, run_id, product_id, granularity, candles, query_params, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query,
		batch.ID, batch.RunID, batch.ProductID, batch.Granularity,
		candlesJSON, batch.QueryParams, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert candle batch: %w", err)
	}
	return nil
}

// ListCandleBatches returns all frozen candle batches for a run.
func (s *Store) ListCandleBatches(ctx context.Context, runID string) ([]CandleBatch, error) {
	query := `
		SELECT id, run_id, product_id, granularity, candles, query_params, created_at
		FROM market_candles_batches
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list candle batches: %w", err)
	}
	defer rows.Close()

	var batches []CandleBatch
	for rows.Next() {
		var b CandleBatch
		var candlesJSON []byte
		if err := rows.Scan(&b.ID, &b.RunID, &b.ProductID, &b.Granularity,
			&candlesJSON, &b.QueryParams, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan candle batch: %w", err)
		}
		if err := json.Unmarshal(candlesJSON, &b.Candles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candles: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
