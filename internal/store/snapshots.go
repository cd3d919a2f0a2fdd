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

// ErrSnapshotNotFound is returned when a tenant has no snapshots yet.
var ErrSnapshotNotFound = errors.New("portfolio snapshot not found")

// InsertPortfolioSnapshot appends a balances/positions snapshot.
func (s *Store) InsertPortfolioSnapshot(ctx context.Context, snap *PortfolioSnapshot) error {
	if snap.ID == "" {
		snap.ID = symbols.NewID("snap")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	balancesJSON, err := json.Marshal(snap.Balances)
	if err != nil {
		return fmt.Errorf("failed to marshal balances: %w", err)
	}
	positionsJSON, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("failed to marshal positions: %w", err)
	}
	query := `
		INSERT INTO portfolio_snapshots (
			id, tenant_id, run_id, balances, positions, total_value_usd, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query,
		snap.ID, snap.TenantID, snap.RunID, balancesJSON, positionsJSON,
		snap.TotalValueUSD, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert portfolio snapshot: %w", err)
	}
	return nil
}

// LatestPortfolioSnapshot returns the tenant's newest snapshot.
func (s *Store) LatestPortfolioSnapshot(ctx context.Context, tenantID string) (*PortfolioSnapshot, error) {
	query := `
		SELECT id, tenant_id, run_id, balances, positions, total_value_usd, created_at
		FROM portfolio_snapshots
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var snap PortfolioSnapshot
	var balancesJSON, positionsJSON []byte
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&snap.ID, &snap.TenantID, &snap.RunID, &balancesJSON, &positionsJSON,
		&snap.TotalValueUSD, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio snapshot: %w", err)
	}
	if err := json.Unmarshal(balancesJSON, &snap.Balances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balances: %w", err)
	}
	if err := json.Unmarshal(positionsJSON, &snap.Positions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal positions: %w", err)
	}
	return &snap, nil
}

// InsertAnalysisSnapshot freezes a portfolio brief for replay determinism.
func (s *Store) InsertAnalysisSnapshot(ctx context.Context, snap *AnalysisSnapshot) error {
	if snap.ID == "" {
		snap.ID = symbols.NewID("psnap")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO portfolio_analysis_snapshots (id, run_id, mode, brief_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.pool.Exec(ctx, query, snap.ID, snap.RunID, string(snap.Mode), snap.Brief, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert analysis snapshot: %w", err)
	}
	return nil
}

// GetAnalysisSnapshot returns the frozen brief for a run.
func (s *Store) GetAnalysisSnapshot(ctx context.Context, runID string) (*AnalysisSnapshot, error) {
	query := `
		SELECT id, run_id, mode, brief_json, created_at
		FROM portfolio_analysis_snapshots
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var snap AnalysisSnapshot
	var mode string
	err := s.pool.QueryRow(ctx, query, runID).Scan(&snap.ID, &snap.RunID, &mode, &snap.Brief, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis snapshot: %w", err)
	}
	snap.Mode = ExecutionMode(mode)
	return &snap, nil
}
