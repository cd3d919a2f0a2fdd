package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ErrRunNotFound is returned when no run matches.
var ErrRunNotFound = errors.New("run not found")

// CreateRun inserts a new run in CREATED state.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	planJSON, err := json.Marshal(run.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("failed to marshal execution plan: %w", err)
	}
	metaJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunCreated
	}

	query := `
		INSERT INTO runs (
			id, tenant_id, execution_mode, source_run_id, asset_class, news_enabled,
			locked_product_id, tradability_verified, command_text, intent,
			execution_plan, trade_proposal, status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.TenantID, string(run.ExecutionMode), run.SourceRunID, run.AssetClass,
		run.NewsEnabled, run.LockedProductID, run.TradabilityVerified, run.CommandText,
		run.Intent, planJSON, run.TradeProposal, string(run.Status), metaJSON, run.CreatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to insert run")
		return fmt.Errorf("failed to insert run: %w", err)
	}

	log.Info().
		Str("run_id", run.ID).
		Str("tenant_id", run.TenantID).
		Str("mode", string(run.ExecutionMode)).
		Str("intent", run.Intent).
		Msg("Run created")

	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, tenant_id, execution_mode, source_run_id, asset_class, news_enabled,
		       locked_product_id, tradability_verified, command_text, intent,
		       execution_plan, trade_proposal, status, failure_code, failure_reason,
		       metadata, created_at, started_at, finished_at
		FROM runs WHERE id = $1
	`
	var r Run
	var mode, status string
	var planJSON, metaJSON []byte

	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.TenantID, &mode, &r.SourceRunID, &r.AssetClass, &r.NewsEnabled,
		&r.LockedProductID, &r.TradabilityVerified, &r.CommandText, &r.Intent,
		&planJSON, &r.TradeProposal, &status, &r.FailureCode, &r.FailureReason,
		&metaJSON, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	r.ExecutionMode = ExecutionMode(mode)
	r.Status = RunStatus(status)
	if err := json.Unmarshal(planJSON, &r.ExecutionPlan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution plan: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			log.Warn().Err(err).Str("run_id", id).Msg("Failed to unmarshal run metadata")
		}
	}
	return &r, nil
}

// ActiveRunForTenant returns the run_id of a non-terminal run for the tenant,
// or "" if none. Enforces the one-active-run guard.
func (s *Store) ActiveRunForTenant(ctx context.Context, tenantID string) (string, error) {
	query := `
		SELECT id FROM runs
		WHERE tenant_id = $1 AND status IN ('CREATED', 'RUNNING')
		ORDER BY created_at DESC
		LIMIT 1
	`
	var id string
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check active run: %w", err)
	}
	return id, nil
}

// MarkRunRunning transitions a run to RUNNING and stamps started_at.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'RUNNING', started_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	return nil
}

// CompleteRun transitions a run to COMPLETED.
func (s *Store) CompleteRun(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'COMPLETED', finished_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	log.Info().Str("run_id", id).Msg("Run completed")
	return nil
}

// FailRun transitions a run to FAILED with a failure code and reason.
func (s *Store) FailRun(ctx context.Context, id, code, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'FAILED', failure_code = $2, failure_reason = $3, finished_at = $4 WHERE id = $1`,
		id, code, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	log.Warn().Str("run_id", id).Str("failure_code", code).Str("reason", reason).Msg("Run failed")
	return nil
}

// UpdateExecutionPlan persists changes the strategy node makes to the plan.
func (s *Store) UpdateExecutionPlan(ctx context.Context, id string, plan ExecutionPlan) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal execution plan: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE runs SET execution_plan = $2 WHERE id = $1`, id, planJSON)
	if err != nil {
		return fmt.Errorf("failed to update execution plan: %w", err)
	}
	return nil
}

// SetTradeProposal persists the proposal node's output onto the run.
func (s *Store) SetTradeProposal(ctx context.Context, id string, proposal json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET trade_proposal = $2 WHERE id = $1`, id, proposal)
	if err != nil {
		return fmt.Errorf("failed to set trade proposal: %w", err)
	}
	return nil
}

// SetTradabilityVerified marks the run's selected product as gate-checked.
func (s *Store) SetTradabilityVerified(ctx context.Context, id string, verified bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET tradability_verified = $2 WHERE id = $1`, id, verified)
	if err != nil {
		return fmt.Errorf("failed to set tradability_verified: %w", err)
	}
	return nil
}

// ListRuns returns recent runs for a tenant, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, execution_mode, asset_class, command_text, intent,
		       status, failure_code, created_at, finished_at
		FROM runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var mode, status string
		if err := rows.Scan(&r.ID, &r.TenantID, &mode, &r.AssetClass, &r.CommandText,
			&r.Intent, &status, &r.FailureCode, &r.CreatedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.ExecutionMode = ExecutionMode(mode)
		r.Status = RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetTenant fetches tenant safety switches; unknown tenants get defaults.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, kill_switch_enabled FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.KillSwitchEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Tenant{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}
