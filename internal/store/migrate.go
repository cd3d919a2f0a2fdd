package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// schema is the full DDL, applied idempotently at startup or via cmd/migrate.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		kill_switch_enabled BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS trade_confirmations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		proposal JSONB NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ,
		run_id TEXT,
		insight TEXT,
		CHECK (expires_at > created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_confirmations_conversation
		ON trade_confirmations (tenant_id, conversation_id, status, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		execution_mode TEXT NOT NULL,
		source_run_id TEXT,
		asset_class TEXT NOT NULL,
		news_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		locked_product_id TEXT NOT NULL DEFAULT '',
		tradability_verified BOOLEAN NOT NULL DEFAULT FALSE,
		command_text TEXT NOT NULL,
		intent TEXT NOT NULL,
		execution_plan JSONB NOT NULL DEFAULT '{}',
		trade_proposal JSONB,
		status TEXT NOT NULL DEFAULT 'CREATED',
		failure_code TEXT,
		failure_reason TEXT,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_tenant_active
		ON runs (tenant_id, status) WHERE status IN ('CREATED', 'RUNNING')`,
	`CREATE TABLE IF NOT EXISTS dag_nodes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		inputs JSONB,
		outputs JSONB,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS run_artifacts (
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_name TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		artifact_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON run_artifacts (run_id, artifact_type)`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT,
		tool_name TEXT NOT NULL,
		mcp_server TEXT NOT NULL DEFAULT '',
		request JSONB,
		response JSONB,
		status TEXT NOT NULL,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		attempt INT NOT NULL DEFAULT 1,
		http_status INT,
		error_text TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls (run_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS market_candles_batches (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		granularity TEXT NOT NULL,
		candles JSONB NOT NULL,
		query_params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS rankings (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		window_hours DOUBLE PRECISION NOT NULL,
		metric TEXT NOT NULL,
		ranking_table JSONB NOT NULL,
		selected_symbol TEXT NOT NULL,
		selected_score DOUBLE PRECISION NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		client_order_id TEXT NOT NULL,
		venue_order_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (run_id, client_order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS fills (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		run_id TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		trade_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		run_id TEXT,
		balances JSONB NOT NULL,
		positions JSONB NOT NULL,
		total_value_usd DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_analysis_snapshots (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		brief_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS eval_results (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		eval_name TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 1),
		reasons JSONB NOT NULL DEFAULT '[]',
		evaluator_type TEXT NOT NULL,
		eval_category TEXT NOT NULL,
		thresholds JSONB,
		details JSONB,
		explanation TEXT,
		explanation_source TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eval_results_run ON eval_results (run_id)`,
	`CREATE TABLE IF NOT EXISTS trade_tickets (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		tif TEXT NOT NULL DEFAULT 'DAY',
		expires_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		receipt JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS policy_events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		reasons JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS run_events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_events (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		action TEXT NOT NULL,
		run_id TEXT,
		error_text TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("Schema migration applied")
	return nil
}
