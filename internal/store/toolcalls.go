package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// InsertToolCall appends one audited external call. Payloads must already be
// redacted by the audit layer; the store never inspects them.
func (s *Store) InsertToolCall(ctx context.Context, tc *ToolCall) error {
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO tool_calls (
			id, run_id, node_id, tool_name, mcp_server, request, response,
			status, latency_ms, attempt, http_status, error_text, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query,
		tc.ID, tc.RunID, tc.NodeID, tc.ToolName, tc.Server, tc.Request, tc.Response,
		tc.Status, tc.LatencyMS, tc.Attempt, tc.HTTPStatus, tc.ErrorText, tc.CreatedAt,
	)
	if err != nil {
		log.Error().Err(err).
			Str("tool_call_id", tc.ID).
			Str("tool", tc.ToolName).
			Msg("Failed to insert tool call")
		return fmt.Errorf("failed to insert tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns all tool calls for a run in call order.
func (s *Store) ListToolCalls(ctx context.Context, runID string) ([]ToolCall, error) {
	query := `
		SELECT id, run_id, node_id, tool_name, mcp_server, request, response,
		       status, latency_ms, attempt, http_status, error_text, created_at
		FROM tool_calls
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		if err := rows.Scan(&tc.ID, &tc.RunID, &tc.NodeID, &tc.ToolName, &tc.Server,
			&tc.Request, &tc.Response, &tc.Status, &tc.LatencyMS, &tc.Attempt,
			&tc.HTTPStatus, &tc.ErrorText, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}
