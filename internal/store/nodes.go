package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// CreateNode inserts a dag_node row in RUNNING state and returns its ID.
func (s *Store) CreateNode(ctx context.Context, runID, name string, inputs json.RawMessage) (string, error) {
	id := symbols.NewID("node")
	now := time.Now().UTC()
	query := `
		INSERT INTO dag_nodes (id, run_id, name, status, inputs, started_at)
		VALUES ($1, $2, $3, 'RUNNING', $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, id, runID, name, inputs, now); err != nil {
		return "", fmt.Errorf("failed to create dag node %s: %w", name, err)
	}
	return id, nil
}

// CompleteNode marks a node COMPLETED with its outputs. COMPLETED always
// carries outputs; pass an empty object rather than nil.
func (s *Store) CompleteNode(ctx context.Context, nodeID string, outputs json.RawMessage) error {
	if len(outputs) == 0 {
		outputs = json.RawMessage(`{}`)
	}
	query := `
		UPDATE dag_nodes SET status = 'COMPLETED', outputs = $2, finished_at = $3
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, nodeID, outputs, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to complete dag node: %w", err)
	}
	return nil
}

// FailNode marks a node FAILED with the error recorded in outputs.
func (s *Store) FailNode(ctx context.Context, nodeID string, nodeErr error) error {
	outputs := symbols.SafeJSON(map[string]any{"error": nodeErr.Error()})
	query := `
		UPDATE dag_nodes SET status = 'FAILED', outputs = $2, finished_at = $3
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, nodeID, outputs, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to fail dag node: %w", err)
	}
	return nil
}

// SkipNode marks a node SKIPPED with the reason recorded in outputs.
func (s *Store) SkipNode(ctx context.Context, nodeID, reason string) error {
	outputs := symbols.SafeJSON(map[string]any{"skip_reason": reason})
	query := `
		UPDATE dag_nodes SET status = 'SKIPPED', outputs = $2, finished_at = $3
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, nodeID, outputs, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to skip dag node: %w", err)
	}
	return nil
}

// ListNodes returns all nodes for a run in start order.
func (s *Store) ListNodes(ctx context.Context, runID string) ([]DagNode, error) {
	query := `
		SELECT id, run_id, name, status, inputs, outputs, started_at, finished_at
		FROM dag_nodes
		WHERE run_id = $1
		ORDER BY started_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dag nodes: %w", err)
	}
	defer rows.Close()

	var nodes []DagNode
	for rows.Next() {
		var n DagNode
		var status string
		if err := rows.Scan(&n.ID, &n.RunID, &n.Name, &status, &n.Inputs, &n.Outputs,
			&n.StartedAt, &n.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dag node: %w", err)
		}
		n.Status = NodeStatus(status)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
