package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// InsertEvalResult appends one evaluator's grade for a run.
func (s *Store) InsertEvalResult(ctx context.Context, r *EvalResult) error {
	if r.ID == "" {
		r.ID = symbols.NewID("eval")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	reasonsJSON, err := json.Marshal(r.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	thresholdsJSON, err := json.Marshal(r.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}
	query := `
		INSERT INTO eval_results (
			id, run_id, eval_name, score, reasons, evaluator_type, eval_category,
			thresholds, details, explanation, explanation_source, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.pool.Exec(ctx, query,
		r.ID, r.RunID, r.EvalName, r.Score, reasonsJSON, r.EvaluatorType, r.Category,
		thresholdsJSON, r.Details, r.Explanation, r.ExplanationSource, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert eval result %s: %w", r.EvalName, err)
	}
	return nil
}

// ListEvalResults returns all eval rows for a run in insert order.
func (s *Store) ListEvalResults(ctx context.Context, runID string) ([]EvalResult, error) {
	query := `
		SELECT id, run_id, eval_name, score, reasons, evaluator_type, eval_category,
		       thresholds, details, explanation, explanation_source, created_at
		FROM eval_results
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval results: %w", err)
	}
	defer rows.Close()

	var results []EvalResult
	for rows.Next() {
		var r EvalResult
		var reasonsJSON, thresholdsJSON []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.EvalName, &r.Score, &reasonsJSON,
			&r.EvaluatorType, &r.Category, &thresholdsJSON, &r.Details,
			&r.Explanation, &r.ExplanationSource, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan eval result: %w", err)
		}
		if err := json.Unmarshal(reasonsJSON, &r.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
		}
		if len(thresholdsJSON) > 0 {
			if err := json.Unmarshal(thresholdsJSON, &r.Thresholds); err != nil {
				return nil, fmt.Errorf("failed to unmarshal thresholds: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListEvalResultsSince returns eval rows newer than the cutoff, for the
// dashboard's windowed summaries.
func (s *Store) ListEvalResultsSince(ctx context.Context, since time.Time) ([]EvalResult, error) {
	query := `
		SELECT id, run_id, eval_name, score, reasons, evaluator_type, eval_category,
		       thresholds, details, explanation, explanation_source, created_at
		FROM eval_results
		WHERE created_at >= $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval results since %s: %w", since, err)
	}
	defer rows.Close()

	var results []EvalResult
	for rows.Next() {
		var r EvalResult
		var reasonsJSON, thresholdsJSON []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.EvalName, &r.Score, &reasonsJSON,
			&r.EvaluatorType, &r.Category, &thresholdsJSON, &r.Details,
			&r.Explanation, &r.ExplanationSource, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan eval result: %w", err)
		}
		if err := json.Unmarshal(reasonsJSON, &r.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
		}
		if len(thresholdsJSON) > 0 {
			if err := json.Unmarshal(thresholdsJSON, &r.Thresholds); err != nil {
				return nil, fmt.Errorf("failed to unmarshal thresholds: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpdateEvalExplanation augments a row with a generated explanation.
func (s *Store) UpdateEvalExplanation(ctx context.Context, evalID, explanation, source string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE eval_results SET explanation = $2, explanation_source = $3 WHERE id = $1`,
		evalID, explanation, source)
	if err != nil {
		return fmt.Errorf("failed to update eval explanation: %w", err)
	}
	return nil
}
