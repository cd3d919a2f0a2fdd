package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// InsertPolicyEvent records a policy-check decision.
func (s *Store) InsertPolicyEvent(ctx context.Context, e *PolicyEvent) error {
	if e.ID == "" {
		e.ID = symbols.NewID("pol")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	reasonsJSON, err := json.Marshal(e.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal policy reasons: %w", err)
	}
	query := `
		INSERT INTO policy_events (id, run_id, decision, reasons, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.RunID, e.Decision, reasonsJSON, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert policy event: %w", err)
	}
	return nil
}

// ListPolicyEvents returns all policy decisions for a run.
func (s *Store) ListPolicyEvents(ctx context.Context, runID string) ([]PolicyEvent, error) {
	query := `
		SELECT id, run_id, decision, reasons, created_at
		FROM policy_events WHERE run_id = $1 ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy events: %w", err)
	}
	defer rows.Close()

	var events []PolicyEvent
	for rows.Next() {
		var e PolicyEvent
		var reasonsJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Decision, &reasonsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy event: %w", err)
		}
		if err := json.Unmarshal(reasonsJSON, &e.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal policy reasons: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertRunEvent records a step lifecycle event.
func (s *Store) InsertRunEvent(ctx context.Context, e *RunEvent) error {
	if e.ID == "" {
		e.ID = symbols.NewID("evt")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO run_events (id, run_id, step_name, event_type, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.RunID, e.StepName, e.EventType, e.Summary, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert run event: %w", err)
	}
	return nil
}

// ListRunEvents returns all lifecycle events for a run in order.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	query := `
		SELECT id, run_id, step_name, event_type, summary, created_at
		FROM run_events WHERE run_id = $1 ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepName, &e.EventType, &e.Summary, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertNotificationEvent records an outbound push decision. Best-effort by
// contract: callers log failures and move on.
func (s *Store) InsertNotificationEvent(ctx context.Context, e *NotificationEvent) error {
	if e.ID == "" {
		e.ID = symbols.NewID("ntf")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO notification_events (id, channel, status, action, run_id, error_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.pool.Exec(ctx, query, e.ID, e.Channel, e.Status, e.Action, e.RunID, e.ErrorText, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert notification event: %w", err)
	}
	return nil
}
