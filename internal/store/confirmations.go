package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// ErrConfirmationNotFound is returned when no confirmation matches.
var ErrConfirmationNotFound = errors.New("confirmation not found")

// CreatePending writes a new PENDING confirmation and returns its ID.
func (s *Store) CreatePending(ctx context.Context, tenantID, conversationID string, proposal Proposal, mode ExecutionMode, ttl time.Duration) (string, error) {
	id := symbols.NewID("conf")
	now := time.Now().UTC()

	proposalJSON, err := json.Marshal(proposal)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proposal: %w", err)
	}

	query := `
		INSERT INTO trade_confirmations (
			id, tenant_id, conversation_id, proposal, mode, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $7)
	`
	_, err = s.pool.Exec(ctx, query, id, tenantID, conversationID, proposalJSON, string(mode), now, now.Add(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to create pending confirmation: %w", err)
	}

	log.Info().
		Str("confirmation_id", id).
		Str("tenant_id", tenantID).
		Str("conversation_id", conversationID).
		Str("mode", string(mode)).
		Msg("Pending confirmation created")

	return id, nil
}

// GetConfirmation fetches a confirmation by ID.
func (s *Store) GetConfirmation(ctx context.Context, id string) (*Confirmation, error) {
	query := `
		SELECT id, tenant_id, conversation_id, proposal, mode, status,
		       created_at, expires_at, confirmed_at, run_id, insight
		FROM trade_confirmations
		WHERE id = $1
	`
	return s.scanConfirmation(s.pool.QueryRow(ctx, query, id))
}

// GetLatestPendingForConversation fetches the newest PENDING confirmation for
// a conversation, if any.
func (s *Store) GetLatestPendingForConversation(ctx context.Context, tenantID, conversationID string) (*Confirmation, error) {
	query := `
		SELECT id, tenant_id, conversation_id, proposal, mode, status,
		       created_at, expires_at, confirmed_at, run_id, insight
		FROM trade_confirmations
		WHERE tenant_id = $1 AND conversation_id = $2 AND status = 'PENDING'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanConfirmation(s.pool.QueryRow(ctx, query, tenantID, conversationID))
}

func (s *Store) scanConfirmation(row pgx.Row) (*Confirmation, error) {
	var c Confirmation
	var proposalJSON []byte
	var mode, status string

	err := row.Scan(&c.ID, &c.TenantID, &c.ConversationID, &proposalJSON, &mode, &status,
		&c.CreatedAt, &c.ExpiresAt, &c.ConfirmedAt, &c.RunID, &c.Insight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfirmationNotFound
		}
		return nil, fmt.Errorf("failed to scan confirmation: %w", err)
	}

	if err := json.Unmarshal(proposalJSON, &c.Proposal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proposal: %w", err)
	}
	c.Mode = ExecutionMode(mode)
	c.Status = ConfirmationStatus(status)
	return &c, nil
}

// MarkConfirmed atomically transitions PENDING -> CONFIRMED. Returns true for
// exactly one caller; every later caller gets false and should read the
// terminal state. This compare-and-set is the idempotency backbone of the
// confirm flow.
func (s *Store) MarkConfirmed(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE trade_confirmations
		SET status = 'CONFIRMED', confirmed_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := s.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to confirm: %w", err)
	}
	won := tag.RowsAffected() == 1

	log.Info().
		Str("confirmation_id", id).
		Bool("won", won).
		Msg("Confirmation transition attempted")

	return won, nil
}

// MarkCancelled transitions PENDING -> CANCELLED. No-op if already terminal.
func (s *Store) MarkCancelled(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE trade_confirmations
		SET status = 'CANCELLED'
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired transitions PENDING -> EXPIRED. Called when a read observes
// now > expires_at.
func (s *Store) MarkExpired(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE trade_confirmations
		SET status = 'EXPIRED'
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to expire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProposal replaces the staged proposal, used when the selection engine
// locks a concrete product onto a staged trade.
func (s *Store) UpdateProposal(ctx context.Context, id string, proposal Proposal) error {
	proposalJSON, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE trade_confirmations SET proposal = $2 WHERE id = $1`, id, proposalJSON)
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	return nil
}

// UpdateInsight stores the pre-confirm explanation text.
func (s *Store) UpdateInsight(ctx context.Context, id, insight string) error {
	_, err := s.pool.Exec(ctx, `UPDATE trade_confirmations SET insight = $2 WHERE id = $1`, id, insight)
	if err != nil {
		return fmt.Errorf("failed to update insight: %w", err)
	}
	return nil
}

// RunIDsForConversation lists the runs a conversation's confirmations spawned,
// newest first.
func (s *Store) RunIDsForConversation(ctx context.Context, conversationID string) ([]string, error) {
	query := `
		SELECT run_id
		FROM trade_confirmations
		WHERE conversation_id = $1 AND run_id IS NOT NULL
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation runs: %w", err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run_id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	return runIDs, rows.Err()
}

// SetConfirmationRunID links the run created on CONFIRM back to the record so
// idempotent replays can return the same run_id.
func (s *Store) SetConfirmationRunID(ctx context.Context, id, runID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE trade_confirmations SET run_id = $2 WHERE id = $1`, id, runID)
	if err != nil {
		return fmt.Errorf("failed to set confirmation run_id: %w", err)
	}
	return nil
}
