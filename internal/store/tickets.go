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

// ErrTicketNotFound is returned when no trade ticket matches.
var ErrTicketNotFound = errors.New("trade ticket not found")

// CreateTicket opens an assisted-live trade ticket for a run.
// At most one active ticket per run.
func (s *Store) CreateTicket(ctx context.Context, t *TradeTicket) error {
	if t.ID == "" {
		t.ID = symbols.NewID("tkt")
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TicketPending
	}

	var existing int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trade_tickets WHERE run_id = $1 AND status = 'PENDING'`,
		t.RunID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check active tickets: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("run %s already has an active trade ticket", t.RunID)
	}

	query := `
		INSERT INTO trade_tickets (
			id, run_id, symbol, side, notional_usd, tif, expires_at, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.RunID, t.Symbol, t.Side, t.NotionalUSD, t.TIF, t.ExpiresAt,
		string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade ticket: %w", err)
	}
	return nil
}

// GetTicket fetches a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*TradeTicket, error) {
	query := ticketSelect + ` WHERE id = $1`
	return s.scanTicket(s.pool.QueryRow(ctx, query, id))
}

// GetTicketByRun fetches the newest ticket for a run.
func (s *Store) GetTicketByRun(ctx context.Context, runID string) (*TradeTicket, error) {
	query := ticketSelect + ` WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`
	return s.scanTicket(s.pool.QueryRow(ctx, query, runID))
}

// ListPendingTickets returns all open tickets.
func (s *Store) ListPendingTickets(ctx context.Context) ([]TradeTicket, error) {
	query := ticketSelect + ` WHERE status = 'PENDING' ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tickets: %w", err)
	}
	defer rows.Close()

	var tickets []TradeTicket
	for rows.Next() {
		t, err := s.scanTicketRow(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// ApplyTicketReceipt transitions a PENDING ticket to EXECUTED with the
// manually-entered fill details.
func (s *Store) ApplyTicketReceipt(ctx context.Context, id string, receipt json.RawMessage) (bool, error) {
	query := `
		UPDATE trade_tickets
		SET status = 'EXECUTED', receipt = $2, updated_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := s.pool.Exec(ctx, query, id, receipt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to apply ticket receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelTicket transitions a PENDING ticket to CANCELLED.
func (s *Store) CancelTicket(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE trade_tickets SET status = 'CANCELLED', updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := s.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to cancel ticket: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const ticketSelect = `
	SELECT id, run_id, symbol, side, notional_usd, tif, expires_at, status,
	       receipt, created_at, updated_at
	FROM trade_tickets`

func (s *Store) scanTicket(row pgx.Row) (*TradeTicket, error) {
	var t TradeTicket
	var status string
	err := row.Scan(&t.ID, &t.RunID, &t.Symbol, &t.Side, &t.NotionalUSD, &t.TIF,
		&t.ExpiresAt, &status, &t.Receipt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade ticket: %w", err)
	}
	t.Status = TicketStatus(status)
	return &t, nil
}

func (s *Store) scanTicketRow(rows pgx.Rows) (*TradeTicket, error) {
	var t TradeTicket
	var status string
	err := rows.Scan(&t.ID, &t.RunID, &t.Symbol, &t.Side, &t.NotionalUSD, &t.TIF,
		&t.ExpiresAt, &status, &t.Receipt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade ticket: %w", err)
	}
	t.Status = TicketStatus(status)
	return &t, nil
}
