package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// ErrNoLastPurchase is returned when a tenant has no prior BUY order.
var ErrNoLastPurchase = errors.New("no last purchase")

// InsertOrder records a placed (or simulated) order.
func (s *Store) InsertOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = symbols.NewID("ord")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	query := `
		INSERT INTO orders (
			id, run_id, tenant_id, symbol, side, notional_usd, status,
			filled_qty, avg_fill_price, fees, client_order_id, venue_order_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.RunID, o.TenantID, o.Symbol, o.Side, o.NotionalUSD, string(o.Status),
		o.FilledQty, o.AvgFillPrice, o.Fees, o.ClientOrderID, o.VenueOrderID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("Failed to insert order")
		return fmt.Errorf("failed to insert order: %w", err)
	}

	log.Info().
		Str("order_id", o.ID).
		Str("run_id", o.RunID).
		Str("symbol", o.Symbol).
		Str("side", o.Side).
		Float64("notional_usd", o.NotionalUSD).
		Msg("Order recorded")

	return nil
}

// UpdateOrderFill backfills execution results onto an order.
// FILLED requires filled_qty > 0 and avg_fill_price > 0.
func (s *Store) UpdateOrderFill(ctx context.Context, orderID string, status OrderStatus, filledQty, avgPrice, fees float64) error {
	if status == OrderFilled && (filledQty <= 0 || avgPrice <= 0) {
		return fmt.Errorf("refusing FILLED with qty=%f price=%f on order %s", filledQty, avgPrice, orderID)
	}
	query := `
		UPDATE orders
		SET status = $2, filled_qty = $3, avg_fill_price = $4, fees = $5, updated_at = $6
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, orderID, string(status), filledQty, avgPrice, fees, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update order fill: %w", err)
	}
	return nil
}

// ListOrdersForRun returns every order recorded for a run.
func (s *Store) ListOrdersForRun(ctx context.Context, runID string) ([]Order, error) {
	query := `
		SELECT id, run_id, tenant_id, symbol, side, notional_usd, status,
		       filled_qty, avg_fill_price, fees, client_order_id, venue_order_id, created_at, updated_at
		FROM orders
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CountOrdersForRun returns how many orders a run placed.
func (s *Store) CountOrdersForRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

// LastPurchase returns the tenant's most recent filled BUY order.
func (s *Store) LastPurchase(ctx context.Context, tenantID string) (*Order, error) {
	query := `
		SELECT id, run_id, tenant_id, symbol, side, notional_usd, status,
		       filled_qty, avg_fill_price, fees, client_order_id, venue_order_id, created_at, updated_at
		FROM orders
		WHERE tenant_id = $1 AND side = 'BUY' AND status = 'FILLED'
		ORDER BY created_at DESC
		LIMIT 1
	`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query last purchase: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNoLastPurchase
	}
	return &orders[0], nil
}

// OrderHistory returns orders for a tenant placed after the cutoff.
func (s *Store) OrderHistory(ctx context.Context, tenantID string, since time.Time) ([]Order, error) {
	query := `
		SELECT id, run_id, tenant_id, symbol, side, notional_usd, status,
		       filled_qty, avg_fill_price, fees, client_order_id, venue_order_id, created_at, updated_at
		FROM orders
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query order history: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]Order, error) {
	var orders []Order
	for rows.Next() {
		var o Order
		var status string
		if err := rows.Scan(&o.ID, &o.RunID, &o.TenantID, &o.Symbol, &o.Side,
			&o.NotionalUSD, &status, &o.FilledQty, &o.AvgFillPrice, &o.Fees,
			&o.ClientOrderID, &o.VenueOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Status = OrderStatus(status)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// InsertFill records an execution against an order.
func (s *Store) InsertFill(ctx context.Context, f *Fill) error {
	if f.ID == "" {
		f.ID = symbols.NewID("fill")
	}
	query := `
		INSERT INTO fills (id, order_id, run_id, qty, price, fee, trade_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, f.ID, f.OrderID, f.RunID, f.Qty, f.Price, f.Fee, f.TradeTime)
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}
