package dag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// runExecution places orders (LIVE/PAPER/REPLAY) or creates trade tickets
// (ASSISTED_LIVE and all stock trades). The policy gate has already passed
// when this node runs.
func (r *Runner) runExecution(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run
	plan := run.ExecutionPlan

	if plan.ProductID == "" || plan.SelectedAsset == "" {
		return nil, &nodeFailure{code: "EXECUTION_NO_TARGET", reason: "execution plan has no selected product"}
	}

	if run.ExecutionMode == store.ModeAssistedLive || run.AssetClass == "STOCK" {
		return r.executeTicket(ctx, state)
	}

	var placed []string

	// A funding auto-sell sealed at staging time executes before the buy.
	if autoSell := autoSellFromMetadata(run.Metadata); autoSell != nil {
		order, err := r.placeOrder(ctx, run, autoSell.SellProductID, autoSell.SellBaseSymbol, "SELL", autoSell.SellAmountUSD, len(placed))
		if err != nil {
			r.writeArtifact(ctx, run.ID, store.NodeExecution, store.ArtifactExecutionError, map[string]any{
				"stage": "auto_sell", "error": err.Error(),
			})
			return nil, fmt.Errorf("auto-sell failed: %w", err)
		}
		placed = append(placed, order.ID)
	}

	order, err := r.placeOrder(ctx, run, plan.ProductID, plan.SelectedAsset, plan.Side, plan.NotionalUSD, len(placed))
	if err != nil {
		r.writeArtifact(ctx, run.ID, store.NodeExecution, store.ArtifactExecutionError, map[string]any{
			"stage": "primary", "error": err.Error(),
		})
		return nil, err
	}
	placed = append(placed, order.ID)
	state.ordersPlaced = len(placed)

	r.writeArtifact(ctx, run.ID, store.NodeExecution, store.ArtifactExecutionReport, map[string]any{
		"orders":     placed,
		"mode":       run.ExecutionMode,
		"product_id": plan.ProductID,
	})

	return symbols.SafeJSON(map[string]any{
		"summary":      fmt.Sprintf("placed %d order(s) for %s in %s mode", len(placed), plan.SelectedAsset, run.ExecutionMode),
		"orders":       placed,
		"order_count":  len(placed),
	}), nil
}

// placeOrder places one order. PAPER and REPLAY simulate an immediate fill;
// LIVE submits to the venue. seq keeps client order IDs unique per run while
// staying deterministic for idempotency checks.
func (r *Runner) placeOrder(ctx context.Context, run *store.Run, productID, symbol, side string, notionalUSD float64, seq int) (*store.Order, error) {
	clientOrderID := fmt.Sprintf("%s-%d", run.ID, seq)

	order := &store.Order{
		ID:            symbols.NewID("ord"),
		RunID:         run.ID,
		TenantID:      run.TenantID,
		Symbol:        symbol,
		Side:          side,
		NotionalUSD:   notionalUSD,
		Status:        store.OrderPending,
		ClientOrderID: clientOrderID,
	}

	if run.ExecutionMode == store.ModeLive {
		if run.AssetClass == "CRYPTO" && !run.TradabilityVerified {
			return nil, &nodeFailure{code: "EXECUTION_UNVERIFIED_PRODUCT", reason: "live crypto order without tradability verification"}
		}
		result, err := r.provider.PlaceMarketOrder(ctx, marketdata.OrderRequest{
			ProductID:     productID,
			Side:          side,
			NotionalUSD:   notionalUSD,
			ClientOrderID: clientOrderID,
		})
		if err != nil {
			return nil, fmt.Errorf("venue order failed: %w", err)
		}
		order.Status = store.OrderSubmitted
		order.VenueOrderID = result.VenueOrderID
		if err := r.store.InsertOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("order persist failed: %w", err)
		}
		log.Info().Str("order_id", order.ID).Str("venue_order_id", result.VenueOrderID).Msg("Live order submitted")
		return order, nil
	}

	// Simulated fill at the best known price.
	price, err := r.fillPrice(ctx, run, productID)
	if err != nil {
		return nil, fmt.Errorf("fill price unavailable: %w", err)
	}
	fee := notionalUSD * r.cfg.FeePct
	qty := (notionalUSD - fee) / price

	if err := r.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("order persist failed: %w", err)
	}
	if err := r.store.UpdateOrderFill(ctx, order.ID, store.OrderFilled, qty, price, fee); err != nil {
		return nil, fmt.Errorf("order fill update failed: %w", err)
	}
	if err := r.store.InsertFill(ctx, &store.Fill{
		OrderID:   order.ID,
		RunID:     run.ID,
		Qty:       qty,
		Price:     price,
		Fee:       fee,
		TradeTime: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("fill persist failed: %w", err)
	}

	order.Status = store.OrderFilled
	order.FilledQty = qty
	order.AvgFillPrice = price
	order.Fees = fee
	return order, nil
}

// fillPrice resolves the simulated fill price. REPLAY never calls external
// APIs: it prices from the frozen candle batches.
func (r *Runner) fillPrice(ctx context.Context, run *store.Run, productID string) (float64, error) {
	if run.ExecutionMode == store.ModeReplay {
		batches, err := r.store.ListCandleBatches(ctx, run.ID)
		if err != nil {
			return 0, err
		}
		for _, b := range batches {
			if b.ProductID == productID && len(b.Candles) > 0 {
				return b.Candles[len(b.Candles)-1].Close, nil
			}
		}
		return 0, errors.New("no frozen candles for replay pricing")
	}
	return r.provider.GetPrice(ctx, productID)
}

// executeTicket creates a manual trade ticket instead of an order.
func (r *Runner) executeTicket(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run
	plan := run.ExecutionPlan

	ticket := &store.TradeTicket{
		RunID:       run.ID,
		Symbol:      plan.SelectedAsset,
		Side:        plan.Side,
		NotionalUSD: plan.NotionalUSD,
		TIF:         "DAY",
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	}
	if err := r.store.CreateTicket(ctx, ticket); err != nil {
		r.writeArtifact(ctx, run.ID, store.NodeExecution, store.ArtifactExecutionError, map[string]any{
			"stage": "ticket", "error": err.Error(),
		})
		return nil, fmt.Errorf("ticket creation failed: %w", err)
	}

	r.writeArtifact(ctx, run.ID, store.NodeExecution, store.ArtifactExecutionReport, map[string]any{
		"ticket_id": ticket.ID,
		"mode":      run.ExecutionMode,
		"tif":       ticket.TIF,
	})
	r.notifier.Notify(ctx, "ticket_created", "Trade ticket ready",
		fmt.Sprintf("%s $%.2f of %s awaits manual execution", plan.Side, plan.NotionalUSD, plan.SelectedAsset), run.ID)

	return symbols.SafeJSON(map[string]any{
		"summary":   fmt.Sprintf("trade ticket %s created for manual execution", ticket.ID),
		"ticket_id": ticket.ID,
	}), nil
}

// runPostTrade reconciles fills and writes the post-run portfolio snapshot.
func (r *Runner) runPostTrade(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run

	if run.ExecutionMode == store.ModeAssistedLive || run.AssetClass == "STOCK" {
		ticket, err := r.store.GetTicketByRun(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("ticket load failed: %w", err)
		}
		r.writeArtifact(ctx, run.ID, store.NodePostTrade, store.ArtifactPostTradeReport, map[string]any{
			"ticket_id":     ticket.ID,
			"ticket_status": ticket.Status,
		})
		return symbols.SafeJSON(map[string]any{
			"summary": fmt.Sprintf("ticket %s is %s", ticket.ID, ticket.Status),
		}), nil
	}

	orders, err := r.store.ListOrdersForRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("order load failed: %w", err)
	}

	if run.ExecutionMode == store.ModeLive {
		r.reconcileLiveFills(ctx, run, orders)
		orders, err = r.store.ListOrdersForRun(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("order reload failed: %w", err)
		}
	}

	snapshot, err := r.buildSnapshot(ctx, run, orders)
	if err != nil {
		return nil, err
	}
	if err := r.store.InsertPortfolioSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("snapshot persist failed: %w", err)
	}

	r.writeArtifact(ctx, run.ID, store.NodePostTrade, store.ArtifactPostTradeReport, map[string]any{
		"orders":          len(orders),
		"snapshot_id":     snapshot.ID,
		"total_value_usd": snapshot.TotalValueUSD,
	})
	r.notifier.Notify(ctx, "trade_executed", "Trade complete",
		fmt.Sprintf("Run %s finished, portfolio value $%.2f", run.ID, snapshot.TotalValueUSD), run.ID)

	return symbols.SafeJSON(map[string]any{
		"summary":         fmt.Sprintf("reconciled %d order(s), portfolio $%.2f", len(orders), snapshot.TotalValueUSD),
		"total_value_usd": snapshot.TotalValueUSD,
	}), nil
}

// reconcileLiveFills backfills fill data from the venue. Partial failures
// log and continue; the eval layer grades any gaps.
func (r *Runner) reconcileLiveFills(ctx context.Context, run *store.Run, orders []store.Order) {
	for _, order := range orders {
		if order.Status != store.OrderSubmitted {
			continue
		}
		fills, err := r.provider.ListFills(ctx, order.VenueOrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", order.ID).Msg("Fill fetch failed")
			continue
		}
		var qty, notional, fees float64
		for _, f := range fills {
			qty += f.Qty
			notional += f.Qty * f.Price
			fees += f.Fee
			if err := r.store.InsertFill(ctx, &store.Fill{
				OrderID:   order.ID,
				RunID:     run.ID,
				Qty:       f.Qty,
				Price:     f.Price,
				Fee:       f.Fee,
				TradeTime: f.TradeTime,
			}); err != nil {
				log.Warn().Err(err).Str("order_id", order.ID).Msg("Fill persist failed")
			}
		}
		if qty > 0 {
			avgPrice := notional / qty
			if err := r.store.UpdateOrderFill(ctx, order.ID, store.OrderFilled, qty, avgPrice, fees); err != nil {
				log.Warn().Err(err).Str("order_id", order.ID).Msg("Order fill update failed")
			}
		}
	}
}

// buildSnapshot computes the post-trade ledger. LIVE reads venue balances;
// PAPER applies this run's fills to the previous snapshot (or the seed).
func (r *Runner) buildSnapshot(ctx context.Context, run *store.Run, orders []store.Order) (*store.PortfolioSnapshot, error) {
	balances := map[string]float64{}

	if run.ExecutionMode == store.ModeLive {
		venueBalances, err := r.provider.ListBalances(ctx)
		if err != nil {
			return nil, fmt.Errorf("balance fetch failed: %w", err)
		}
		for _, b := range venueBalances {
			balances[b.Symbol] += b.Available + b.Hold
		}
	} else {
		prev, err := r.store.LatestPortfolioSnapshot(ctx, run.TenantID)
		if err != nil && !errors.Is(err, store.ErrSnapshotNotFound) {
			return nil, fmt.Errorf("snapshot load failed: %w", err)
		}
		if prev != nil {
			for sym, qty := range prev.Balances {
				balances[sym] = qty
			}
		} else {
			balances = store.DefaultPaperBalances()
		}
		for _, order := range orders {
			if order.Status != store.OrderFilled {
				continue
			}
			if order.Side == "BUY" {
				balances["USD"] -= order.NotionalUSD
				balances[order.Symbol] += order.FilledQty
			} else {
				balances["USD"] += order.NotionalUSD - order.Fees
				balances[order.Symbol] -= order.FilledQty
			}
		}
	}

	positions := map[string]float64{}
	total := balances["USD"]
	for sym, qty := range balances {
		if sym == "USD" || qty == 0 {
			continue
		}
		price, err := r.positionPrice(ctx, run, sym, orders)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Position price unavailable, valued at zero")
			continue
		}
		value := qty * price
		positions[sym] = value
		total += value
	}

	runID := run.ID
	return &store.PortfolioSnapshot{
		TenantID:      run.TenantID,
		RunID:         &runID,
		Balances:      balances,
		Positions:     positions,
		TotalValueUSD: total,
	}, nil
}

// positionPrice prefers this run's own fill price, then frozen candles
// (REPLAY), then a live quote.
func (r *Runner) positionPrice(ctx context.Context, run *store.Run, symbol string, orders []store.Order) (float64, error) {
	for _, order := range orders {
		if order.Symbol == symbol && order.AvgFillPrice > 0 {
			return order.AvgFillPrice, nil
		}
	}
	return r.fillPrice(ctx, run, symbols.ToProductID(symbol))
}

func autoSellFromMetadata(metadata map[string]any) *store.AutoSellProposal {
	raw, ok := metadata["auto_sell"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var proposal store.AutoSellProposal
	if err := json.Unmarshal(data, &proposal); err != nil || proposal.SellBaseSymbol == "" {
		return nil
	}
	return &proposal
}
