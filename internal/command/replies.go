package command

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quantpilot/quantpilot/internal/dag"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/tradeparse"
)

const greetingText = "Hi - I'm your financial assistant. I can analyze your portfolio, rank assets by performance and stage trades for your confirmation. What would you like to do?"

const capabilitiesText = `Here's what I can do:
- Stage trades: "buy $50 of BTC" or "sell $100 of ETH in live mode"
- Pick winners: "buy $50 of the most profitable crypto of the last 24 hours"
- Unwind: "sell my last purchase"
- Analyze: "analyze my portfolio"
- Answer holdings questions: "how much BTC do I have"
Every trade waits for your CONFIRM before anything executes.`

const outOfScopeText = "I'm a financial and trading assistant, so that one's outside my lane. I can analyze your portfolio or stage a trade if you'd like."

func missingFieldsText(missing []tradeparse.MissingField) string {
	var asks []string
	for _, m := range missing {
		switch m {
		case tradeparse.MissingAmount:
			asks = append(asks, "a dollar amount (for example $50)")
		case tradeparse.MissingAsset:
			asks = append(asks, "which asset to trade (for example BTC)")
		}
	}
	return "I need " + strings.Join(asks, " and ") + " to stage this trade."
}

func confirmationPrompt(p store.Proposal, ttl time.Duration) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Staged %s %s of %s %s in %s mode.",
		strings.ToUpper(p.Side), formatUSD(p.AmountUSD), p.Asset, p.AssetClass, p.Mode)
	if p.AutoSell != nil {
		fmt.Fprintf(&sb, " To cover it, %s of %s will be sold first.",
			formatUSD(p.AutoSell.SellAmountUSD), p.AutoSell.SellBaseSymbol)
	}
	fmt.Fprintf(&sb, " Reply CONFIRM to execute or CANCEL to discard. This expires in %s.", ttl.Round(time.Second))
	return sb.String()
}

func stagedInsight(p store.Proposal) string {
	if len(p.SelectionResult) > 0 {
		return fmt.Sprintf("%s was selected as the top performer over the lookback window and locked for execution at %s notional.",
			p.Asset, formatUSD(p.AmountUSD))
	}
	return fmt.Sprintf("You asked to %s %s of %s directly; no selection was involved.",
		strings.ToLower(p.Side), formatUSD(p.AmountUSD), p.Asset)
}

// formatUSD renders 45000.5 as "$45,000.50".
func formatUSD(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := int64(math.Floor(v))
	cents := int64(math.Round((v - float64(whole)) * 100))
	if cents == 100 {
		whole++
		cents = 0
	}
	digits := fmt.Sprintf("%d", whole)
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	return fmt.Sprintf("%s$%s.%02d", sign, strings.Join(groups, ","), cents)
}

// formatBrief renders a portfolio brief as chat text.
func formatBrief(b *dag.PortfolioBrief) string {
	if b.Failure != nil {
		return fmt.Sprintf("I couldn't produce a full analysis: %s. %s",
			b.Failure.ErrorMessage, b.Failure.SuggestedAction)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Portfolio analysis (%s mode). Total value %s, cash %s.\n",
		b.Mode, formatUSD(b.TotalValueUSD), formatUSD(b.CashUSD))
	for _, h := range b.Holdings {
		if h.Symbol == "USD" {
			continue
		}
		fmt.Fprintf(&sb, "- %.8f %s (%s, %.1f%%)\n", h.Qty, h.Symbol, formatUSD(h.USDValue), h.AllocationPct)
	}
	if b.Risk != nil {
		fmt.Fprintf(&sb, "Risk: %s. Top holding is %.1f%% of the portfolio, diversification score %.2f.\n",
			b.Risk.RiskLevel, b.Risk.ConcentrationPctTop1, b.Risk.DiversificationScore)
	}
	if b.TradeSummary != nil && b.TradeSummary.OrderCount > 0 {
		fmt.Fprintf(&sb, "Last %d days: %d orders (%d buys, %d sells) totalling %s.\n",
			b.TradeSummary.WindowDays, b.TradeSummary.OrderCount, b.TradeSummary.BuyCount,
			b.TradeSummary.SellCount, formatUSD(b.TradeSummary.TotalNotionalUSD))
	}
	for _, rec := range b.Recommendations {
		fmt.Fprintf(&sb, "Recommendation: %s\n", rec)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatSnapshot renders the latest portfolio snapshot for holdings
// questions.
func formatSnapshot(snap *store.PortfolioSnapshot) string {
	type line struct {
		symbol string
		qty    float64
		value  float64
	}
	var lines []line
	for symbol, qty := range snap.Balances {
		if symbol == "USD" || qty == 0 {
			continue
		}
		lines = append(lines, line{symbol: symbol, qty: qty, value: snap.Positions[symbol]})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].value > lines[j].value })

	var sb strings.Builder
	sb.WriteString("Your portfolio:")
	if len(lines) == 0 {
		sb.WriteString(" no open positions")
	}
	for _, l := range lines {
		fmt.Fprintf(&sb, " %.8f %s (%s),", l.qty, l.symbol, formatUSD(l.value))
	}
	text := strings.TrimRight(sb.String(), ",")
	return fmt.Sprintf("%s. Cash: %s. Total: %s.",
		text, formatUSD(snap.Balances["USD"]), formatUSD(snap.TotalValueUSD))
}
