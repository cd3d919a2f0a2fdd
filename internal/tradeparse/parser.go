package tradeparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// AssetClass identifies the venue a parsed command targets.
type AssetClass string

const (
	ClassCrypto    AssetClass = "CRYPTO"
	ClassStock     AssetClass = "STOCK"
	ClassAmbiguous AssetClass = "AMBIGUOUS"
)

// Mode is the requested execution mode.
type Mode string

const (
	ModePaper        Mode = "PAPER"
	ModeLive         Mode = "LIVE"
	ModeAssistedLive Mode = "ASSISTED_LIVE"
)

// MissingField names a required input the command did not carry.
type MissingField string

const (
	MissingAmount MissingField = "missing_amount"
	MissingAsset  MissingField = "missing_asset"
)

// Command is the structured form of a trade instruction.
type Command struct {
	Side               string     `json:"side"` // "buy" or "sell"
	Asset              string     `json:"asset"`
	AssetClass         AssetClass `json:"asset_class"`
	AmountUSD          float64    `json:"amount_usd"`
	SellPct            float64    `json:"sell_pct,omitempty"` // "sell 25%" form
	Mode               Mode       `json:"mode"`
	IsMostProfitable   bool       `json:"is_most_profitable"`
	IsSellLastPurchase bool       `json:"is_sell_last_purchase"`
	LookbackHours      float64    `json:"lookback_hours"`
	SelectionCriteria  string     `json:"selection_criteria,omitempty"` // "highest" or "lowest"
	ThresholdPct       float64    `json:"threshold_pct,omitempty"`
	UniverseConstraint string     `json:"universe_constraint,omitempty"`
	Missing            []MissingField `json:"missing,omitempty"`
}

var (
	dollarRe    = regexp.MustCompile(`\$(\d+(?:\.\d+)?)`)
	usdSuffixRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:usd|dollars?|bucks)\b`)
	pctSellRe   = regexp.MustCompile(`sell\s+(\d+(?:\.\d+)?)\s*(%|percent)`)
	thresholdRe = regexp.MustCompile(`(?:up|gained|above|over)\s+(\d+(?:\.\d+)?)\s*(%|percent)`)

	windowRe = regexp.MustCompile(`(?:last|past|previous)\s+(\d+(?:\.\d+)?)?\s*(minute|min|hour|hr|day|week|month)s?`)

	mostProfitableRe = regexp.MustCompile(`most profitable|top perform\w*|best (return|perform\w*|crypto|coin|stock)|highest perform\w*|biggest (gainer|winner)|best gain\w*`)
	worstRe          = regexp.MustCompile(`least profitable|worst perform\w*|lowest (return|perform\w*)|biggest (loser|faller)|falling|worst`)

	sellLastRe = regexp.MustCompile(`sell\s+(my\s+)?(last|latest|most recent|previous)\s+(purchase|buy|trade|position)`)

	assetTokenRe = regexp.MustCompile(`\b([A-Z]{2,5})\b`)
)

var stockKeywords = []string{"stock", "share", "shares", "equity", "equities", "nasdaq", "nyse"}
var cryptoKeywords = []string{"crypto", "cryptocurrency", "coin", "token", "bitcoin", "btc", "eth", "ethereum", "altcoin"}

// Parse extracts a structured trade command from free text. Missing required
// inputs are reported in Missing rather than as errors, so the endpoint can
// answer with a targeted remediation.
func Parse(text string, defaultMode Mode) Command {
	norm := symbols.NormalizeText(text)
	cmd := Command{
		Mode:          defaultMode,
		LookbackHours: 24,
	}

	// Side
	switch {
	case strings.Contains(norm, "sell") || strings.Contains(norm, "liquidate"):
		cmd.Side = "sell"
	default:
		cmd.Side = "buy"
	}

	// Execution-mode overrides in the command itself
	switch {
	case strings.Contains(norm, "paper"):
		cmd.Mode = ModePaper
	case strings.Contains(norm, "assisted"):
		cmd.Mode = ModeAssistedLive
	case strings.Contains(norm, "live") || strings.Contains(norm, "for real") || strings.Contains(norm, "real money"):
		cmd.Mode = ModeLive
	}

	// Amount: "$10", "$10.50", "10 dollars"
	if m := dollarRe.FindStringSubmatch(norm); m != nil {
		cmd.AmountUSD, _ = strconv.ParseFloat(m[1], 64)
	} else if m := usdSuffixRe.FindStringSubmatch(norm); m != nil {
		cmd.AmountUSD, _ = strconv.ParseFloat(m[1], 64)
	}

	// Percentage sale: "sell 25% of my BTC"
	if m := pctSellRe.FindStringSubmatch(norm); m != nil {
		cmd.SellPct, _ = strconv.ParseFloat(m[1], 64)
	}

	// Threshold: "up 20%"
	if m := thresholdRe.FindStringSubmatch(norm); m != nil {
		cmd.ThresholdPct, _ = strconv.ParseFloat(m[1], 64)
	}

	// Lookback window
	if m := windowRe.FindStringSubmatch(norm); m != nil {
		n := 1.0
		if m[1] != "" {
			n, _ = strconv.ParseFloat(m[1], 64)
		}
		switch m[2] {
		case "minute", "min":
			cmd.LookbackHours = n / 60
		case "hour", "hr":
			cmd.LookbackHours = n
		case "day":
			cmd.LookbackHours = n * 24
		case "week":
			cmd.LookbackHours = n * 168
		case "month":
			cmd.LookbackHours = n * 720
		}
	}

	// Selection forms
	if mostProfitableRe.MatchString(norm) {
		cmd.IsMostProfitable = true
		cmd.SelectionCriteria = "highest"
	}
	if worstRe.MatchString(norm) {
		cmd.IsMostProfitable = true
		cmd.SelectionCriteria = "lowest"
	}
	if sellLastRe.MatchString(norm) {
		cmd.IsSellLastPurchase = true
	}

	// Universe constraints
	switch {
	case strings.Contains(norm, "top 25") || strings.Contains(norm, "top twenty"):
		cmd.UniverseConstraint = "top_25_volume"
	case strings.Contains(norm, "major") || strings.Contains(norm, "blue chip"):
		cmd.UniverseConstraint = "majors_only"
	case strings.Contains(norm, "stablecoin"):
		cmd.UniverseConstraint = "exclude_stablecoins"
	}

	// Asset class
	hasStock := containsAny(norm, stockKeywords)
	hasCrypto := containsAny(norm, cryptoKeywords)
	switch {
	case hasStock && hasCrypto:
		cmd.AssetClass = ClassAmbiguous
	case hasStock:
		cmd.AssetClass = ClassStock
	default:
		cmd.AssetClass = ClassCrypto
	}

	// Asset: alias names first, then uppercase ticker tokens from the raw text.
	cmd.Asset = extractAsset(text, norm)

	// Missing-input reporting
	if cmd.AmountUSD <= 0 && cmd.SellPct <= 0 && !cmd.IsSellLastPurchase {
		cmd.Missing = append(cmd.Missing, MissingAmount)
	}
	if cmd.Asset == "" && !cmd.IsMostProfitable && !cmd.IsSellLastPurchase {
		cmd.Missing = append(cmd.Missing, MissingAsset)
	}

	return cmd
}

func extractAsset(raw, norm string) string {
	for alias, base := range symbols.Aliases {
		if strings.Contains(norm, alias) {
			return base
		}
	}
	// Known crypto tickers in any case
	for _, base := range symbols.Majors {
		if containsWord(norm, strings.ToLower(base)) {
			return base
		}
	}
	// Remaining uppercase tokens in the raw text (stock tickers like AAPL).
	// Skip trading vocabulary that happens to be uppercase.
	skip := map[string]bool{"USD": true, "BUY": true, "SELL": true, "LIVE": true, "PAPER": true, "THE": true, "OF": true, "MY": true}
	for _, m := range assetTokenRe.FindAllStringSubmatch(raw, -1) {
		if !skip[m[1]] {
			return m[1]
		}
	}
	return ""
}

func containsWord(text, word string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return re.MatchString(text)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
