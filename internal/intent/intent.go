package intent

import (
	"regexp"
	"strings"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Type is the classified intent of a user command.
type Type string

const (
	Greeting          Type = "GREETING"
	CapabilitiesHelp  Type = "CAPABILITIES_HELP"
	FinanceAnalysis   Type = "FINANCE_ANALYSIS"
	TradeExecution    Type = "TRADE_EXECUTION"
	Portfolio         Type = "PORTFOLIO"
	PortfolioAnalysis Type = "PORTFOLIO_ANALYSIS"
	AppDiagnostics    Type = "APP_DIAGNOSTICS"
	OutOfScope        Type = "OUT_OF_SCOPE"
)

var (
	greetingRe = regexp.MustCompile(`^(hi|hiya|hello|hey|yo|good (morning|afternoon|evening)|howdy|how are you|what's up|whats up|sup)\b`)

	helpKeywords = []string{
		"what can you do", "what do you do", "capabilities", "help me", "how do i use",
		"how does this work", "what are you", "commands", "features", "instructions",
	}

	outOfScopeKeywords = []string{
		"president", "election", "politics", "senate", "congress", "vote",
		"football", "soccer", "basketball", "baseball", "super bowl", "world cup",
		"celebrity", "actor", "actress", "singer", "movie", "film",
		"capital of", "population of", "weather", "recipe", "poem", "joke",
	}

	diagnosticsKeywords = []string{
		"app status", "system status", "diagnostics", "health check", "are you online",
		"api status", "is the app working", "uptime", "version",
	}

	portfolioAnalysisRe = regexp.MustCompile(`(analyz|analys)\w* (my )?(portfolio|holdings|positions)|portfolio (risk|analysis|review|health|breakdown)`)

	holdingsQueryRe = regexp.MustCompile(`(how much|how many) \w+ (do i|am i)|my \w+ (balance|holdings?|position)`)

	priceQueryRe = regexp.MustCompile(`\b(price|worth|trading at|cost)\b`)

	tradeKeywords = []string{"buy", "sell", "purchase", "order", "execute", "trade", "invest in", "liquidate"}

	portfolioKeywords = []string{"portfolio", "holdings", "positions", "my balance", "my assets", "account value", "net worth"}

	financeKeywords = []string{
		"crypto", "bitcoin", "btc", "eth", "ethereum", "stock", "market", "price",
		"profit", "return", "performance", "volatility", "trading", "coin", "token",
		"bull", "bear", "rally", "dip", "candle", "chart", "gain", "loss",
	}

	cryptoSymbolRe = regexp.MustCompile(`\b(btc|eth|sol|doge|ada|xrp|ltc|matic|link|avax|dot|bitcoin|ethereum|solana|dogecoin|cardano|ripple|litecoin|chainlink|avalanche)\b`)
)

// Classify maps free text to one of eight intents. Pure function over
// normalized text; first matching rule wins, except the finance-context
// escape on the out-of-scope patterns.
func Classify(text string) Type {
	t := symbols.NormalizeText(text)
	if t == "" {
		return OutOfScope
	}

	if greetingRe.MatchString(t) {
		return Greeting
	}

	if containsAny(t, helpKeywords) {
		return CapabilitiesHelp
	}

	// Out-of-scope topics, unless the question is really about markets
	// ("how could an election affect BTC volatility").
	if containsAny(t, outOfScopeKeywords) && countMatches(t, financeKeywords) < 2 {
		return OutOfScope
	}

	if containsAny(t, diagnosticsKeywords) {
		return AppDiagnostics
	}

	// Must precede the trade-execution check: "analyze" often appears next
	// to crypto symbols.
	if portfolioAnalysisRe.MatchString(t) {
		return PortfolioAnalysis
	}

	// "How much BTC do I own" is a holdings question, not a price question.
	if holdingsQueryRe.MatchString(t) && cryptoSymbolRe.MatchString(t) && !priceQueryRe.MatchString(t) {
		return PortfolioAnalysis
	}

	if containsAny(t, tradeKeywords) {
		return TradeExecution
	}

	hasPortfolio := containsAny(t, portfolioKeywords)
	hasFinance := countMatches(t, financeKeywords) > 0

	switch {
	case hasPortfolio && hasFinance && cryptoSymbolRe.MatchString(t):
		return FinanceAnalysis // comparative, e.g. "how does my portfolio compare to BTC"
	case hasPortfolio:
		return Portfolio
	case hasFinance:
		return FinanceAnalysis
	}

	return OutOfScope
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}
