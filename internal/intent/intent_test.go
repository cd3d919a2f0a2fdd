package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Type
	}{
		{"empty", "", OutOfScope},
		{"whitespace", "   \t\n", OutOfScope},
		{"hi", "Hi", Greeting},
		{"good morning", "Good morning!", Greeting},
		{"how are you", "how are you doing today", Greeting},
		{"help", "What can you do?", CapabilitiesHelp},
		{"capabilities", "show me your capabilities", CapabilitiesHelp},
		{"president", "Who is the president?", OutOfScope},
		{"sports", "Who won the super bowl", OutOfScope},
		{"trivia", "what is the capital of France", OutOfScope},
		{"finance escape hatch", "how could the election affect btc volatility in the crypto market", FinanceAnalysis},
		{"diagnostics", "is the app working?", AppDiagnostics},
		{"portfolio analysis", "analyze my portfolio", PortfolioAnalysis},
		{"portfolio risk", "run a portfolio risk analysis", PortfolioAnalysis},
		{"holdings query", "How much BTC do I own?", PortfolioAnalysis},
		{"balance query", "my ETH balance please", PortfolioAnalysis},
		{"price query not holdings", "what is the price of BTC", FinanceAnalysis},
		{"buy", "Buy $10 of BTC", TradeExecution},
		{"sell", "sell 25% of my ethereum", TradeExecution},
		{"most profitable", "buy $5 of the most profitable crypto today", TradeExecution},
		{"portfolio only", "show my portfolio", Portfolio},
		{"finance only", "what's happening in the crypto market", FinanceAnalysis},
		{"comparative", "how is my portfolio doing versus the btc market", FinanceAnalysis},
		{"nonsense", "flurble wurble", OutOfScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.text))
		})
	}
}

// Portfolio-analysis patterns must win over trade keywords: "analyze" plus a
// symbol is not an order.
func TestAnalysisBeatsTradeKeywords(t *testing.T) {
	assert.Equal(t, PortfolioAnalysis, Classify("analyze my portfolio and my BTC position"))
}
