package store

// DefaultPaperBalances seeds the paper ledger when a tenant has no snapshot
// yet. Deterministic so replays and tests see identical holdings.
func DefaultPaperBalances() map[string]float64 {
	return map[string]float64{
		"USD": 10000,
		"BTC": 0.5,
		"ETH": 5,
	}
}
