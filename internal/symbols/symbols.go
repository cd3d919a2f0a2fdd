package symbols

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stablecoins excluded from every crypto trading universe.
var Stablecoins = map[string]bool{
	"USDC": true, "USDT": true, "DAI": true, "BUSD": true, "TUSD": true,
	"USDP": true, "GUSD": true, "FRAX": true, "USDD": true, "PYUSD": true,
}

// Aliases maps spoken asset names to base symbols.
var Aliases = map[string]string{
	"bitcoin":  "BTC",
	"ethereum": "ETH",
	"ether":    "ETH",
	"solana":   "SOL",
	"dogecoin": "DOGE",
	"cardano":  "ADA",
	"ripple":   "XRP",
	"litecoin": "LTC",
	"polygon":  "MATIC",
	"chainlink": "LINK",
	"avalanche": "AVAX",
}

// Majors are preferred when capping a crypto universe.
var Majors = []string{"BTC", "ETH", "SOL", "XRP", "DOGE", "ADA", "AVAX", "LINK", "LTC", "DOT"}

// ToBase converts any symbol form to its base asset: "BTC-USD" -> "BTC".
func ToBase(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, "-"); i > 0 {
		return s[:i]
	}
	return s
}

// ToProductID converts any symbol form to its USD product: "BTC" -> "BTC-USD".
// Already-qualified product IDs pass through unchanged.
func ToProductID(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "-") {
		return s
	}
	return s + "-USD"
}

// IsStablecoin reports whether the base of the given symbol is a stablecoin.
func IsStablecoin(symbol string) bool {
	return Stablecoins[ToBase(symbol)]
}

// ResolveAlias maps a spoken name ("bitcoin") to a base symbol; unknown names
// return the uppercased input so ticker-style text passes through.
func ResolveAlias(name string) string {
	if base, ok := Aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return base
	}
	return strings.ToUpper(strings.TrimSpace(name))
}

// NormalizeText lowercases and collapses all whitespace runs to single spaces.
// Idempotent: NormalizeText(NormalizeText(t)) == NormalizeText(t).
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// NewID generates a prefixed opaque identifier, e.g. NewID("run") -> "run_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// SafeJSON marshals any domain value to JSON, never returning an error to the
// caller: time.Time values serialize as RFC3339, unmarshalable values collapse
// to a string form. Artifact writers depend on this never failing.
func SafeJSON(v any) []byte {
	data, err := json.Marshal(sanitize(v))
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return data
}

func sanitize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitize(val)
		}
		return out
	case error:
		return t.Error()
	default:
		return v
	}
}
