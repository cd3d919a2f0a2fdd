package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactPayload(t *testing.T) {
	in := map[string]any{
		"api_key":       "sk-live-123",
		"Authorization": "Bearer abc",
		"CB-ACCESS-KEY": "k",
		"nested": map[string]any{
			"coinbase_api_secret": "shh",
			"symbol":              "BTC-USD",
		},
		"list": []any{
			map[string]any{"private_key": "pem", "qty": 1.0},
		},
		"notional_usd": 10.0,
	}

	out := RedactPayload(in).(map[string]any)
	assert.Equal(t, Redacted, out["api_key"])
	assert.Equal(t, Redacted, out["Authorization"])
	assert.Equal(t, Redacted, out["CB-ACCESS-KEY"])
	assert.Equal(t, 10.0, out["notional_usd"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["coinbase_api_secret"])
	assert.Equal(t, "BTC-USD", nested["symbol"])

	item := out["list"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, item["private_key"])
	assert.Equal(t, 1.0, item["qty"])
}

func TestRedactJSON(t *testing.T) {
	raw := json.RawMessage(`{"CB-ACCESS-SIGN":"sig","product_id":"ETH-USD"}`)
	out := RedactJSON(raw)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, Redacted, decoded["CB-ACCESS-SIGN"])
	assert.Equal(t, "ETH-USD", decoded["product_id"])

	// No redacted row may ever carry a literal secret.
	assert.NotContains(t, string(out), "sig")
}

func TestRedactJSONInvalid(t *testing.T) {
	out := RedactJSON(json.RawMessage(`{not json`))
	assert.Contains(t, string(out), Redacted)
}

func TestIsSensitiveKeyCaseInsensitive(t *testing.T) {
	assert.True(t, IsSensitiveKey("API_KEY"))
	assert.True(t, IsSensitiveKey("x-Api-Key-id"))
	assert.False(t, IsSensitiveKey("symbol"))
}
