package audit

import (
	"encoding/json"
	"strings"
)

// Redacted replaces any secret value before persistence.
const Redacted = "***REDACTED***"

// sensitiveKeyParts match case-insensitively against payload keys. Any key
// containing one of these has its value replaced wholesale.
var sensitiveKeyParts = []string{
	"api_key",
	"api_secret",
	"private_key",
	"cb-access-key",
	"cb-access-sign",
	"authorization",
}

// IsSensitiveKey reports whether a payload key must be redacted.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactPayload walks a decoded JSON tree and replaces every value under a
// sensitive key. Redaction happens here, before any write: callers are never
// trusted to strip secrets themselves.
func RedactPayload(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = RedactPayload(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RedactPayload(val)
		}
		return out
	default:
		return v
	}
}

// RedactJSON redacts a raw JSON document. Invalid JSON is replaced entirely
// rather than persisted unredacted.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(`"` + Redacted + `"`)
	}
	out, err := json.Marshal(RedactPayload(v))
	if err != nil {
		return json.RawMessage(`"` + Redacted + `"`)
	}
	return out
}
