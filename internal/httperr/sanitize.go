package httperr

import "encoding/json"

const redactedPlaceholder = "[REDACTED]"

var redactedFields = map[string]struct{}{
	"password":    {},
	"apiKey":      {},
	"api_key":     {},
	"data_base64": {},
}

// Redact returns a deep copy of v with sensitive field values replaced.
// Only for log output; envelopes are never built from redacted values.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, sensitive := redactedFields[k]; sensitive {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = Redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Redact(inner)
		}
		return out
	default:
		return v
	}
}

// RedactJSON sanitizes a raw JSON document for logging. Payloads that do not
// parse are returned untouched.
func RedactJSON(raw []byte) []byte {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	clean, err := json.Marshal(Redact(decoded))
	if err != nil {
		return raw
	}
	return clean
}
