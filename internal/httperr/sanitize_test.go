package httperr

import (
	"encoding/json"
	"testing"
)

func TestRedactNested(t *testing.T) {
	in := map[string]any{
		"name":     "report",
		"password": "hunter2",
		"nested": map[string]any{
			"api_key":     "secret",
			"data_base64": "AAAA",
			"count":       float64(3),
		},
		"items": []any{
			map[string]any{"apiKey": "k"},
		},
	}

	out, ok := Redact(in).(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", Redact(in))
	}
	if out["password"] != redactedPlaceholder {
		t.Fatalf("password not redacted: %v", out["password"])
	}
	nested := out["nested"].(map[string]any)
	if nested["api_key"] != redactedPlaceholder || nested["data_base64"] != redactedPlaceholder {
		t.Fatalf("nested secrets not redacted: %v", nested)
	}
	if nested["count"] != float64(3) {
		t.Fatalf("non-secret value changed: %v", nested["count"])
	}
	item := out["items"].([]any)[0].(map[string]any)
	if item["apiKey"] != redactedPlaceholder {
		t.Fatalf("array element not redacted: %v", item)
	}
	if in["password"] != "hunter2" {
		t.Fatalf("input mutated: %v", in["password"])
	}
}

func TestRedactJSON(t *testing.T) {
	clean := RedactJSON([]byte(`{"user":"a","password":"x"}`))
	var decoded map[string]any
	if err := json.Unmarshal(clean, &decoded); err != nil {
		t.Fatalf("unmarshal redacted: %v", err)
	}
	if decoded["password"] != redactedPlaceholder {
		t.Fatalf("password survived: %s", clean)
	}
	if decoded["user"] != "a" {
		t.Fatalf("user field changed: %s", clean)
	}

	raw := []byte("not json")
	if string(RedactJSON(raw)) != "not json" {
		t.Fatalf("non-JSON payload changed")
	}
}
