package dispatch

import (
	"bytes"
	"encoding/json"

	"github.com/l0p7/tollgate/internal/httperr"
)

// metadataKeys are the container fields an upstream may use for pagination.
// The first match wins.
var metadataKeys = []string{"metadata", "meta", "pagination"}

// paginationFields are the loose top-level fields that get collected into
// metadata when no container object is present.
var paginationFields = []string{"page", "limit", "total", "totalPages", "hasMore"}

// Normalize reshapes a successful upstream body into the gateway's success
// envelope. Bodies that already carry a "success" field pass through
// untouched; everything else is wrapped, with pagination fields lifted into
// metadata. Non-JSON bodies are wrapped as an opaque string.
func Normalize(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return httperr.Success(nil)
	}

	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return httperr.Success(string(trimmed))
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return httperr.Success(parsed)
	}
	if _, enveloped := obj["success"]; enveloped {
		return obj
	}

	metadata, rest := extractMetadata(obj)

	var payload any
	if data, hasData := rest["data"]; hasData {
		payload = data
	} else {
		payload = rest
	}

	env := httperr.Success(payload)
	if metadata != nil {
		env = env.WithMetadata(metadata)
	}
	return env
}

// extractMetadata pulls pagination out of the body: a metadata container
// object if one exists, otherwise any loose top-level pagination fields.
// The returned rest map no longer contains what was extracted.
func extractMetadata(obj map[string]any) (any, map[string]any) {
	rest := make(map[string]any, len(obj))
	for k, v := range obj {
		rest[k] = v
	}

	for _, key := range metadataKeys {
		if container, ok := rest[key].(map[string]any); ok {
			delete(rest, key)
			return container, rest
		}
	}

	loose := map[string]any{}
	for _, field := range paginationFields {
		if v, ok := rest[field]; ok {
			loose[field] = v
			delete(rest, field)
		}
	}
	if len(loose) > 0 {
		return loose, rest
	}
	return nil, rest
}
