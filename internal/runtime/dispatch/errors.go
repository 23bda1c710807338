package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/l0p7/tollgate/internal/httperr"
)

// statusMessages carries the client-facing wording for synthesized upstream
// failures. Unlisted statuses fall back to the standard status text.
var statusMessages = map[int]string{
	http.StatusBadRequest:            "The request could not be processed.",
	http.StatusUnauthorized:          "Authentication failed.",
	http.StatusForbidden:             "You don't have permission to perform this action.",
	http.StatusConflict:              "The request conflicts with the current state of the resource.",
	http.StatusUnprocessableEntity:   "The request contains invalid fields.",
	http.StatusRequestEntityTooLarge: "The uploaded file exceeds the maximum allowed size.",
	http.StatusTooManyRequests:       "Too many requests. Please try again later.",
	http.StatusInternalServerError:   "An unexpected error occurred.",
	http.StatusBadGateway:            "The service is temporarily unavailable. Please try again later.",
	http.StatusServiceUnavailable:    "The service is temporarily unavailable. Please try again later.",
	http.StatusGatewayTimeout:        "The upstream service did not respond in time.",
}

// passthroughEnvelope reports whether an upstream error body is already a
// client-ready envelope: a JSON object carrying a string "error" tag and a
// "message". Those are relayed verbatim instead of being rewrapped.
func passthroughEnvelope(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return false
	}
	if _, ok := obj["error"].(string); !ok {
		return false
	}
	_, hasMessage := obj["message"]
	return hasMessage
}

// synthesize builds the typed failure for an upstream error status that
// arrived without a usable envelope. The upstream status is preserved.
func synthesize(status int) *httperr.Error {
	return httperr.FromStatus(status, statusMessages[status])
}

// notFound builds the 404 failure with the resource identity read off the
// outbound path. Upstream 404 bodies are never relayed; the gateway always
// speaks for missing resources.
func notFound(path string) *httperr.Error {
	resource, id := resourceFromPath(path)
	if resource == "" {
		return httperr.New(httperr.NotFound, "The requested resource could not be found.")
	}
	if id == "" {
		return httperr.New(httperr.NotFound, fmt.Sprintf("The requested %s could not be found.", resource))
	}
	return httperr.New(httperr.NotFound, fmt.Sprintf("The %s with identifier %s could not be found.", resource, id))
}

// resourceFromPath reads the collection and identifier segments from an
// outbound path like /items/42/history, returning the singular resource name.
func resourceFromPath(path string) (resource, id string) {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return "", ""
	}
	resource = singularize(segments[0])
	if len(segments) > 1 {
		id = segments[1]
	}
	return resource, id
}

func singularize(word string) string {
	switch {
	case strings.HasSuffix(word, "ies"):
		return strings.TrimSuffix(word, "ies") + "y"
	case strings.HasSuffix(word, "ss"):
		return word
	case strings.HasSuffix(word, "s"):
		return strings.TrimSuffix(word, "s")
	default:
		return word
	}
}
