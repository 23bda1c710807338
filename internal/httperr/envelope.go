package httperr

import (
	"encoding/json"
	"net/http"
	"time"
)

// SuccessEnvelope is the body of every 2xx response that carries one.
type SuccessEnvelope struct {
	Success  bool `json:"success"`
	Data     any  `json:"data"`
	Metadata any  `json:"metadata,omitempty"`
}

// Success wraps data in the standard success envelope.
func Success(data any) SuccessEnvelope {
	return SuccessEnvelope{Success: true, Data: data}
}

// WithMetadata attaches pagination or other metadata to the envelope.
func (s SuccessEnvelope) WithMetadata(meta any) SuccessEnvelope {
	s.Metadata = meta
	return s
}

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	Error            string       `json:"error"`
	Message          string       `json:"message"`
	ErrorCode        string       `json:"errorCode,omitempty"`
	ValidationErrors []FieldError `json:"validationErrors,omitempty"`
	Timestamp        string       `json:"timestamp"`
	Path             string       `json:"path"`
	RequestID        string       `json:"requestId,omitempty"`
}

// Envelope stamps a typed failure with the request coordinates. The timestamp
// is always UTC RFC3339.
func Envelope(e *Error, path, requestID string, now time.Time) ErrorEnvelope {
	return ErrorEnvelope{
		Error:            string(e.Kind),
		Message:          e.Message,
		ErrorCode:        e.Code,
		ValidationErrors: e.Fields,
		Timestamp:        now.UTC().Format(time.RFC3339),
		Path:             path,
		RequestID:        requestID,
	}
}

// WriteJSON serializes v with the given status. Encoding failures fall back
// to a bare 500 so the client never sees a half-written body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"InternalServerError","message":"encoding failure"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
