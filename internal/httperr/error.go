// Package httperr defines the gateway's client-facing failure taxonomy and
// the success/error envelopes written on the wire. Every failure path funnels
// through From so the client sees exactly one envelope shape.
package httperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind is the stable tag surfaced in the envelope's "error" field.
type Kind string

const (
	BadRequest          Kind = "BadRequest"
	Unauthorized        Kind = "Unauthorized"
	Forbidden           Kind = "Forbidden"
	NotFound            Kind = "NotFound"
	Conflict            Kind = "Conflict"
	ValidationFailed    Kind = "ValidationError"
	PayloadTooLarge     Kind = "PayloadTooLarge"
	TooManyRequests     Kind = "TooManyRequests"
	GatewayTimeout      Kind = "GatewayTimeout"
	ServiceUnavailable  Kind = "ServiceUnavailable"
	InternalServerError Kind = "InternalServerError"
)

var kindStatus = map[Kind]int{
	BadRequest:          http.StatusBadRequest,
	Unauthorized:        http.StatusUnauthorized,
	Forbidden:           http.StatusForbidden,
	NotFound:            http.StatusNotFound,
	Conflict:            http.StatusConflict,
	ValidationFailed:    http.StatusUnprocessableEntity,
	PayloadTooLarge:     http.StatusRequestEntityTooLarge,
	TooManyRequests:     http.StatusTooManyRequests,
	GatewayTimeout:      http.StatusGatewayTimeout,
	ServiceUnavailable:  http.StatusServiceUnavailable,
	InternalServerError: http.StatusInternalServerError,
}

var kindCode = map[Kind]string{
	BadRequest:          "ERR_BAD_REQUEST",
	Unauthorized:        "ERR_AUTHENTICATION_FAILED",
	Forbidden:           "ERR_INSUFFICIENT_PERMISSIONS",
	NotFound:            "ERR_RESOURCE_NOT_FOUND",
	Conflict:            "ERR_CONFLICT",
	ValidationFailed:    "ERR_VALIDATION_FAILED",
	PayloadTooLarge:     "ERR_FILE_TOO_LARGE",
	TooManyRequests:     "ERR_RATE_LIMIT_EXCEEDED",
	GatewayTimeout:      "ERR_GATEWAY_TIMEOUT",
	ServiceUnavailable:  "ERR_SERVICE_UNAVAILABLE",
	InternalServerError: "ERR_INTERNAL_SERVER_ERROR",
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the typed gateway failure. Status usually follows the kind but may
// be preserved from an upstream response (FromStatus).
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Fields  []FieldError

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a typed failure with the kind's canonical status and code.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Status:  kindStatus[kind],
		Code:    kindCode[kind],
		Message: message,
	}
}

// Wrap is New with a retained cause for logs. The cause never reaches the
// envelope.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// Validation builds the 422 failure carrying per-field details.
func Validation(message string, fields ...FieldError) *Error {
	e := New(ValidationFailed, message)
	e.Fields = fields
	return e
}

// FromStatus synthesizes a failure for an upstream status that arrived
// without a usable envelope. The original status is preserved even when it
// has no kind of its own.
func FromStatus(status int, message string) *Error {
	kind, ok := statusKind(status)
	if !ok {
		if status >= 400 && status < 500 {
			kind = BadRequest
		} else {
			kind = InternalServerError
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	e := New(kind, message)
	e.Status = status
	return e
}

func statusKind(status int) (Kind, bool) {
	for k, s := range kindStatus {
		if s == status {
			return k, true
		}
	}
	return "", false
}

// From is the single classification sink: typed failures pass through,
// transport-level errors map onto the taxonomy, anything else becomes an
// internal error. The original error is always retained as the cause.
func From(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.ECONNABORTED) {
		return Wrap(GatewayTimeout, "The upstream service did not respond in time.", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(GatewayTimeout, "The upstream service did not respond in time.", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Wrap(ServiceUnavailable, "The service is temporarily unavailable. Please try again later.", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Wrap(ServiceUnavailable, "The service is temporarily unavailable. Please try again later.", err)
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return Wrap(PayloadTooLarge, "The uploaded file exceeds the maximum allowed size.", err)
	}
	return Wrap(InternalServerError, "An unexpected error occurred.", err)
}
