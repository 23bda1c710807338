package httperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFromClassification(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantKind   Kind
		wantStatus int
		wantCode   string
	}{
		{
			name:       "typed failure passes through",
			err:        fmt.Errorf("dispatch: %w", New(NotFound, "missing")),
			wantKind:   NotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   "ERR_RESOURCE_NOT_FOUND",
		},
		{
			name:       "context deadline",
			err:        fmt.Errorf("upstream: %w", context.DeadlineExceeded),
			wantKind:   GatewayTimeout,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "ERR_GATEWAY_TIMEOUT",
		},
		{
			name:       "net timeout",
			err:        &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}},
			wantKind:   GatewayTimeout,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "ERR_GATEWAY_TIMEOUT",
		},
		{
			name:       "connection refused",
			err:        &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			wantKind:   ServiceUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ERR_SERVICE_UNAVAILABLE",
		},
		{
			name:       "dns failure",
			err:        &net.DNSError{Err: "no such host", Name: "service-a", IsNotFound: true},
			wantKind:   ServiceUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ERR_SERVICE_UNAVAILABLE",
		},
		{
			name:       "body too large",
			err:        &http.MaxBytesError{Limit: 10},
			wantKind:   PayloadTooLarge,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "ERR_FILE_TOO_LARGE",
		},
		{
			name:       "unknown error",
			err:        errors.New("boom"),
			wantKind:   InternalServerError,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "ERR_INTERNAL_SERVER_ERROR",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := From(tc.err)
			require.Equal(t, tc.wantKind, got.Kind)
			require.Equal(t, tc.wantStatus, got.Status)
			require.Equal(t, tc.wantCode, got.Code)
			require.NotEmpty(t, got.Message)
		})
	}
}

func TestFromRetainsCause(t *testing.T) {
	cause := errors.New("socket closed")
	got := From(cause)
	require.ErrorIs(t, got, cause)
}

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status     int
		wantKind   Kind
		wantStatus int
	}{
		{http.StatusNotFound, NotFound, http.StatusNotFound},
		{http.StatusConflict, Conflict, http.StatusConflict},
		{http.StatusTeapot, BadRequest, http.StatusTeapot},
		{http.StatusBadGateway, InternalServerError, http.StatusBadGateway},
	}
	for _, tc := range cases {
		got := FromStatus(tc.status, "")
		require.Equal(t, tc.wantKind, got.Kind, "status %d", tc.status)
		require.Equal(t, tc.wantStatus, got.Status, "status %d", tc.status)
		require.Equal(t, http.StatusText(tc.status), got.Message)
	}
}

func TestEnvelopeStamping(t *testing.T) {
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	env := Envelope(New(Unauthorized, "Authentication failed"), "/api/service-a/items", "req-1", at)

	require.Equal(t, "Unauthorized", env.Error)
	require.Equal(t, "ERR_AUTHENTICATION_FAILED", env.ErrorCode)
	require.Equal(t, "2026-08-25T12:00:00Z", env.Timestamp)
	require.Equal(t, "/api/service-a/items", env.Path)
	require.Equal(t, "req-1", env.RequestID)
}

func TestValidationCarriesFields(t *testing.T) {
	e := Validation("Validation failed", FieldError{Field: "file", Message: "extension not allowed"})
	require.Equal(t, http.StatusUnprocessableEntity, e.Status)
	require.Len(t, e.Fields, 1)
	require.Equal(t, "file", e.Fields[0].Field)

	env := Envelope(e, "/api/service-c/files", "", time.Now())
	require.Len(t, env.ValidationErrors, 1)
	require.Empty(t, env.RequestID)
}
