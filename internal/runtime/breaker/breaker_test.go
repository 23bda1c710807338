package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	registry := NewRegistry(Config{FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenAttempts: 2}, nil, newTestLogger())

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		if _, err := registry.Execute("service-a", func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected failure to propagate, got %v", i, err)
		}
	}

	invoked := false
	_, err := registry.Execute("service-a", func() (any, error) {
		invoked = true
		return nil, nil
	})
	if !IsRejection(err) {
		t.Fatalf("expected open-state rejection, got %v", err)
	}
	if invoked {
		t.Fatalf("expected open breaker to not invoke the call")
	}
	if got := registry.States()["service-a"]; got != "open" {
		t.Fatalf("expected open state, got %q", got)
	}
}

func TestServerErrorCountsAsFailure(t *testing.T) {
	registry := NewRegistry(Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenAttempts: 1}, nil, newTestLogger())

	for i := 0; i < 2; i++ {
		_, err := registry.Execute("service-b", func() (any, error) {
			return "response-placeholder", &ServerError{Status: 502}
		})
		var serverErr *ServerError
		if !errors.As(err, &serverErr) || serverErr.Status != 502 {
			t.Fatalf("call %d: expected server error to propagate, got %v", i, err)
		}
	}
	if got := registry.States()["service-b"]; got != "open" {
		t.Fatalf("expected 5xx responses to trip the breaker, got %q", got)
	}
}

func TestExecuteReturnsResultAlongsideServerError(t *testing.T) {
	registry := NewRegistry(Config{}, nil, newTestLogger())
	result, err := registry.Execute("service-a", func() (any, error) {
		return "body", &ServerError{Status: 500}
	})
	if result != "body" {
		t.Fatalf("expected result to survive a counted failure, got %#v", result)
	}
	if err == nil {
		t.Fatalf("expected the failure to propagate")
	}
}

func TestCanceledCallerNotCounted(t *testing.T) {
	registry := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenAttempts: 1}, nil, newTestLogger())

	for i := 0; i < 5; i++ {
		_, err := registry.Execute("service-c", func() (any, error) { return nil, context.Canceled })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: expected cancellation to propagate, got %v", i, err)
		}
	}
	if got := registry.States()["service-c"]; got != "closed" {
		t.Fatalf("expected cancellations to leave the breaker closed, got %q", got)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	registry := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond, HalfOpenAttempts: 2}, nil, newTestLogger())

	if _, err := registry.Execute("service-a", func() (any, error) { return nil, errors.New("down") }); err == nil {
		t.Fatalf("expected failure")
	}
	if got := registry.States()["service-a"]; got != "open" {
		t.Fatalf("expected open after threshold, got %q", got)
	}

	time.Sleep(40 * time.Millisecond)

	// First probe is admitted; one success is not yet enough to close.
	if _, err := registry.Execute("service-a", func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("expected probe to be admitted, got %v", err)
	}
	if got := registry.States()["service-a"]; got != "half-open" {
		t.Fatalf("expected half-open after first probe, got %q", got)
	}

	if _, err := registry.Execute("service-a", func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("expected second probe to be admitted, got %v", err)
	}
	if got := registry.States()["service-a"]; got != "closed" {
		t.Fatalf("expected closed after recovery, got %q", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	registry := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond, HalfOpenAttempts: 2}, nil, newTestLogger())

	if _, err := registry.Execute("service-a", func() (any, error) { return nil, errors.New("down") }); err == nil {
		t.Fatalf("expected failure")
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := registry.Execute("service-a", func() (any, error) { return nil, errors.New("still down") }); err == nil {
		t.Fatalf("expected probe failure to propagate")
	}
	if got := registry.States()["service-a"]; got != "open" {
		t.Fatalf("expected reopened breaker, got %q", got)
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	registry := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenAttempts: 1}, nil, newTestLogger())

	if _, err := registry.Execute("service-a", func() (any, error) { return nil, errors.New("down") }); err == nil {
		t.Fatalf("expected failure")
	}
	if _, err := registry.Execute("service-b", func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("expected service-b to stay closed, got %v", err)
	}

	states := registry.States()
	if states["service-a"] != "open" || states["service-b"] != "closed" {
		t.Fatalf("expected independent breakers, got %v", states)
	}
}
