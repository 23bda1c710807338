// Package breaker guards each upstream with a circuit breaker so a failing
// service is rejected fast instead of tying up gateway connections.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/l0p7/tollgate/internal/metrics"
)

// ServerError marks an upstream 5xx so the breaker counts it as a failure
// while the dispatcher keeps the response for translation. Non-5xx statuses
// never flow through this type.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// Config tunes every breaker the registry creates.
type Config struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenAttempts uint32
}

// Registry holds one breaker per upstream name, created lazily. Breaker
// state is process-local; a restart closes every circuit.
type Registry struct {
	cfg      Config
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(cfg Config, recorder *metrics.Recorder, logger *slog.Logger) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenAttempts == 0 {
		cfg.HalfOpenAttempts = 2
	}
	return &Registry{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Execute runs fn under the breaker for the named upstream. Open-state and
// half-open overflow rejections surface as ErrOpenState/ErrTooManyRequests
// without invoking fn.
func (r *Registry) Execute(name string, fn func() (any, error)) (any, error) {
	return r.breaker(name).Execute(fn)
}

// IsRejection reports whether err is the breaker refusing the call rather
// than the call itself failing.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// States snapshots the current breaker state per upstream.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State().String()
	}
	return states
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.HalfOpenAttempts,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A canceled caller says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				slog.String("upstream", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			r.recorder.ObserveBreakerTransition(name, to.String())
		},
	})
	r.breakers[name] = cb
	return cb
}
