// Package runtime assembles the per-request agent chain and renders exactly
// one response per request. Routes bind a static RouteState; the guard agents
// authenticate, authorize, and throttle before the terminal agent answers.
package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/metrics"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

// CorrelationHeader carries the request id on both directions: honored
// inbound when present, always stamped on the response.
const CorrelationHeader = "X-Request-Id"

// Gateway owns the shared agent chain. Guards run in a fixed order ahead of
// the terminal agent; the first failure short-circuits the rest.
type Gateway struct {
	logger   *slog.Logger
	recorder *metrics.Recorder
	guards   []pipeline.Agent
	dispatch pipeline.Agent
}

// New wires the guard chain. The dispatch agent terminates proxied routes;
// local routes supply their own terminal via Local.
func New(logger *slog.Logger, recorder *metrics.Recorder, authn, authz, ratelimit, dispatch pipeline.Agent) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		logger:   logger.With(slog.String("component", "gateway")),
		recorder: recorder,
	}
	g.guards = g.instrument(authn, authz, ratelimit)
	g.dispatch = g.instrumentOne(dispatch)
	return g
}

// Proxy returns the handler for a route forwarded to an upstream service.
func (g *Gateway) Proxy(route pipeline.RouteState) http.HandlerFunc {
	return g.handler(route, g.dispatch)
}

// Local returns the handler for a route answered inside the gateway. The
// terminal agent still runs behind the same guards as proxied routes.
func (g *Gateway) Local(route pipeline.RouteState, terminal pipeline.Agent) http.HandlerFunc {
	return g.handler(route, g.instrumentOne(terminal))
}

func (g *Gateway) handler(route pipeline.RouteState, terminal pipeline.Agent) http.HandlerFunc {
	agents := make([]pipeline.Agent, 0, len(g.guards)+1)
	agents = append(agents, g.guards...)
	agents = append(agents, terminal)

	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		state := pipeline.NewState(r, route, CorrelationID(r))

		for _, ag := range agents {
			ag.Execute(r.Context(), r, state)
			if state.Failed() {
				break
			}
		}

		g.respond(w, state)
		g.finish(r.Context(), state, time.Since(started))
	}
}

// respond writes the accumulated response exactly once. Failure wins over
// everything; then a streamed body, raw bytes, a success envelope, and
// finally a bare status for bodyless answers.
func (g *Gateway) respond(w http.ResponseWriter, state *pipeline.State) {
	header := w.Header()
	header.Set(CorrelationHeader, state.CorrelationID)
	for name, value := range state.Response.Headers {
		header.Set(name, value)
	}

	switch {
	case state.Response.Failure != nil:
		failure := state.Response.Failure
		state.Response.Status = failure.Status
		envelope := httperr.Envelope(failure, state.Request.Path, state.CorrelationID, time.Now())
		httperr.WriteJSON(w, failure.Status, envelope)

	case state.Response.Stream != nil:
		defer state.Response.Stream.Close()
		status := state.Response.Status
		if status == 0 {
			status = http.StatusOK
			state.Response.Status = status
		}
		w.WriteHeader(status)
		if _, err := io.Copy(w, state.Response.Stream); err != nil {
			g.logger.Warn("stream copy interrupted",
				slog.String("correlationId", state.CorrelationID),
				slog.Any("error", err))
		}

	case state.Response.Raw != nil:
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json; charset=utf-8")
		}
		status := state.Response.Status
		if status == 0 {
			status = http.StatusOK
			state.Response.Status = status
		}
		w.WriteHeader(status)
		_, _ = w.Write(state.Response.Raw)

	case state.Response.Envelope != nil:
		status := state.Response.Status
		if status == 0 {
			status = http.StatusOK
			state.Response.Status = status
		}
		httperr.WriteJSON(w, status, state.Response.Envelope)

	case state.Response.Status >= http.StatusOK:
		w.WriteHeader(state.Response.Status)

	default:
		// No agent rendered anything. Fail closed rather than hang.
		failure := httperr.New(httperr.InternalServerError, "An unexpected error occurred.")
		state.Response.Status = failure.Status
		envelope := httperr.Envelope(failure, state.Request.Path, state.CorrelationID, time.Now())
		httperr.WriteJSON(w, failure.Status, envelope)
	}
}

func (g *Gateway) finish(ctx context.Context, state *pipeline.State, duration time.Duration) {
	status := state.Response.Status
	attrs := []slog.Attr{
		slog.String("method", state.Request.Method),
		slog.String("path", state.Request.Path),
		slog.String("route", state.Route.Pattern),
		slog.Int("status", status),
		slog.String("correlationId", state.CorrelationID),
		slog.String("clientIp", state.ClientIP()),
		slog.Float64("latencyMs", float64(duration)/float64(time.Millisecond)),
	}
	if p := state.Auth.Principal; p != nil {
		attrs = append(attrs,
			slog.String("principal", p.ID),
			slog.String("tenantId", p.TenantID))
	}
	if state.Upstream.Name != "" {
		attrs = append(attrs,
			slog.String("upstream", state.Upstream.Name),
			slog.Bool("fromCache", state.Upstream.FromCache))
	}
	if state.RateLimit.FailOpen {
		attrs = append(attrs, slog.Bool("rateLimitFailOpen", true))
	}
	if failure := state.Response.Failure; failure != nil {
		attrs = append(attrs, slog.String("errorKind", string(failure.Kind)))
		if cause := failure.Unwrap(); cause != nil {
			attrs = append(attrs, slog.String("cause", cause.Error()))
		}
	}

	level := slog.LevelInfo
	switch {
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case status >= http.StatusBadRequest:
		level = slog.LevelWarn
	}
	g.logger.LogAttrs(ctx, level, "request completed", attrs...)
	g.recorder.ObserveRequest(state.Route.Pattern, state.Request.Method, status, duration)
}

// CorrelationID honors an inbound request id so traces can span callers, and
// otherwise mints a fresh UUID. Oversized inbound values are replaced rather
// than echoed into logs and upstream headers.
func CorrelationID(r *http.Request) string {
	if candidate := strings.TrimSpace(r.Header.Get(CorrelationHeader)); candidate != "" && len(candidate) <= 128 {
		return candidate
	}
	return uuid.NewString()
}

// LocalAgent adapts an in-process handler into the terminal slot of the
// chain, so gateway-owned routes share the guard and response path.
type LocalAgent struct {
	name string
	fn   func(context.Context, *pipeline.State)
}

func NewLocalAgent(name string, fn func(context.Context, *pipeline.State)) *LocalAgent {
	return &LocalAgent{name: name, fn: fn}
}

func (l *LocalAgent) Name() string { return l.name }

func (l *LocalAgent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	l.fn(ctx, state)
	if state.Failed() {
		return pipeline.Result{Name: l.name, Status: "error"}
	}
	return pipeline.Result{Name: l.name, Status: "ok"}
}
