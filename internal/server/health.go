package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/tollgate/internal/config"
	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/kv"
	"github.com/l0p7/tollgate/internal/runtime"
	"github.com/l0p7/tollgate/internal/runtime/breaker"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

// kvPingTimeout bounds the system-check KV probe so a stalled store cannot
// stall liveness polling.
const kvPingTimeout = time.Second

// UpstreamSummary is what the keyed system check discloses about a configured
// upstream. API keys never appear here.
type UpstreamSummary struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Health answers the gateway-owned status routes.
type Health struct {
	store     kv.Store
	breakers  *breaker.Registry
	upstreams []UpstreamSummary
}

func NewHealth(store kv.Store, breakers *breaker.Registry, upstreams config.UpstreamsConfig) *Health {
	return &Health{
		store:    store,
		breakers: breakers,
		upstreams: []UpstreamSummary{
			{Name: UpstreamServiceA, URL: upstreams.ServiceA.URL},
			{Name: UpstreamServiceB, URL: upstreams.ServiceB.URL},
			{Name: UpstreamServiceC, URL: upstreams.ServiceC.URL},
		},
	}
}

// Mount registers the status routes. The liveness pair and the anonymous
// system check are public; the keyed variant runs behind the full guard
// chain. All of them skip throttling so monitoring never eats a caller's
// budget.
func (h *Health) Mount(r chi.Router, gateway *runtime.Gateway) {
	for _, pattern := range []string{"/health", "/api/health"} {
		route := pipeline.RouteState{Pattern: pattern, Public: true, SkipThrottle: true}
		r.Method(http.MethodGet, pattern, gateway.Local(route, runtime.NewLocalAgent("health", h.alive)))
	}

	check := pipeline.RouteState{Pattern: "/api/system-check", Public: true, SkipThrottle: true}
	r.Method(http.MethodGet, check.Pattern, gateway.Local(check, runtime.NewLocalAgent("system-check", h.systemCheck)))

	keyed := pipeline.RouteState{
		Pattern:       "/api/system-check-key",
		Resource:      "system",
		Action:        "read",
		RequiredRoles: []string{pipeline.RoleAdmin, "user"},
		SkipThrottle:  true,
	}
	r.Method(http.MethodGet, keyed.Pattern, gateway.Local(keyed, runtime.NewLocalAgent("system-check-key", h.systemCheckKeyed)))
}

func (h *Health) alive(_ context.Context, state *pipeline.State) {
	state.Response.Envelope = httperr.Success(map[string]any{
		"status":     "ok",
		"observedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Health) systemCheck(ctx context.Context, state *pipeline.State) {
	state.Response.Envelope = httperr.Success(h.checkPayload(ctx))
}

func (h *Health) systemCheckKeyed(ctx context.Context, state *pipeline.State) {
	payload := h.checkPayload(ctx)
	payload["upstreams"] = h.upstreams
	payload["breakers"] = h.breakers.States()
	state.Response.Envelope = httperr.Success(payload)
}

// checkPayload probes the KV store. A failed ping degrades the payload but
// never the status code: the gateway itself is still serving.
func (h *Health) checkPayload(ctx context.Context) map[string]any {
	kvState := "up"
	pingCtx, cancel := context.WithTimeout(ctx, kvPingTimeout)
	defer cancel()
	if h.store == nil || h.store.Ping(pingCtx) != nil {
		kvState = "down"
	}

	status := "ok"
	if kvState == "down" {
		status = "degraded"
	}
	return map[string]any{
		"status":     status,
		"observedAt": time.Now().UTC().Format(time.RFC3339),
		"kv":         kvState,
	}
}
