package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/metrics"
	"github.com/l0p7/tollgate/internal/runtime/breaker"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
	"github.com/l0p7/tollgate/internal/runtime/respcache"
	"github.com/l0p7/tollgate/internal/upload"
)

// Agent proxies the request to the route's upstream. Reads may be answered
// from the response cache; writes invalidate the resources they touch.
type Agent struct {
	upstreams map[string]*Upstream
	breakers  *breaker.Registry
	cache     *respcache.Cache
	uploads   *upload.Manager
	recorder  *metrics.Recorder
	logger    *slog.Logger
}

func New(upstreams map[string]*Upstream, breakers *breaker.Registry, cache *respcache.Cache, uploads *upload.Manager, recorder *metrics.Recorder, logger *slog.Logger) *Agent {
	return &Agent{
		upstreams: upstreams,
		breakers:  breakers,
		cache:     cache,
		uploads:   uploads,
		recorder:  recorder,
		logger:    logger,
	}
}

func (a *Agent) Name() string { return "dispatch" }

func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	up, ok := a.upstreams[state.Route.Upstream]
	if !ok {
		a.logger.Error("route bound to unknown upstream",
			slog.String("pattern", state.Route.Pattern),
			slog.String("upstream", state.Route.Upstream),
			slog.String("correlationId", state.CorrelationID))
		state.Fail(httperr.New(httperr.InternalServerError, "An unexpected error occurred."))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "unknown upstream"}
	}
	state.Upstream.Name = up.Name

	switch {
	case state.Route.Upload:
		return a.forwardUpload(ctx, r, state, up)
	case state.Route.Download:
		return a.forwardDownload(ctx, r, state, up)
	}

	var cacheKey string
	if state.Request.Method == http.MethodGet && state.Route.CacheTTL > 0 {
		cacheKey = respcache.Key(up.Name, principalTenant(state), state.Route.Resource, chi.URLParam(r, "id"), r.URL.Query().Encode())
		if payload, hit := a.cache.Lookup(ctx, cacheKey); hit {
			state.Upstream.FromCache = true
			state.Response.Status = http.StatusOK
			state.Response.Raw = payload
			return pipeline.Result{Name: a.Name(), Status: "ok", Details: "cache hit"}
		}
	}

	out := outboundRequest{
		method: state.Request.Method,
		url:    up.ResolveURL(outboundPath(state.Request.Path), buildQuery(r, state)),
		header: a.withServiceKey(outboundHeaders(state), up),
	}
	if methodHasBody(state.Request.Method) && r.Body != nil {
		out.body = r.Body
		out.contentLength = r.ContentLength
	}

	result, ok := a.call(ctx, state, up, out, up.roundTrip)
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "upstream call failed"}
	}
	return a.deliver(ctx, state, up, result.(capturedResponse), cacheKey)
}

// call runs one outbound request under the upstream's breaker, records the
// outcome, and classifies anything that kept an answer from arriving. When it
// returns false the state already carries the failure.
func (a *Agent) call(ctx context.Context, state *pipeline.State, up *Upstream, out outboundRequest, via func(context.Context, outboundRequest) (any, error)) (any, bool) {
	started := time.Now()
	result, err := a.breakers.Execute(up.Name, func() (any, error) {
		return via(ctx, out)
	})
	elapsed := time.Since(started)

	if breaker.IsRejection(err) {
		a.recorder.ObserveUpstream(up.Name, metrics.UpstreamRejected, elapsed)
		a.logger.Warn("circuit open, call rejected",
			slog.String("upstream", up.Name),
			slog.String("correlationId", state.CorrelationID))
		state.Fail(httperr.New(httperr.ServiceUnavailable, "The service is temporarily unavailable. Please try again later."))
		return nil, false
	}
	state.Upstream.Requested = true

	var serverErr *breaker.ServerError
	if err != nil && !errors.As(err, &serverErr) {
		typed := httperr.From(err)
		a.recorder.ObserveUpstream(up.Name, outcomeForKind(typed.Kind), elapsed)
		a.logger.Warn("upstream call failed",
			slog.String("upstream", up.Name),
			slog.String("correlationId", state.CorrelationID),
			slog.Any("error", err))
		state.Fail(typed)
		return nil, false
	}
	if serverErr != nil {
		a.recorder.ObserveUpstream(up.Name, metrics.UpstreamError, elapsed)
	} else {
		a.recorder.ObserveUpstream(up.Name, metrics.UpstreamOK, elapsed)
	}
	return result, true
}

// deliver turns a captured upstream answer into the client response. Success
// bodies are normalized into the gateway envelope; error statuses go through
// the translation rules.
func (a *Agent) deliver(ctx context.Context, state *pipeline.State, up *Upstream, captured capturedResponse, cacheKey string) pipeline.Result {
	state.Upstream.Status = captured.status
	if captured.status >= http.StatusBadRequest {
		return a.relayError(state, captured)
	}

	state.Response.Status = captured.status
	if location := captured.headers["location"]; location != "" {
		state.Response.Headers["Location"] = location
	}

	if isWrite(state.Request.Method) && len(state.Route.Invalidate) > 0 {
		a.cache.Invalidate(ctx, up.Name, principalTenant(state), state.Route.Invalidate)
	}
	if captured.status == http.StatusNoContent || captured.status == http.StatusNotModified {
		return pipeline.Result{Name: a.Name(), Status: "ok", Details: "bodyless response"}
	}

	envelope := Normalize(captured.body)
	if cacheKey != "" {
		if payload, err := json.Marshal(envelope); err == nil {
			// Cache the rendered bytes and reply with the same bytes, so a
			// later hit replays an identical body.
			state.Response.Raw = payload
			if a.cache.Store(ctx, cacheKey, payload, state.Route.CacheTTL) {
				state.Upstream.CacheStored = true
			}
			return pipeline.Result{Name: a.Name(), Status: "ok", Details: "forwarded and cached"}
		}
	}
	state.Response.Envelope = envelope
	return pipeline.Result{Name: a.Name(), Status: "ok", Details: "forwarded"}
}

// relayError applies the upstream error translation rules. 404 is always
// rewritten so missing resources read the same across services; other
// statuses pass through when the upstream already speaks the envelope shape.
func (a *Agent) relayError(state *pipeline.State, captured capturedResponse) pipeline.Result {
	if a.logger.Enabled(context.Background(), slog.LevelDebug) {
		a.logger.Debug("upstream error body",
			slog.String("upstream", state.Upstream.Name),
			slog.Int("status", captured.status),
			slog.String("correlationId", state.CorrelationID),
			slog.String("body", string(httperr.RedactJSON(captured.body))))
	}
	if captured.status == http.StatusNotFound {
		state.Fail(notFound(outboundPath(state.Request.Path)))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "upstream 404"}
	}
	if passthroughEnvelope(captured.body) {
		state.Response.Status = captured.status
		state.Response.Raw = captured.body
		return pipeline.Result{Name: a.Name(), Status: "error", Details: fmt.Sprintf("upstream %d relayed", captured.status)}
	}
	state.Fail(synthesize(captured.status))
	return pipeline.Result{Name: a.Name(), Status: "error", Details: fmt.Sprintf("upstream %d", captured.status)}
}

// outboundPath strips the gateway's /api/<family> prefix, leaving the
// service-local path.
func outboundPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	if rest == path {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return "/"
}

// buildQuery re-encodes the inbound query, dropping the literal null and
// undefined values some clients send, and pins tenantId to the caller's
// tenant so upstream filters cannot be spoofed.
func buildQuery(r *http.Request, state *pipeline.State) string {
	values := url.Values{}
	for key, vals := range r.URL.Query() {
		for _, v := range vals {
			if v == "null" || v == "undefined" {
				continue
			}
			values.Add(key, v)
		}
	}
	if tenant := principalTenant(state); tenant != "" {
		values.Set("tenantId", tenant)
	}
	return values.Encode()
}

// outboundHeaders assembles what the upstream sees: content negotiation,
// the service credential, and the caller's verified identity.
func outboundHeaders(state *pipeline.State) http.Header {
	h := http.Header{}
	contentType := state.Request.Headers["content-type"]
	if contentType == "" {
		contentType = "application/json"
	}
	h.Set("Content-Type", contentType)
	h.Set("Accept", "application/json")
	h.Set("X-Request-Id", state.CorrelationID)
	if lang := state.Request.Headers["x-accept-language"]; lang != "" {
		h.Set("X-Accept-Language", lang)
	}
	if p := state.Auth.Principal; p != nil {
		if p.TenantID != "" {
			h.Set("X-Tenant-Id", p.TenantID)
		}
		if p.Email != "" {
			h.Set("X-User-Email", p.Email)
		}
		if len(p.Roles) > 0 {
			h.Set("X-User-Role", strings.Join(p.Roles, ","))
		}
		if p.SourceService != "" {
			h.Set("X-Source-Service", p.SourceService)
		}
	}
	return h
}

func (a *Agent) withServiceKey(h http.Header, up *Upstream) http.Header {
	if up.apiKey != "" {
		h.Set("X-Api-Key", up.apiKey)
	}
	return h
}

func outcomeForKind(kind httperr.Kind) metrics.UpstreamOutcome {
	switch kind {
	case httperr.GatewayTimeout:
		return metrics.UpstreamTimeout
	case httperr.ServiceUnavailable:
		return metrics.UpstreamUnavailable
	default:
		return metrics.UpstreamError
	}
}

func principalTenant(state *pipeline.State) string {
	if p := state.Auth.Principal; p != nil {
		return p.TenantID
	}
	return ""
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
