package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/kv"
	"github.com/l0p7/tollgate/internal/metrics"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

const keyPrefix = "tollgate:ratelimit:"

// Agent enforces the fixed-window budgets. KV failures are fail-open: the
// request proceeds with a full window and the outage is logged and counted,
// trading a narrow abuse window for availability.
type Agent struct {
	store    kv.Store
	rules    *Rules
	tenant   TenantBudget
	recorder *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func New(store kv.Store, rules *Rules, tenant TenantBudget, recorder *metrics.Recorder, logger *slog.Logger) *Agent {
	return &Agent{
		store:    store,
		rules:    rules,
		tenant:   tenant,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *Agent) Name() string { return "ratelimit" }

func (a *Agent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Route.Public || state.Route.SkipThrottle || isHealthPath(state.Request.Path) {
		state.RateLimit.Skipped = true
		a.recorder.ObserveRateLimit(metrics.RateLimitSkipped)
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "route exempt from throttling"}
	}

	rule := a.rules.Resolve(state.Request.Method, state.Route.Resource)
	identity := Identity(state)
	method := strings.ToUpper(state.Request.Method)
	window := a.windowIndex(rule.TTL)

	state.RateLimit.Checked = true

	key := fmt.Sprintf("%s%s:%s:%s:%d", keyPrefix, identity, method, state.Route.Resource, window)
	current, err := a.store.Incr(ctx, key, rule.TTL)
	if err != nil {
		decision := failOpenDecision(rule, window)
		state.RateLimit.FailOpen = true
		state.RateLimit.Decision = decision
		writeLimitHeaders(state, "X-RateLimit", decision)
		a.logger.Warn("rate limit store unavailable, failing open",
			slog.String("correlationId", state.CorrelationID),
			slog.Any("error", err))
		a.recorder.ObserveRateLimit(metrics.RateLimitFailOpen)
		return pipeline.Result{Name: a.Name(), Status: "failopen", Details: "kv unavailable"}
	}

	decision := newDecision(rule, window, current)
	state.RateLimit.Decision = decision
	writeLimitHeaders(state, "X-RateLimit", decision)

	if decision.Limited {
		a.recorder.ObserveRateLimit(metrics.RateLimitLimited)
		state.Fail(httperr.New(httperr.TooManyRequests, "Too many requests. Please try again later."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "window exhausted", Meta: map[string]any{
			"identity": identity,
			"limit":    decision.Limit,
			"current":  decision.Current,
		}}
	}

	if tenantID := principalTenant(state); tenantID != "" && a.tenant.Applies(method, state.Route.Resource) {
		tenantDecision := a.checkTenant(ctx, state, tenantID, method)
		state.RateLimit.Tenant = &tenantDecision
		writeLimitHeaders(state, "X-Tenant-RateLimit", tenantDecision)
		if tenantDecision.Limited {
			a.recorder.ObserveRateLimit(metrics.RateLimitLimited)
			state.Fail(httperr.New(httperr.TooManyRequests, "Too many requests. Please try again later."))
			return pipeline.Result{Name: a.Name(), Status: "denied", Details: "tenant window exhausted", Meta: map[string]any{
				"tenantId": tenantID,
				"limit":    tenantDecision.Limit,
				"current":  tenantDecision.Current,
			}}
		}
	}

	a.recorder.ObserveRateLimit(metrics.RateLimitAllowed)
	return pipeline.Result{Name: a.Name(), Status: "ok", Meta: map[string]any{
		"identity":  identity,
		"remaining": decision.Remaining,
	}}
}

func (a *Agent) checkTenant(ctx context.Context, state *pipeline.State, tenantID, method string) pipeline.Decision {
	window := a.windowIndex(a.tenant.Rule.TTL)
	key := fmt.Sprintf("%stenant:%s:%s:%s:%d", keyPrefix, Normalize(tenantID), method, state.Route.Resource, window)
	current, err := a.store.Incr(ctx, key, a.tenant.Rule.TTL)
	if err != nil {
		state.RateLimit.FailOpen = true
		a.logger.Warn("tenant rate limit store unavailable, failing open",
			slog.String("correlationId", state.CorrelationID),
			slog.String("tenantId", tenantID),
			slog.Any("error", err))
		a.recorder.ObserveRateLimit(metrics.RateLimitFailOpen)
		return failOpenDecision(a.tenant.Rule, window)
	}
	return newDecision(a.tenant.Rule, window, current)
}

func (a *Agent) windowIndex(ttl time.Duration) int64 {
	seconds := int64(ttl / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return a.now().Unix() / seconds
}

func newDecision(rule Rule, window, current int64) pipeline.Decision {
	remaining := rule.Limit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	return pipeline.Decision{
		Limited:   current > int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: remaining,
		Reset:     windowReset(rule.TTL, window),
		Current:   current,
	}
}

func failOpenDecision(rule Rule, window int64) pipeline.Decision {
	return pipeline.Decision{
		Limited:   false,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		Reset:     windowReset(rule.TTL, window),
	}
}

func windowReset(ttl time.Duration, window int64) int64 {
	seconds := int64(ttl / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return (window + 1) * seconds
}

func writeLimitHeaders(state *pipeline.State, prefix string, decision pipeline.Decision) {
	state.Response.Headers[prefix+"-Limit"] = strconv.Itoa(decision.Limit)
	state.Response.Headers[prefix+"-Remaining"] = strconv.Itoa(decision.Remaining)
	state.Response.Headers[prefix+"-Reset"] = strconv.FormatInt(decision.Reset, 10)
}

func principalTenant(state *pipeline.State) string {
	if p := state.Auth.Principal; p != nil {
		return strings.TrimSpace(p.TenantID)
	}
	return ""
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/api/health" || strings.HasSuffix(path, "/health")
}
