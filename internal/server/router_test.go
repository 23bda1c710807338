package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/l0p7/tollgate/internal/config"
	"github.com/l0p7/tollgate/internal/kv"
	"github.com/l0p7/tollgate/internal/metrics"
	"github.com/l0p7/tollgate/internal/runtime"
	"github.com/l0p7/tollgate/internal/runtime/authn"
	"github.com/l0p7/tollgate/internal/runtime/authz"
	"github.com/l0p7/tollgate/internal/runtime/breaker"
	"github.com/l0p7/tollgate/internal/runtime/dispatch"
	"github.com/l0p7/tollgate/internal/runtime/ratelimit"
	"github.com/l0p7/tollgate/internal/runtime/respcache"
	"github.com/l0p7/tollgate/internal/upload"
)

// newRouterHarness wires a gateway with no reachable upstreams; enough for
// routing, health, and guard behavior.
func newRouterHarness(t *testing.T) http.Handler {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.StaticTokens = []string{"router-test-key"}

	logger := newTestLogger()
	recorder := metrics.NewRecorder(nil)
	store := kv.NewMemory()

	uploads, err := upload.NewManager(t.TempDir(), 1<<20, []string{"txt"})
	if err != nil {
		t.Fatalf("build upload manager: %v", err)
	}

	breakers := breaker.NewRegistry(breaker.Config{}, recorder, logger)
	rules := ratelimit.NewRules(ratelimit.Rule{Limit: cfg.RateLimit.Limit, TTL: cfg.RateLimit.TTL()})
	gateway := runtime.New(logger, recorder,
		authn.New(nil, cfg.Auth.StaticTokens, cfg.Auth.InternalServices, logger),
		authz.New(authz.DefaultTable(), logger),
		ratelimit.New(store, rules, ratelimit.NewTenantBudget(false, ratelimit.Rule{}, nil), recorder, logger),
		dispatch.New(map[string]*dispatch.Upstream{}, breakers, respcache.New(store, recorder, logger), uploads, recorder, logger))

	health := NewHealth(store, breakers, cfg.Upstreams)
	return NewRouter(cfg, gateway, health, recorder)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestRoutesCoverAPISurface(t *testing.T) {
	routes := Routes(config.DefaultConfig().Cache)

	byKey := map[string]Route{}
	for _, rt := range routes {
		if !strings.HasPrefix(rt.Pattern, "/api/") {
			t.Fatalf("route %s %s not under /api", rt.Method, rt.Pattern)
		}
		if rt.State.Pattern != rt.Pattern {
			t.Fatalf("route %s pattern not stamped into state: %q", rt.Pattern, rt.State.Pattern)
		}
		if rt.State.Upstream == "" || rt.State.Resource == "" || rt.State.Action == "" {
			t.Fatalf("route %s %s missing metadata: %+v", rt.Method, rt.Pattern, rt.State)
		}
		byKey[rt.Method+" "+rt.Pattern] = rt
	}
	if len(byKey) != len(routes) {
		t.Fatalf("duplicate route registrations")
	}

	item := byKey["GET /api/service-a/items/{id}"]
	if item.State.CacheTTL != 300*time.Second {
		t.Fatalf("item read cache ttl = %v", item.State.CacheTTL)
	}
	categories := byKey["GET /api/service-a/categories"]
	if categories.State.CacheTTL != 600*time.Second {
		t.Fatalf("category list cache ttl = %v", categories.State.CacheTTL)
	}

	create := byKey["POST /api/service-a/items"]
	if len(create.State.Invalidate) != 2 || create.State.Invalidate[0] != "item" || create.State.Invalidate[1] != "statistics" {
		t.Fatalf("item create invalidate = %v", create.State.Invalidate)
	}

	uploadRoute := byKey["POST /api/service-c/files"]
	if !uploadRoute.State.Upload {
		t.Fatalf("file upload route must carry the upload flag")
	}
	download := byKey["GET /api/service-c/files/{id}/download"]
	if !download.State.Download || download.State.DownloadMetaPath != "/files/{id}" {
		t.Fatalf("download route metadata = %+v", download.State)
	}

	notifDelete := byKey["DELETE /api/service-b/notifications/{id}"]
	if len(notifDelete.State.RequiredRoles) != 1 || notifDelete.State.RequiredRoles[0] != "admin" {
		t.Fatalf("notification delete roles = %v", notifDelete.State.RequiredRoles)
	}

	folderDelete := byKey["DELETE /api/service-c/folders/{id}"]
	if len(folderDelete.State.Invalidate) != 2 || folderDelete.State.Invalidate[1] != "file" {
		t.Fatalf("folder delete must also invalidate files, got %v", folderDelete.State.Invalidate)
	}
}

func TestRoutesCacheDisabledZeroesTTLs(t *testing.T) {
	cache := config.DefaultConfig().Cache
	cache.Enabled = false
	for _, rt := range Routes(cache) {
		if rt.State.CacheTTL != 0 {
			t.Fatalf("route %s keeps cache ttl %v with caching disabled", rt.Pattern, rt.State.CacheTTL)
		}
	}
}

func TestRouterUnknownRouteEnvelope(t *testing.T) {
	handler := newRouterHarness(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/unknown/things", http.NoBody))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get(runtime.CorrelationHeader) == "" {
		t.Fatalf("correlation header missing on 404")
	}
	body := decodeBody(t, w)
	if body["error"] != "NotFound" || body["errorCode"] != "ERR_RESOURCE_NOT_FOUND" {
		t.Fatalf("unexpected envelope: %v", body)
	}
	if body["path"] != "/api/unknown/things" {
		t.Fatalf("path = %v", body["path"])
	}
	if body["requestId"] == "" || body["requestId"] == nil {
		t.Fatalf("requestId missing")
	}
}

func TestRouterMethodNotAllowedEnvelope(t *testing.T) {
	handler := newRouterHarness(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/service-a/items", http.NoBody))

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "BadRequest" || body["errorCode"] != "ERR_BAD_REQUEST" {
		t.Fatalf("unexpected envelope: %v", body)
	}
}

func TestRouterServesMetrics(t *testing.T) {
	handler := newRouterHarness(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("metrics exposition missing runtime collectors")
	}
}

func TestRouterHealthNeedsNoCredentials(t *testing.T) {
	handler := newRouterHarness(t)

	for _, path := range []string{"/health", "/api/health", "/api/system-check"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		body := decodeBody(t, w)
		if body["success"] != true {
			t.Fatalf("%s body not enveloped: %v", path, body)
		}
		data, ok := body["data"].(map[string]any)
		if !ok || data["status"] != "ok" {
			t.Fatalf("%s data = %v", path, body["data"])
		}
		if data["observedAt"] == nil {
			t.Fatalf("%s missing observedAt", path)
		}
	}
}

func TestRouterSystemCheckReportsKVState(t *testing.T) {
	handler := newRouterHarness(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/system-check", http.NoBody))

	body := decodeBody(t, w)
	data := body["data"].(map[string]any)
	if data["kv"] != "up" {
		t.Fatalf("kv state = %v", data["kv"])
	}
}

func TestRouterSystemCheckKeyRequiresAuth(t *testing.T) {
	handler := newRouterHarness(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/system-check-key", http.NoBody))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/system-check-key", http.NoBody)
	r.Header.Set("X-Api-Key", "router-test-key")
	r.Header.Set("X-Source-Service", "service-a")
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("keyed status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	data := body["data"].(map[string]any)
	upstreams, ok := data["upstreams"].([]any)
	if !ok || len(upstreams) != 3 {
		t.Fatalf("upstream summaries = %v", data["upstreams"])
	}
	if strings.Contains(w.Body.String(), "apiKey") {
		t.Fatalf("keyed system check must not disclose upstream credentials")
	}
	if _, ok := data["breakers"]; !ok {
		t.Fatalf("breaker snapshot missing")
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	handler := newRouterHarness(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/service-a/items", http.NoBody)
	r.Header.Set("Origin", "https://console.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}
}
