package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("/api/service-a/items", "GET", 200, 250*time.Millisecond)

	families := gather(t, rec, "tollgate_http_requests_total", "tollgate_http_request_duration_seconds")

	counter := findMetric(t, families["tollgate_http_requests_total"], map[string]string{
		"route":       "/api/service-a/items",
		"method":      "GET",
		"status_code": "200",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for http requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["tollgate_http_request_duration_seconds"], map[string]string{
		"route":  "/api/service-a/items",
		"method": "GET",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for request latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveRateLimit(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRateLimit(RateLimitLimited)
	rec.ObserveRateLimit(RateLimitLimited)
	rec.ObserveRateLimit(RateLimitAllowed)

	families := gather(t, rec, "tollgate_ratelimit_decisions_total")

	limited := findMetric(t, families["tollgate_ratelimit_decisions_total"], map[string]string{
		"outcome": "limited",
	})
	if got := limited.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected limited counter 2, got %v", got)
	}
}

func TestRecorderObserveUpstream(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveUpstream("service-a", UpstreamOK, 40*time.Millisecond)
	rec.ObserveUpstream("service-a", UpstreamRejected, 0)

	families := gather(t, rec, "tollgate_upstream_requests_total", "tollgate_upstream_request_duration_seconds")

	rejected := findMetric(t, families["tollgate_upstream_requests_total"], map[string]string{
		"upstream": "service-a",
		"outcome":  "rejected",
	})
	if got := rejected.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected rejected counter 1, got %v", got)
	}

	latency := findMetric(t, families["tollgate_upstream_request_duration_seconds"], map[string]string{
		"upstream": "service-a",
	})
	if latency.GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("expected 2 latency samples, got %d", latency.GetHistogram().GetSampleCount())
	}
}

func TestRecorderObserveBreakerAndCache(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveBreakerTransition("service-b", "open")
	rec.ObserveCache(CacheOperationLookup, CacheHit)
	rec.ObserveCache(CacheOperationInvalidate, CacheStored)

	families := gather(t, rec, "tollgate_breaker_transitions_total", "tollgate_cache_operations_total")

	transition := findMetric(t, families["tollgate_breaker_transitions_total"], map[string]string{
		"upstream": "service-b",
		"state":    "open",
	})
	if got := transition.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected transition counter 1, got %v", got)
	}

	lookup := findMetric(t, families["tollgate_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheHit),
	})
	if got := lookup.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}
}

func TestRecorderNilSafety(t *testing.T) {
	var rec *Recorder
	rec.ObserveRequest("/api/health", "GET", 200, time.Millisecond)
	rec.ObserveRateLimit(RateLimitAllowed)
	rec.ObserveUpstream("service-a", UpstreamOK, time.Millisecond)
	rec.ObserveBreakerTransition("service-a", "closed")
	rec.ObserveCache(CacheOperationStore, CacheStored)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
