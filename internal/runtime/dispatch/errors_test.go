package dispatch

import (
	"net/http"
	"testing"

	"github.com/l0p7/tollgate/internal/httperr"
)

func TestSingularize(t *testing.T) {
	cases := []struct {
		plural string
		want   string
	}{
		{"items", "item"},
		{"categories", "category"},
		{"files", "file"},
		{"reports", "report"},
		{"progress", "progress"},
		{"data", "data"},
	}
	for _, tc := range cases {
		if got := singularize(tc.plural); got != tc.want {
			t.Fatalf("singularize(%q) = %q, want %q", tc.plural, got, tc.want)
		}
	}
}

func TestNotFoundMessages(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{"with id", "/items/3f8a", "The item with identifier 3f8a could not be found."},
		{"collection only", "/statistics", "The requested statistic could not be found."},
		{"nested action", "/files/abc/download", "The file with identifier abc could not be found."},
		{"empty path", "/", "The requested resource could not be found."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := notFound(tc.path)
			if e.Kind != httperr.NotFound {
				t.Fatalf("kind = %s, want NotFound", e.Kind)
			}
			if e.Message != tc.want {
				t.Fatalf("message = %q, want %q", e.Message, tc.want)
			}
		})
	}
}

func TestPassthroughEnvelope(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"full envelope", `{"error":"ValidationError","message":"name is required"}`, true},
		{"missing message", `{"error":"ValidationError"}`, false},
		{"error not a string", `{"error":{"code":1},"message":"x"}`, false},
		{"array body", `[{"error":"x","message":"y"}]`, false},
		{"plain text", `upstream exploded`, false},
		{"empty", ``, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := passthroughEnvelope([]byte(tc.body)); got != tc.want {
				t.Fatalf("passthroughEnvelope = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSynthesizePreservesStatus(t *testing.T) {
	e := synthesize(http.StatusServiceUnavailable)
	if e.Kind != httperr.ServiceUnavailable || e.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected failure: kind=%s status=%d", e.Kind, e.Status)
	}
	if e.Message != "The service is temporarily unavailable. Please try again later." {
		t.Fatalf("unexpected message: %q", e.Message)
	}

	teapot := synthesize(http.StatusTeapot)
	if teapot.Status != http.StatusTeapot {
		t.Fatalf("status not preserved: %d", teapot.Status)
	}
	if teapot.Kind != httperr.BadRequest {
		t.Fatalf("unmapped 4xx should classify as BadRequest, got %s", teapot.Kind)
	}
}
