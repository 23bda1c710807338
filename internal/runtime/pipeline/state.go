package pipeline

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/tollgate/internal/httperr"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Principal kinds distinguished by the authenticators.
const (
	PrincipalUser    = "user"
	PrincipalService = "service"
	PrincipalAPIKey  = "api-key"
)

// RoleAdmin is the role that unlocks administrative operations.
const RoleAdmin = "admin"

// Principal identifies the caller admitted by authentication. Service
// principals represent trusted internal callers and carry SourceService
// instead of a tenant binding.
type Principal struct {
	Kind          string   `json:"kind"`
	ID            string   `json:"id"`
	TenantID      string   `json:"tenantId,omitempty"`
	TenantName    string   `json:"tenantName,omitempty"`
	Email         string   `json:"email,omitempty"`
	Roles         []string `json:"roles"`
	SourceService string   `json:"sourceService,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

// RequestState preserves the inbound request snapshot agents act on. Header
// and query keys are lowercased and reduced to their first value so lookups
// stay case-insensitive.
type RequestState struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Host       string            `json:"host"`
	Headers    map[string]string `json:"headers"`
	Query      map[string]string `json:"query"`
	RemoteIP   string            `json:"remoteIp"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// RouteState carries the static metadata bound to the matched route at
// registration time.
type RouteState struct {
	Pattern          string        `json:"pattern"`
	Upstream         string        `json:"upstream,omitempty"`
	Resource         string        `json:"resource"`
	Action           string        `json:"action"`
	RequiredRoles    []string      `json:"requiredRoles,omitempty"`
	Public           bool          `json:"public,omitempty"`
	SkipThrottle     bool          `json:"skipThrottle,omitempty"`
	CacheTTL         time.Duration `json:"cacheTtl,omitempty"`
	Invalidate       []string      `json:"invalidate,omitempty"`
	Upload           bool          `json:"upload,omitempty"`
	Download         bool          `json:"download,omitempty"`
	DownloadMetaPath string        `json:"downloadMetaPath,omitempty"`
}

// Authentication modes resolved per request.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api-key"
	AuthModeBearer = "bearer"
)

// AuthState records how the request authenticated and who the caller is.
type AuthState struct {
	Mode      string     `json:"mode"`
	Principal *Principal `json:"principal,omitempty"`
}

// Decision is a single fixed-window verdict.
type Decision struct {
	Limited   bool  `json:"limited"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
	Current   int64 `json:"current"`
}

// RateLimitState captures the throttling verdicts for the request. Tenant is
// nil unless a tenant budget applied on top of the per-identity window.
type RateLimitState struct {
	Checked  bool      `json:"checked"`
	Skipped  bool      `json:"skipped"`
	FailOpen bool      `json:"failOpen"`
	Decision Decision  `json:"decision"`
	Tenant   *Decision `json:"tenant,omitempty"`
}

// UpstreamState notes the interaction with the backing service, including
// whether the response was served from cache instead.
type UpstreamState struct {
	Requested   bool   `json:"requested"`
	Name        string `json:"name,omitempty"`
	Status      int    `json:"status"`
	FromCache   bool   `json:"fromCache"`
	CacheStored bool   `json:"cacheStored"`
}

// ResponseState accumulates what will be written to the client. Exactly one
// of Failure, Stream, Raw, or Envelope is rendered, checked in that order.
type ResponseState struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Envelope any               `json:"-"`
	Raw      []byte            `json:"-"`
	Stream   io.ReadCloser     `json:"-"`
	Failure  *httperr.Error    `json:"-"`
}

// State is the shared context threaded through every agent in a request
// pipeline.
type State struct {
	CorrelationID string         `json:"correlationId"`
	Request       RequestState   `json:"request"`
	Route         RouteState     `json:"route"`
	Auth          AuthState      `json:"auth"`
	RateLimit     RateLimitState `json:"rateLimit"`
	Upstream      UpstreamState  `json:"upstream"`
	Response      ResponseState  `json:"response"`
}

// NewState snapshots the request and seeds the shared pipeline state.
func NewState(r *http.Request, route RouteState, correlationID string) *State {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}

	query := map[string]string{}
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		query[strings.ToLower(name)] = values[0]
	}

	return &State{
		CorrelationID: correlationID,
		Request: RequestState{
			Method:     r.Method,
			Path:       r.URL.Path,
			Host:       r.Host,
			Headers:    headers,
			Query:      query,
			RemoteIP:   remoteHost(r.RemoteAddr),
			ReceivedAt: time.Now().UTC(),
		},
		Route: route,
		Auth:  AuthState{Mode: AuthModeNone},
		Response: ResponseState{
			Headers: map[string]string{},
		},
	}
}

// Fail records the terminal failure for the request. The first failure wins;
// later calls are ignored so the original cause is what the client sees.
func (s *State) Fail(err *httperr.Error) {
	if s == nil || err == nil {
		return
	}
	if s.Response.Failure == nil {
		s.Response.Failure = err
	}
}

// Failed reports whether a terminal failure has been recorded.
func (s *State) Failed() bool {
	return s != nil && s.Response.Failure != nil
}

// ClientIP resolves the caller address, honouring the first hop of
// X-Forwarded-For when a proxy added one.
func (s *State) ClientIP() string {
	if s == nil {
		return ""
	}
	if forwarded := s.Request.Headers["x-forwarded-for"]; forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return s.Request.RemoteIP
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
