package authn

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

// Agent resolves the caller identity before authorization and throttling run.
type Agent struct {
	validator TokenValidator
	tokens    map[string]struct{}
	internal  map[string]struct{}
	logger    *slog.Logger
}

// New builds the authentication agent. staticTokens is the API-key allow-list
// and internalServices the set of service names trusted to call with a bare
// key.
func New(validator TokenValidator, staticTokens, internalServices []string, logger *slog.Logger) *Agent {
	tokens := make(map[string]struct{}, len(staticTokens))
	for _, token := range staticTokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens[trimmed] = struct{}{}
		}
	}
	internal := make(map[string]struct{}, len(internalServices))
	for _, name := range internalServices {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			internal[trimmed] = struct{}{}
		}
	}
	return &Agent{validator: validator, tokens: tokens, internal: internal, logger: logger}
}

func (a *Agent) Name() string { return "authn" }

func (a *Agent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Route.Public || isHealthPath(state.Request.Path) {
		state.Auth.Mode = pipeline.AuthModeNone
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "public route"}
	}

	apiKey := strings.TrimSpace(state.Request.Headers["x-api-key"])
	if apiKey != "" {
		return a.apiKeyMode(state, apiKey)
	}
	if authorization := strings.TrimSpace(state.Request.Headers["authorization"]); authorization != "" {
		return a.bearerMode(ctx, state, authorization)
	}

	state.Fail(httperr.New(httperr.Unauthorized, "Authentication required."))
	return pipeline.Result{Name: a.Name(), Status: "denied", Details: "no credentials presented"}
}

func (a *Agent) apiKeyMode(state *pipeline.State, apiKey string) pipeline.Result {
	state.Auth.Mode = pipeline.AuthModeAPIKey

	if _, ok := a.tokens[apiKey]; !ok {
		a.logger.Warn("api key rejected", slog.String("correlationId", state.CorrelationID))
		state.Fail(httperr.New(httperr.Unauthorized, "Authentication failed."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "unknown api key"}
	}

	email := strings.TrimSpace(state.Request.Headers["x-user-email"])
	role := strings.TrimSpace(state.Request.Headers["x-user-role"])
	source := strings.TrimSpace(state.Request.Headers["x-source-service"])

	principal := &pipeline.Principal{
		Kind:          pipeline.PrincipalAPIKey,
		Email:         email,
		TenantID:      strings.TrimSpace(state.Request.Headers["x-tenant-id"]),
		TenantName:    strings.TrimSpace(state.Request.Headers["x-tenant-name"]),
		Roles:         splitRoles(role),
		SourceService: source,
	}

	if email == "" && role == "" {
		if _, trusted := a.internal[source]; trusted {
			principal.Kind = pipeline.PrincipalService
			principal.Roles = []string{pipeline.RoleAdmin}
		}
	}

	switch {
	case email != "":
		principal.ID = email
	case source != "":
		principal.ID = source
	default:
		principal.ID = "api-key:" + tokenDigest(apiKey)[:8]
	}

	state.Auth.Principal = principal
	return pipeline.Result{Name: a.Name(), Status: "ok", Meta: map[string]any{
		"mode":      state.Auth.Mode,
		"kind":      principal.Kind,
		"principal": principal.ID,
	}}
}

func (a *Agent) bearerMode(ctx context.Context, state *pipeline.State, authorization string) pipeline.Result {
	state.Auth.Mode = pipeline.AuthModeBearer

	scheme, token := splitAuthorization(authorization)
	if !strings.EqualFold(scheme, "bearer") || token == "" {
		state.Fail(httperr.New(httperr.Unauthorized, "Authentication failed."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "malformed authorization header"}
	}

	tenantID := strings.TrimSpace(state.Request.Headers["x-tenant-id"])
	if tenantID == "" {
		state.Fail(httperr.New(httperr.Unauthorized, "Authentication failed."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "tenant header missing"}
	}

	data, err := a.validator.Validate(ctx, token)
	if err != nil {
		a.logger.Warn("token introspection failed",
			slog.String("correlationId", state.CorrelationID),
			slog.Any("error", err))
		state.Fail(httperr.New(httperr.Unauthorized, "Authentication failed."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "token introspection failed"}
	}

	access, ok := matchTenant(data.UserAccess, tenantID)
	if !ok {
		state.Fail(httperr.New(httperr.Unauthorized, "Authentication failed."))
		return pipeline.Result{Name: a.Name(), Status: "denied", Details: "token not valid for tenant"}
	}

	roles := []string{"user"}
	if strings.EqualFold(access.Type, "ADMIN") {
		roles = []string{pipeline.RoleAdmin}
	}

	state.Auth.Principal = &pipeline.Principal{
		Kind:       pipeline.PrincipalUser,
		ID:         data.ID,
		Email:      data.Email,
		TenantID:   tenantID,
		TenantName: access.TenantName,
		Roles:      roles,
	}
	return pipeline.Result{Name: a.Name(), Status: "ok", Meta: map[string]any{
		"mode":      state.Auth.Mode,
		"kind":      pipeline.PrincipalUser,
		"principal": data.ID,
		"tenantId":  tenantID,
	}}
}

func matchTenant(grants []UserAccess, tenantID string) (UserAccess, bool) {
	for _, grant := range grants {
		if grant.TenantID == tenantID {
			return grant, true
		}
	}
	return UserAccess{}, false
}

func splitAuthorization(header string) (string, string) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(header), ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// splitRoles parses the comma-separated role header. The result is never nil:
// a principal without roles carries the empty set and loses every role check.
func splitRoles(header string) []string {
	roles := []string{}
	for _, part := range strings.Split(header, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(part)); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/api/health" || strings.HasSuffix(path, "/health")
}
