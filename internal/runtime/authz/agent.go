package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

// Agent enforces the role policy for the matched route.
type Agent struct {
	table  Table
	logger *slog.Logger
}

func New(table Table, logger *slog.Logger) *Agent {
	if table == nil {
		table = DefaultTable()
	}
	return &Agent{table: table, logger: logger}
}

func (a *Agent) Name() string { return "authz" }

// Execute applies the policy in order: route-level required roles, then the
// resource/action declaration, then the admin bypass, then the policy table.
func (a *Agent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	principal := state.Auth.Principal
	if principal == nil {
		if state.Route.Public || state.Auth.Mode == pipeline.AuthModeNone {
			return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "no principal required"}
		}
		return a.deny(state)
	}

	if len(state.Route.RequiredRoles) > 0 {
		for _, role := range state.Route.RequiredRoles {
			if principal.HasRole(role) {
				return a.allow(state, "required role matched")
			}
		}
	}

	if state.Route.Resource == "" || state.Route.Action == "" {
		return a.deny(state)
	}
	if principal.IsAdmin() {
		return a.allow(state, "admin bypass")
	}
	if a.table.Allowed(state.Route.Resource, state.Route.Action, principal.Roles) {
		return a.allow(state, "policy table")
	}
	return a.deny(state)
}

func (a *Agent) allow(state *pipeline.State, details string) pipeline.Result {
	return pipeline.Result{Name: a.Name(), Status: "ok", Details: details, Meta: map[string]any{
		"resource": state.Route.Resource,
		"action":   state.Route.Action,
	}}
}

func (a *Agent) deny(state *pipeline.State) pipeline.Result {
	resource := state.Route.Resource
	if resource == "" {
		resource = "resource"
	}
	action := state.Route.Action
	if action == "" {
		action = "access"
	}
	state.Fail(httperr.New(httperr.Forbidden,
		fmt.Sprintf("You don't have permission to %s this %s", action, resource)))
	return pipeline.Result{Name: a.Name(), Status: "denied", Details: "policy rejected request", Meta: map[string]any{
		"resource": state.Route.Resource,
		"action":   state.Route.Action,
	}}
}
