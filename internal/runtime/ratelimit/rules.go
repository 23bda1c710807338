// Package ratelimit throttles requests with fixed windows counted in the
// shared KV store, one window per identity, method, and resource.
package ratelimit

import (
	"strings"
	"time"
)

// Rule is one window budget.
type Rule struct {
	Limit int
	TTL   time.Duration
}

// Rules resolves the budget for a request. Lookup order: the exact
// (method, resource) pair, then the bare method, then the default.
type Rules struct {
	byMethodResource map[string]Rule
	byMethod         map[string]Rule
	fallback         Rule
}

func NewRules(fallback Rule) *Rules {
	return &Rules{
		byMethodResource: map[string]Rule{},
		byMethod:         map[string]Rule{},
		fallback:         fallback,
	}
}

// Add registers a rule. An empty resource binds the rule to every resource
// reached with the method.
func (r *Rules) Add(method, resource string, rule Rule) {
	method = strings.ToUpper(strings.TrimSpace(method))
	resource = strings.TrimSpace(resource)
	if method == "" || rule.Limit <= 0 || rule.TTL <= 0 {
		return
	}
	if resource == "" {
		r.byMethod[method] = rule
		return
	}
	r.byMethodResource[method+"|"+resource] = rule
}

func (r *Rules) Resolve(method, resource string) Rule {
	method = strings.ToUpper(method)
	if rule, ok := r.byMethodResource[method+"|"+resource]; ok {
		return rule
	}
	if rule, ok := r.byMethod[method]; ok {
		return rule
	}
	return r.fallback
}

// TenantBudget is the optional second window applied per tenant on the
// configured set of expensive operations.
type TenantBudget struct {
	Enabled    bool
	Rule       Rule
	operations map[string]struct{}
}

// NewTenantBudget builds the tenant budget from the configured operation
// list, given as (method, resource) pairs.
func NewTenantBudget(enabled bool, rule Rule, operations [][2]string) TenantBudget {
	ops := make(map[string]struct{}, len(operations))
	for _, op := range operations {
		method := strings.ToUpper(strings.TrimSpace(op[0]))
		resource := strings.TrimSpace(op[1])
		if method == "" || resource == "" {
			continue
		}
		ops[method+"|"+resource] = struct{}{}
	}
	return TenantBudget{Enabled: enabled, Rule: rule, operations: ops}
}

// Applies reports whether the budget covers the operation.
func (t TenantBudget) Applies(method, resource string) bool {
	if !t.Enabled || len(t.operations) == 0 {
		return false
	}
	_, ok := t.operations[strings.ToUpper(method)+"|"+resource]
	return ok
}
