// Package authz decides whether an authenticated principal may perform the
// action a route declares.
package authz

// Table maps resource to action to the roles allowed to perform it.
type Table map[string]map[string][]string

// DefaultTable is the built-in policy. Reference data (categories) and
// destructive operations on shared records are reserved for admins;
// everything else is open to any authenticated tenant member.
func DefaultTable() Table {
	member := []string{"admin", "user"}
	adminOnly := []string{"admin"}
	return Table{
		"item": {
			"list":   member,
			"read":   member,
			"create": member,
			"update": member,
			"delete": member,
		},
		"category": {
			"list":   member,
			"read":   member,
			"create": adminOnly,
			"update": adminOnly,
			"delete": adminOnly,
		},
		"statistics": {
			"read": member,
		},
		"report": {
			"list":   member,
			"read":   member,
			"create": member,
			"delete": member,
		},
		"notification": {
			"list":   member,
			"read":   member,
			"create": member,
			"update": member,
			"delete": adminOnly,
		},
		"file": {
			"list":     member,
			"read":     member,
			"upload":   member,
			"download": member,
			"delete":   member,
		},
		"folder": {
			"list":   member,
			"read":   member,
			"create": member,
			"update": member,
			"delete": adminOnly,
		},
		"system": {
			"read": member,
		},
	}
}

// Merge layers per-action overrides from configuration over the table,
// returning a new table. Unknown resources and actions are added as given.
func (t Table) Merge(overrides map[string]map[string][]string) Table {
	merged := make(Table, len(t)+len(overrides))
	for resource, actions := range t {
		copied := make(map[string][]string, len(actions))
		for action, roles := range actions {
			copied[action] = append([]string(nil), roles...)
		}
		merged[resource] = copied
	}
	for resource, actions := range overrides {
		if merged[resource] == nil {
			merged[resource] = make(map[string][]string, len(actions))
		}
		for action, roles := range actions {
			merged[resource][action] = append([]string(nil), roles...)
		}
	}
	return merged
}

// Allowed reports whether any of the principal's roles may perform action on
// resource. Unknown resources and unknown actions deny.
func (t Table) Allowed(resource, action string, roles []string) bool {
	actions, ok := t[resource]
	if !ok {
		return false
	}
	allowed, ok := actions[action]
	if !ok {
		return false
	}
	for _, role := range roles {
		for _, candidate := range allowed {
			if role == candidate {
				return true
			}
		}
	}
	return false
}
