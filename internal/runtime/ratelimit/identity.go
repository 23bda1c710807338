package ratelimit

import (
	"strings"

	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

const anonymousIdentity = "anonymous"

// Identity derives the throttling identity for a request. API-key callers
// are counted per key and client address so a shared key cannot starve one
// consumer; otherwise the principal id wins, then the client address.
func Identity(state *pipeline.State) string {
	apiKey := strings.TrimSpace(state.Request.Headers["x-api-key"])
	principalID := ""
	if p := state.Auth.Principal; p != nil {
		principalID = strings.TrimSpace(p.ID)
	}
	ip := state.ClientIP()

	if apiKey != "" {
		suffix := ip
		if suffix == "" {
			suffix = principalID
		}
		if suffix == "" {
			suffix = anonymousIdentity
		}
		return Normalize("api-key:" + apiKey + ":" + suffix)
	}
	if principalID != "" {
		return Normalize(principalID)
	}
	if ip != "" {
		return Normalize(ip)
	}
	return anonymousIdentity
}

// Normalize collapses runs of ':', trims the separators from both ends, and
// drops the "ffff" token that IPv4-mapped IPv6 addresses insert. Keeps KV
// keys free of empty segments.
func Normalize(identity string) string {
	parts := strings.Split(identity, ":")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || strings.EqualFold(part, "ffff") {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return anonymousIdentity
	}
	return strings.Join(kept, ":")
}
