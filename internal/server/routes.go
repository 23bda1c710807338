package server

import (
	"net/http"

	"github.com/l0p7/tollgate/internal/config"
	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

// Route binds one HTTP operation to the static metadata the pipeline reads:
// which upstream answers it, what resource/action it represents for policy
// and throttling, and how its responses interact with the cache.
type Route struct {
	Method  string
	Pattern string
	State   pipeline.RouteState
}

// Upstream family names. Route records and breaker state are keyed by these.
const (
	UpstreamServiceA = "service-a"
	UpstreamServiceB = "service-b"
	UpstreamServiceC = "service-c"
)

// Routes builds the proxied route table. Patterns mirror the upstream paths
// one-for-one under /api/<family>; cache TTLs come from configuration so a
// deployment can shorten or disable memoization without a rebuild.
func Routes(cache config.CacheConfig) []Route {
	itemTTL := cache.ItemTTL()
	listTTL := cache.ListTTL()
	if !cache.Enabled {
		itemTTL = 0
		listTTL = 0
	}

	routes := []Route{
		// service-a: items, categories, statistics.
		{http.MethodGet, "/api/service-a/items", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "item", Action: "list",
		}},
		{http.MethodGet, "/api/service-a/items/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "item", Action: "read", CacheTTL: itemTTL,
		}},
		{http.MethodPost, "/api/service-a/items", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "item", Action: "create",
			Invalidate: []string{"item", "statistics"},
		}},
		{http.MethodPut, "/api/service-a/items/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "item", Action: "update",
			Invalidate: []string{"item", "statistics"},
		}},
		{http.MethodDelete, "/api/service-a/items/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "item", Action: "delete",
			Invalidate: []string{"item", "statistics"},
		}},
		{http.MethodGet, "/api/service-a/categories", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "category", Action: "list", CacheTTL: listTTL,
		}},
		{http.MethodGet, "/api/service-a/categories/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "category", Action: "read", CacheTTL: listTTL,
		}},
		{http.MethodPost, "/api/service-a/categories", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "category", Action: "create",
			Invalidate: []string{"category"},
		}},
		{http.MethodPut, "/api/service-a/categories/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "category", Action: "update",
			Invalidate: []string{"category"},
		}},
		{http.MethodDelete, "/api/service-a/categories/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "category", Action: "delete",
			Invalidate: []string{"category"},
		}},
		{http.MethodGet, "/api/service-a/statistics", pipeline.RouteState{
			Upstream: UpstreamServiceA, Resource: "statistics", Action: "read", CacheTTL: itemTTL,
		}},

		// service-b: reports, notifications.
		{http.MethodGet, "/api/service-b/reports", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "report", Action: "list",
		}},
		{http.MethodGet, "/api/service-b/reports/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "report", Action: "read", CacheTTL: itemTTL,
		}},
		{http.MethodPost, "/api/service-b/reports", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "report", Action: "create",
			Invalidate: []string{"report"},
		}},
		{http.MethodDelete, "/api/service-b/reports/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "report", Action: "delete",
			Invalidate: []string{"report"},
		}},
		{http.MethodGet, "/api/service-b/notifications", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "notification", Action: "list",
		}},
		{http.MethodGet, "/api/service-b/notifications/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "notification", Action: "read",
		}},
		{http.MethodPost, "/api/service-b/notifications", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "notification", Action: "create",
		}},
		{http.MethodPut, "/api/service-b/notifications/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "notification", Action: "update",
		}},
		{http.MethodDelete, "/api/service-b/notifications/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceB, Resource: "notification", Action: "delete",
			RequiredRoles: []string{pipeline.RoleAdmin},
		}},

		// service-c: files, folders.
		{http.MethodGet, "/api/service-c/files", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "file", Action: "list",
		}},
		{http.MethodGet, "/api/service-c/files/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "file", Action: "read", CacheTTL: itemTTL,
		}},
		{http.MethodPost, "/api/service-c/files", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "file", Action: "upload", Upload: true,
			Invalidate: []string{"file"},
		}},
		{http.MethodGet, "/api/service-c/files/{id}/download", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "file", Action: "download",
			Download: true, DownloadMetaPath: "/files/{id}",
		}},
		{http.MethodDelete, "/api/service-c/files/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "file", Action: "delete",
			Invalidate: []string{"file"},
		}},
		{http.MethodGet, "/api/service-c/folders", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "folder", Action: "list", CacheTTL: listTTL,
		}},
		{http.MethodGet, "/api/service-c/folders/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "folder", Action: "read", CacheTTL: itemTTL,
		}},
		{http.MethodPost, "/api/service-c/folders", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "folder", Action: "create",
			Invalidate: []string{"folder"},
		}},
		{http.MethodPut, "/api/service-c/folders/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "folder", Action: "update",
			Invalidate: []string{"folder"},
		}},
		{http.MethodDelete, "/api/service-c/folders/{id}", pipeline.RouteState{
			Upstream: UpstreamServiceC, Resource: "folder", Action: "delete",
			Invalidate: []string{"folder", "file"},
		}},
	}

	for i := range routes {
		routes[i].State.Pattern = routes[i].Pattern
	}
	return routes
}
