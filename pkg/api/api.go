// Package api implements the gateway's REST surface: the admin endpoints
// under /api/v1 and the public catalog under /v0.1.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/index"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/scopes"
)

// HealthProber triggers an immediate probe of one service. Implemented by
// the health monitor.
type HealthProber interface {
	ProbeNow(ctx context.Context, path string) (registry.HealthState, error)
}

// ToolFinder answers semantic tool queries. Implemented by the tool index.
type ToolFinder interface {
	FindTools(ctx context.Context, query string, tags []string, topK int) ([]index.Match, error)
}

// AdminRouter builds the /api/v1 surface. Every route requires an
// authenticated admin principal.
func AdminRouter(
	store *registry.Store,
	provider *scopes.Provider,
	resolver *auth.Resolver,
	prober HealthProber,
	finder ToolFinder,
) http.Handler {
	routes := &adminRoutes{
		store:    store,
		provider: provider,
		prober:   prober,
		finder:   finder,
	}

	r := chi.NewRouter()
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(auth.Middleware(resolver))
	r.Use(auth.RequireAdmin)

	r.Get("/services", routes.listServices)
	r.Post("/services", routes.registerService)
	r.Delete("/services/*", routes.removeService)
	r.Put("/services/*", routes.setEnabled)
	r.Post("/services/*", routes.healthcheck)

	r.Post("/scopes/servers", routes.addServerToScope)
	r.Delete("/scopes/servers", routes.removeServerFromScope)

	r.Post("/tools/find", routes.findTools)

	return r
}

// CatalogRouter builds the /v0.1 catalog surface. It requires
// authentication; disabled services are visible to admins only.
func CatalogRouter(store *registry.Store, resolver *auth.Resolver, namespace string) http.Handler {
	routes := &catalogRoutes{store: store, namespace: namespace}

	r := chi.NewRouter()
	r.Use(auth.Middleware(resolver))

	r.Get("/servers", routes.listServers)
	r.Get("/servers/*", routes.serverDetail)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response body", "error", err)
	}
}
