// Package gateway implements the edge router: it terminates client HTTP
// traffic, authenticates every proxied request through the internal
// validation endpoint, resolves the target service by longest path prefix,
// and streams the exchange to the upstream MCP server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

// Gateway is the single HTTP listener fronting everything: proxied MCP
// traffic, the catalog and admin API, the internal validation endpoint and
// the operational endpoints.
type Gateway struct {
	store    *registry.Store
	resolver *auth.Resolver
	metrics  *telemetry.Metrics

	validate http.Handler
	proxy    *serviceProxy

	server *http.Server
}

// Config carries the listener settings.
type Config struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string

	// Admin, when set, is mounted under /api/v1.
	Admin http.Handler

	// Catalog, when set, is mounted under /v0.1.
	Catalog http.Handler
}

// New wires the gateway from its collaborators.
func New(cfg Config, store *registry.Store, resolver *auth.Resolver, metrics *telemetry.Metrics) *Gateway {
	g := &Gateway{
		store:    store,
		resolver: resolver,
		metrics:  metrics,
		validate: auth.NewValidateHandler(resolver),
	}
	g.proxy = newServiceProxy(store, g.validate, metrics)

	mux := chi.NewRouter()
	mux.Use(RequestID)

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	mux.Method(http.MethodGet, "/validate", g.validate)

	if cfg.Admin != nil {
		mux.Mount("/api/v1", cfg.Admin)
	}
	if cfg.Catalog != nil {
		mux.Mount("/v0.1", cfg.Catalog)
	}

	// Everything else is a candidate service path.
	mux.NotFound(g.proxy.ServeHTTP)
	mux.MethodNotAllowed(g.proxy.ServeHTTP)

	g.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}
	return g
}

// Handler exposes the composed mux, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// Start begins serving and returns once the listener is bound. Serve errors
// after startup are logged, not returned.
func (g *Gateway) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.server.Addr, err)
	}
	logger.Infof("gateway listening on %s", ln.Addr())

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("gateway server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
