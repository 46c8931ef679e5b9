package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/scopes"
)

type adminRoutes struct {
	store    *registry.Store
	provider *scopes.Provider
	prober   HealthProber
	finder   ToolFinder
}

// serviceView is a registered service plus its runtime health.
type serviceView struct {
	*registry.Service
	Health registry.HealthState `json:"health"`
}

func (a *adminRoutes) listServices(w http.ResponseWriter, r *http.Request) {
	filter := registry.ListFilter{Tags: splitTags(r.URL.Query().Get("tags"))}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	if v := r.URL.Query().Get("health"); v != "" {
		health := registry.HealthStatus(v)
		filter.Health = &health
	}

	services := a.store.List(filter)
	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		views = append(views, serviceView{Service: svc, Health: svc.Health})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": views})
}

func (a *adminRoutes) registerService(w http.ResponseWriter, r *http.Request) {
	var svc registry.Service
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		auth.WriteDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.store.Register(&svc); err != nil {
		switch {
		case errors.Is(err, registry.ErrPathConflict), errors.Is(err, registry.ErrNameConflict):
			auth.WriteDetail(w, http.StatusConflict, err.Error())
		case errors.Is(err, registry.ErrInvalidService):
			auth.WriteDetail(w, http.StatusBadRequest, err.Error())
		default:
			logger.Errorw("service registration failed", "path", svc.Path, "error", err)
			auth.WriteDetail(w, http.StatusInternalServerError, "failed to persist service")
		}
		return
	}

	registered, err := a.store.GetByPath(svc.Path)
	if err != nil {
		auth.WriteDetail(w, http.StatusInternalServerError, "failed to read back service")
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (a *adminRoutes) removeService(w http.ResponseWriter, r *http.Request) {
	path := "/" + chi.URLParam(r, "*")
	if err := a.store.Remove(path); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			auth.WriteDetail(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Errorw("service removal failed", "path", path, "error", err)
		auth.WriteDetail(w, http.StatusInternalServerError, "failed to remove service")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setEnabled handles PUT /services/{path}/enabled.
func (a *adminRoutes) setEnabled(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	path, ok := strings.CutSuffix(rest, "/enabled")
	if !ok {
		auth.WriteDetail(w, http.StatusNotFound, "unknown service operation")
		return
	}
	path = "/" + path

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		auth.WriteDetail(w, http.StatusBadRequest, "body must carry an enabled flag")
		return
	}

	if err := a.store.SetEnabled(path, *req.Enabled); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			auth.WriteDetail(w, http.StatusNotFound, err.Error())
		case errors.Is(err, registry.ErrScanPending):
			auth.WriteDetail(w, http.StatusConflict, err.Error())
		default:
			logger.Errorw("enable toggle failed", "path", path, "error", err)
			auth.WriteDetail(w, http.StatusInternalServerError, "failed to update service")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "enabled": *req.Enabled})
}

// healthcheck handles POST /services/{path}/healthcheck: probe now, outside
// the periodic cycle.
func (a *adminRoutes) healthcheck(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	path, ok := strings.CutSuffix(rest, "/healthcheck")
	if !ok {
		auth.WriteDetail(w, http.StatusNotFound, "unknown service operation")
		return
	}
	path = "/" + path

	if a.prober == nil {
		auth.WriteDetail(w, http.StatusServiceUnavailable, "health monitor not running")
		return
	}
	state, err := a.prober.ProbeNow(r.Context(), path)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			auth.WriteDetail(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Errorw("on-demand probe failed", "path", path, "error", err)
		auth.WriteDetail(w, http.StatusInternalServerError, "probe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "health": state})
}

func (a *adminRoutes) addServerToScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope  string   `json:"scope"`
		Server string   `json:"server"`
		Tools  []string `json:"tools,omitempty"`
		Groups []string `json:"groups,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Scope == "" || req.Server == "" {
		auth.WriteDetail(w, http.StatusBadRequest, "body must carry scope and server")
		return
	}

	if err := a.provider.AddServerToScope(req.Scope, req.Server, req.Tools, req.Groups); err != nil {
		logger.Errorw("scope grant failed", "scope", req.Scope, "server", req.Server, "error", err)
		auth.WriteDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scope": req.Scope, "server": req.Server})
}

func (a *adminRoutes) removeServerFromScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope  string `json:"scope"`
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Scope == "" || req.Server == "" {
		auth.WriteDetail(w, http.StatusBadRequest, "body must carry scope and server")
		return
	}

	if err := a.provider.RemoveServerFromScope(req.Scope, req.Server); err != nil {
		auth.WriteDetail(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// findTools handles POST /tools/find. An embedding backend failure still
// answers 200, with the error carried in the body, so callers can
// distinguish "nothing matched" from "search degraded".
func (a *adminRoutes) findTools(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string   `json:"query"`
		Tags  []string `json:"tags,omitempty"`
		TopK  int      `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		auth.WriteDetail(w, http.StatusBadRequest, "body must carry a query")
		return
	}
	if a.finder == nil {
		auth.WriteDetail(w, http.StatusServiceUnavailable, "tool index not running")
		return
	}

	matches, err := a.finder.FindTools(r.Context(), req.Query, req.Tags, req.TopK)
	response := map[string]any{"results": matches}
	if matches == nil {
		response["results"] = []any{}
	}
	if err != nil {
		logger.Warnw("tool search degraded", "error", err)
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
