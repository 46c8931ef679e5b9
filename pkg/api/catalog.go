package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

const (
	// catalogLimitDefault and catalogLimitMax bound the page size.
	catalogLimitDefault = 100
	catalogLimitMax     = 1000

	// catalogVersion is the sole published version of every catalog entry;
	// "latest" resolves to it.
	catalogVersion = "1.0.0"
)

type catalogRoutes struct {
	store     *registry.Store
	namespace string
}

// catalogServer is one entry in the /v0.1 catalog listing.
type catalogServer struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	Version     string          `json:"version"`
	Tags        []string        `json:"tags,omitempty"`
	Remotes     []catalogRemote `json:"remotes,omitempty"`
}

type catalogRemote struct {
	TransportType string `json:"transport_type"`
	URL           string `json:"url"`
}

type catalogMetadata struct {
	NextCursor string `json:"nextCursor,omitempty"`
	Count      int    `json:"count"`
}

// catalogName flattens a service path into a single catalog segment:
// /agents/echo under namespace "mcpgate" becomes "mcpgate/agents_echo".
func (c *catalogRoutes) catalogName(svc *registry.Service) string {
	flat := strings.ReplaceAll(strings.TrimPrefix(svc.Path, "/"), "/", "_")
	return c.namespace + "/" + flat
}

func (c *catalogRoutes) entry(svc *registry.Service) catalogServer {
	status := "active"
	if !svc.Enabled {
		status = "disabled"
	}
	return catalogServer{
		Name:        c.catalogName(svc),
		Description: svc.Description,
		Status:      status,
		Version:     catalogVersion,
		Tags:        svc.Tags,
		Remotes: []catalogRemote{
			{TransportType: svc.PreferredTransport(), URL: svc.Path},
		},
	}
}

// visible lists the catalog entries the principal may see, sorted by
// catalog name. Disabled services are admin-only.
func (c *catalogRoutes) visible(r *http.Request) []catalogServer {
	principal, _ := auth.PrincipalFromContext(r.Context())
	admin := principal != nil && principal.IsAdmin

	var out []catalogServer
	for _, svc := range c.store.Snapshot().List() {
		if !svc.Enabled && !admin {
			continue
		}
		out = append(out, c.entry(svc))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (c *catalogRoutes) listServers(w http.ResponseWriter, r *http.Request) {
	limit := catalogLimitDefault
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			auth.WriteDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > catalogLimitMax {
			limit = catalogLimitMax
		}
	}
	cursor := r.URL.Query().Get("cursor")

	all := c.visible(r)
	start := 0
	if cursor != "" {
		start = sort.Search(len(all), func(i int) bool { return all[i].Name > cursor })
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	meta := catalogMetadata{Count: len(page)}
	if end < len(all) && len(page) > 0 {
		meta.NextCursor = page[len(page)-1].Name
	}
	if page == nil {
		page = []catalogServer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": page, "metadata": meta})
}

// serverDetail handles /servers/{name}, /servers/{name}/versions and
// /servers/{name}/versions/{version}, where name is namespace/flattened.
func (c *catalogRoutes) serverDetail(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")

	var wantVersions, wantVersion bool
	var version string
	if name, ok := strings.CutSuffix(rest, "/versions"); ok {
		rest = name
		wantVersions = true
	} else if idx := strings.LastIndex(rest, "/versions/"); idx >= 0 {
		version = rest[idx+len("/versions/"):]
		rest = rest[:idx]
		wantVersion = true
	}

	entry, ok := c.lookup(r, rest)
	if !ok {
		auth.WriteDetail(w, http.StatusNotFound, "server not found")
		return
	}

	switch {
	case wantVersions:
		writeJSON(w, http.StatusOK, map[string]any{"versions": []catalogServer{entry}})
	case wantVersion:
		if version != "latest" && version != catalogVersion {
			auth.WriteDetail(w, http.StatusNotFound, "version not found")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

func (c *catalogRoutes) lookup(r *http.Request, name string) (catalogServer, bool) {
	for _, entry := range c.visible(r) {
		if entry.Name == name {
			return entry, true
		}
	}
	return catalogServer{}, false
}
