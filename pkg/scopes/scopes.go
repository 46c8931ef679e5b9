// Package scopes implements the group-to-scope and scope-to-access mapping
// that drives authorization decisions. The mapping is loaded from a YAML
// document, compiled into an immutable form, and swapped atomically on
// reload so that any single request observes exactly one generation of the
// mapping.
package scopes

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolsWildcard in a scope entry grants every tool of the server.
const ToolsWildcard = "*"

// ServerScope grants access to one server and a subset of its tools.
type ServerScope struct {
	Server string   `yaml:"server" json:"server"`
	Tools  []string `yaml:"tools" json:"tools"`
}

// Config is the on-disk shape of the scope mapping document
// (<data-root>/auth_server/scopes.yml).
type Config struct {
	// AdminGroups lists IdP groups whose members bypass scope checks.
	AdminGroups []string `yaml:"admin_groups"`

	// GroupMappings maps an IdP group name to the scopes it confers.
	GroupMappings map[string][]string `yaml:"group_mappings"`

	// Scopes maps a scope identifier to the servers and tools it grants.
	Scopes map[string][]ServerScope `yaml:"scopes"`
}

// Mapping is the compiled, immutable form of a Config. It is safe for
// concurrent use; mutation happens by building a new Mapping and swapping
// the provider's pointer.
type Mapping struct {
	cfg         *Config
	adminGroups map[string]struct{}
}

// Access is the resolved permission set of one principal. It is computed
// per request and never shared.
type Access struct {
	// Admin grants implicit access to every server and tool.
	Admin bool

	// Scopes is the effective scope identifier set, sorted.
	Scopes []string

	// Servers maps server path to the set of permitted tool names.
	// A nil set means the wildcard: every tool of that server.
	Servers map[string]map[string]struct{}
}

// Compile validates a config and builds the immutable mapping.
func Compile(cfg *Config) (*Mapping, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scope config is nil")
	}
	for scope, entries := range cfg.Scopes {
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Server, "/") {
				return nil, fmt.Errorf("scope %s: server %q is not a path", scope, entry.Server)
			}
		}
	}

	admins := make(map[string]struct{}, len(cfg.AdminGroups))
	for _, g := range cfg.AdminGroups {
		admins[g] = struct{}{}
	}
	return &Mapping{cfg: cfg, adminGroups: admins}, nil
}

// Parse unmarshals and compiles a YAML scope mapping document.
func Parse(data []byte) (*Mapping, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse scope config: %w", err)
	}
	return Compile(&cfg)
}

// Config returns a deep copy of the underlying config, for mutation by the
// admin API before a reload.
func (m *Mapping) Config() *Config {
	dup := &Config{
		AdminGroups:   append([]string(nil), m.cfg.AdminGroups...),
		GroupMappings: make(map[string][]string, len(m.cfg.GroupMappings)),
		Scopes:        make(map[string][]ServerScope, len(m.cfg.Scopes)),
	}
	for g, ss := range m.cfg.GroupMappings {
		dup.GroupMappings[g] = append([]string(nil), ss...)
	}
	for scope, entries := range m.cfg.Scopes {
		cp := make([]ServerScope, len(entries))
		for i, e := range entries {
			cp[i] = ServerScope{Server: e.Server, Tools: append([]string(nil), e.Tools...)}
		}
		dup.Scopes[scope] = cp
	}
	return dup
}

// Marshal renders the underlying config back to YAML.
func (m *Mapping) Marshal() ([]byte, error) {
	return yaml.Marshal(m.cfg)
}

// IsAdminGroup reports whether the group is configured as administrative.
func (m *Mapping) IsAdminGroup(group string) bool {
	_, ok := m.adminGroups[group]
	return ok
}

// Resolve computes the access set for a principal's groups. Unknown groups
// contribute nothing; the caller is expected to log them. Multiple scopes
// granting the same server merge with union semantics, and a wildcard wins
// over any explicit tool list.
func (m *Mapping) Resolve(groups []string) *Access {
	access := &Access{Servers: map[string]map[string]struct{}{}}

	scopeSet := map[string]struct{}{}
	for _, group := range groups {
		if m.IsAdminGroup(group) {
			access.Admin = true
		}
		for _, scope := range m.cfg.GroupMappings[group] {
			scopeSet[scope] = struct{}{}
		}
	}

	for scope := range scopeSet {
		access.Scopes = append(access.Scopes, scope)
		for _, entry := range m.cfg.Scopes[scope] {
			wildcard := false
			for _, tool := range entry.Tools {
				if tool == ToolsWildcard {
					wildcard = true
					break
				}
			}
			existing, seen := access.Servers[entry.Server]
			if wildcard || (seen && existing == nil) {
				access.Servers[entry.Server] = nil
				continue
			}
			if !seen {
				existing = map[string]struct{}{}
				access.Servers[entry.Server] = existing
			}
			for _, tool := range entry.Tools {
				existing[tool] = struct{}{}
			}
		}
	}
	sort.Strings(access.Scopes)
	return access
}

// UnknownGroups returns the subset of groups that appear in neither the
// group mappings nor the admin group list.
func (m *Mapping) UnknownGroups(groups []string) []string {
	var unknown []string
	for _, group := range groups {
		if m.IsAdminGroup(group) {
			continue
		}
		if _, ok := m.cfg.GroupMappings[group]; !ok {
			unknown = append(unknown, group)
		}
	}
	return unknown
}

// CanAccessServer reports whether the access set permits any call to the
// server registered at path.
func (a *Access) CanAccessServer(path string) bool {
	if a.Admin {
		return true
	}
	_, ok := a.Servers[path]
	return ok
}

// CanAccessTool reports whether the access set permits calling the named
// tool on the server registered at path.
func (a *Access) CanAccessTool(path, tool string) bool {
	if a.Admin {
		return true
	}
	tools, ok := a.Servers[path]
	if !ok {
		return false
	}
	if tools == nil {
		return true
	}
	_, ok = tools[tool]
	return ok
}

// ServerPaths returns the sorted set of accessible server paths.
func (a *Access) ServerPaths() []string {
	paths := make([]string, 0, len(a.Servers))
	for p := range a.Servers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
