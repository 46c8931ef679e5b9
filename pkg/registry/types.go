// Package registry owns the set of registered MCP services, their enabled
// state, their last-known tool lists and their current health. It is the
// single source of truth consumed by the gateway hot path, the health
// monitor and the tool index.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AuthProvider selects how outbound credentials are chosen for a service and
// how the client's Authorization header flows through the gateway.
type AuthProvider string

const (
	// AuthProviderDefault strips the client Authorization and substitutes
	// the service's registered header template on the upstream request.
	AuthProviderDefault AuthProvider = "default"

	// AuthProviderPassthrough forwards the client Authorization verbatim;
	// the upstream performs its own validation.
	AuthProviderPassthrough AuthProvider = "passthrough"

	// AuthProviderBedrockAgentCore behaves like default but rewrites the
	// upstream URL: a trailing "/mcp/" suffix is stripped from the proxy
	// pass URL and the forwarded path always ends with exactly one "/".
	AuthProviderBedrockAgentCore AuthProvider = "bedrock-agentcore"
)

// ScanStatus is the result of the out-of-band vulnerability scan of a
// service's tool declarations. It gates the ability to enable the service.
type ScanStatus string

const (
	// ScanStatusPassed means the scan completed without findings.
	ScanStatusPassed ScanStatus = "passed"

	// ScanStatusFailed means the scan found issues; the service is created disabled.
	ScanStatusFailed ScanStatus = "failed"

	// ScanStatusSecurityPending means the scan has not completed; enabling is forbidden.
	ScanStatusSecurityPending ScanStatus = "security-pending"
)

// Transport identifiers for the MCP wire protocols a service supports.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// HealthStatus is the coarse liveness classification of a service.
type HealthStatus string

const (
	// HealthUnknown means the service has not been probed yet.
	HealthUnknown HealthStatus = "unknown"

	// HealthHealthy means the last probe completed the full handshake and tools/list.
	HealthHealthy HealthStatus = "healthy"

	// HealthUnhealthy means the last probe failed; Reason carries the step that failed.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthAuthExpired means the upstream is reachable but rejected our credentials.
	HealthAuthExpired HealthStatus = "healthy-auth-expired"
)

// HealthState is the current probe-derived state of a service. It is
// recomputed after restart and never persisted.
type HealthState struct {
	Status      HealthStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	LastChecked time.Time    `json:"last_checked_time"`
	NumTools    int          `json:"num_tools"`
}

// Header is a single (name, value) pair from a service's header template.
// Order is significant, so templates are lists rather than maps.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Tool is a callable capability exposed by a service, as reported by the
// last successful tools/list probe.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// Service is the unit of registration: one upstream MCP endpoint fronted by
// the gateway. The JSON shape is the on-disk document format.
type Service struct {
	Name                string       `json:"name"`
	Path                string       `json:"path"`
	ProxyPassURL        string       `json:"proxy_pass_url"`
	Description         string       `json:"description,omitempty"`
	Tags                []string     `json:"tags,omitempty"`
	SupportedTransports []string     `json:"supported_transports,omitempty"`
	Enabled             bool         `json:"enabled"`
	AuthProvider        AuthProvider `json:"auth_provider,omitempty"`
	HeadersTemplate     []Header     `json:"headers_template,omitempty"`
	Tools               []Tool       `json:"tools,omitempty"`
	ScanStatus          ScanStatus   `json:"scan_status,omitempty"`

	// Health is runtime-only state, recomputed from probes.
	Health HealthState `json:"-"`
}

// Validate checks the structural invariants of a service definition.
func (s *Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidService)
	}
	if !strings.HasPrefix(s.Path, "/") || len(s.Path) < 2 {
		return fmt.Errorf("%w: path %q must begin with '/' and contain more than '/'", ErrInvalidService, s.Path)
	}
	u, err := url.Parse(s.ProxyPassURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: proxy_pass_url %q is not an absolute URL", ErrInvalidService, s.ProxyPassURL)
	}
	switch s.AuthProvider {
	case "", AuthProviderDefault, AuthProviderPassthrough, AuthProviderBedrockAgentCore:
	default:
		return fmt.Errorf("%w: unknown auth_provider %q", ErrInvalidService, s.AuthProvider)
	}
	for _, tr := range s.SupportedTransports {
		if tr != TransportSSE && tr != TransportStreamableHTTP {
			return fmt.Errorf("%w: unknown transport %q", ErrInvalidService, tr)
		}
	}
	return nil
}

// Provider returns the effective auth provider, defaulting to "default".
func (s *Service) Provider() AuthProvider {
	if s.AuthProvider == "" {
		return AuthProviderDefault
	}
	return s.AuthProvider
}

// PreferredTransport returns streamable-http when supported, else sse.
func (s *Service) PreferredTransport() string {
	for _, tr := range s.SupportedTransports {
		if tr == TransportStreamableHTTP {
			return TransportStreamableHTTP
		}
	}
	if len(s.SupportedTransports) > 0 {
		return s.SupportedTransports[0]
	}
	return TransportStreamableHTTP
}

// Clone returns a deep copy of the service. Snapshots hand out clones so
// callers can never mutate store-owned state.
func (s *Service) Clone() *Service {
	dup := *s
	dup.Tags = append([]string(nil), s.Tags...)
	dup.SupportedTransports = append([]string(nil), s.SupportedTransports...)
	dup.HeadersTemplate = append([]Header(nil), s.HeadersTemplate...)
	dup.Tools = make([]Tool, len(s.Tools))
	for i, tool := range s.Tools {
		dup.Tools[i] = tool
		dup.Tools[i].Schema = append(json.RawMessage(nil), tool.Schema...)
		dup.Tools[i].Tags = append([]string(nil), tool.Tags...)
	}
	return &dup
}

// HasAllTags reports whether the service carries every tag in want,
// case-insensitively.
func (s *Service) HasAllTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(s.Tags))
	for _, tag := range s.Tags {
		have[strings.ToLower(tag)] = struct{}{}
	}
	for _, tag := range want {
		if _, ok := have[strings.ToLower(tag)]; !ok {
			return false
		}
	}
	return true
}
