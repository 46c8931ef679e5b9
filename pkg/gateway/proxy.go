package gateway

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

const (
	upstreamDialTimeout   = 10 * time.Second
	upstreamHeaderTimeout = 30 * time.Second
)

// serviceProxy forwards proxied MCP traffic. Each request resolves its
// target from the current registry snapshot, is authenticated through the
// in-process validation handler, and is then streamed upstream.
type serviceProxy struct {
	store     *registry.Store
	validate  http.Handler
	metrics   *telemetry.Metrics
	transport http.RoundTripper
}

func newServiceProxy(store *registry.Store, validate http.Handler, metrics *telemetry.Metrics) *serviceProxy {
	return &serviceProxy{
		store:    store,
		validate: validate,
		metrics:  metrics,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: upstreamDialTimeout,
			}).DialContext,
			ResponseHeaderTimeout: upstreamHeaderTimeout,
			MaxIdleConnsPerHost:   16,
		},
	}
}

func (p *serviceProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svc, ok := p.store.Snapshot().Match(r.URL.Path)
	if !ok {
		auth.WriteDetail(w, http.StatusNotFound, "no service registered for this path")
		return
	}

	verdict := p.authenticate(r, svc)
	if verdict.status != http.StatusNoContent {
		if p.metrics != nil {
			p.metrics.AuthRejections.WithLabelValues(strconv.Itoa(verdict.status)).Inc()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(verdict.status)
		_, _ = w.Write(verdict.body)
		return
	}

	target, err := upstreamURL(svc)
	if err != nil {
		logger.Errorw("bad proxy_pass_url on registered service",
			"service", svc.Path, "url", svc.ProxyPassURL, "error", err)
		auth.WriteDetail(w, http.StatusInternalServerError, "service upstream misconfigured")
		return
	}

	proxy := &httputil.ReverseProxy{
		// Flush every chunk so SSE streams are never buffered.
		FlushInterval: -1,
		Transport:     p.transport,
		Director: func(req *http.Request) {
			p.rewrite(req, svc, target, verdict)
		},
		ModifyResponse: func(resp *http.Response) error {
			if p.metrics != nil {
				p.metrics.ProxiedRequests.WithLabelValues(svc.Path, strconv.Itoa(resp.StatusCode)).Inc()
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			p.upstreamError(w, req, svc, err)
		},
	}
	proxy.ServeHTTP(w, r)
}

// authVerdict is the outcome of the internal validation sub-request.
type authVerdict struct {
	status   int
	body     []byte
	identity http.Header
}

// authenticate runs the nginx-style auth sub-request in process: the
// client's credential travels on X-Authorization, the matched service path
// on X-Original-Uri, and identity comes back as response headers.
func (p *serviceProxy) authenticate(r *http.Request, svc *registry.Service) authVerdict {
	sub, err := http.NewRequestWithContext(r.Context(), http.MethodGet, "/validate", nil)
	if err != nil {
		return authVerdict{status: http.StatusInternalServerError, body: []byte(`{"detail":"internal error"}`)}
	}

	credential := r.Header.Get(auth.InternalAuthHeader)
	if credential == "" {
		credential = r.Header.Get("Authorization")
	}
	sub.Header.Set(auth.InternalAuthHeader, credential)
	sub.Header.Set(auth.OriginalPathHeader, svc.Path)
	sub.Header.Set(RequestIDHeader, r.Header.Get(RequestIDHeader))

	rec := &headerRecorder{header: http.Header{}}
	p.validate.ServeHTTP(rec, sub)
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return authVerdict{status: rec.status, body: rec.body.Bytes(), identity: rec.header}
}

// rewrite points the request at the upstream and applies the service's
// credential policy.
func (p *serviceProxy) rewrite(req *http.Request, svc *registry.Service, target *url.URL, verdict authVerdict) {
	remainder := strings.TrimPrefix(req.URL.Path, svc.Path)

	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.URL.Path = joinPath(target.Path, remainder)
	if target.RawQuery != "" && req.URL.RawQuery == "" {
		req.URL.RawQuery = target.RawQuery
	}
	req.Host = target.Host

	if svc.Provider() == registry.AuthProviderBedrockAgentCore {
		// AgentCore endpoints require a canonical trailing slash.
		req.URL.Path = strings.TrimRight(req.URL.Path, "/") + "/"
	}

	switch svc.Provider() {
	case registry.AuthProviderPassthrough:
		// Client Authorization flows upstream untouched.
	default:
		req.Header.Del("Authorization")
		for _, h := range svc.HeadersTemplate {
			req.Header.Set(h.Name, h.Value)
		}
	}
	// The internal credential header never leaves the gateway.
	req.Header.Del(auth.InternalAuthHeader)

	for _, h := range []string{auth.HeaderUser, auth.HeaderUsername, auth.HeaderScopes, auth.HeaderAuthMethod} {
		if v := verdict.identity.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
}

// upstreamError maps transport failures onto the gateway's error contract:
// timeouts are 504, everything else reaching the upstream is 502.
func (p *serviceProxy) upstreamError(w http.ResponseWriter, req *http.Request, svc *registry.Service, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		return
	}

	status := http.StatusBadGateway
	detail := "upstream unreachable"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status = http.StatusGatewayTimeout
		detail = "upstream timed out"
	}

	logger.Errorw("upstream request failed",
		"service", svc.Path,
		"upstream", svc.ProxyPassURL,
		"request_id", RequestIDFromContext(req.Context()),
		"status", status,
		"error", err)
	if p.metrics != nil {
		p.metrics.ProxiedRequests.WithLabelValues(svc.Path, strconv.Itoa(status)).Inc()
	}
	auth.WriteDetail(w, status, detail)
}

// upstreamURL resolves the service's proxy pass URL, normalizing the
// bedrock-agentcore "/mcp/" suffix convention.
func upstreamURL(svc *registry.Service) (*url.URL, error) {
	target, err := url.Parse(svc.ProxyPassURL)
	if err != nil {
		return nil, err
	}
	if svc.Provider() == registry.AuthProviderBedrockAgentCore {
		target.Path = strings.TrimSuffix(strings.TrimSuffix(target.Path, "/"), "/mcp")
	}
	return target, nil
}

func joinPath(base, remainder string) string {
	switch {
	case remainder == "":
		if base == "" {
			return "/"
		}
		return base
	case strings.HasSuffix(base, "/") && strings.HasPrefix(remainder, "/"):
		return base + remainder[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(remainder, "/"):
		return base + "/" + remainder
	default:
		return base + remainder
	}
}

// headerRecorder captures the validation handler's response without a
// network round trip.
type headerRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *headerRecorder) Header() http.Header { return r.header }

func (r *headerRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *headerRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}
