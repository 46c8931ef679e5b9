package monitor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mcpgate/mcpgate/pkg/monitor"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// fakeCreds is a CredentialSource whose token changes on Invalidate, so
// tests can distinguish the pre- and post-refresh attempts.
type fakeCreds struct {
	mu          sync.Mutex
	generation  int
	invalidated int
}

func (f *fakeCreds) Token() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &oauth2.Token{AccessToken: fmt.Sprintf("probe-token-v%d", f.generation)}, nil
}

func (f *fakeCreds) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	f.invalidated++
}

// upstreamOpts shapes the fake MCP server's behavior.
type upstreamOpts struct {
	sse            bool
	failStep       string // "initialize", "notify", "tools"
	requireToken   string // non-empty: 401 unless the bearer matches
	initializeLag  time.Duration
	requireSession bool
	omitSession    bool // initialize succeeds but assigns no session id
	lagOnce        bool // apply initializeLag to the first initialize only
}

// newMCPUpstream serves the three-step handshake at any path.
func newMCPUpstream(t *testing.T, opts upstreamOpts) *httptest.Server {
	t.Helper()

	writeResult := func(w http.ResponseWriter, result any) {
		payload, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
		require.NoError(t, err)
		if opts.sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}

	var firstInit atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.requireToken != "" && r.Header.Get("Authorization") != "Bearer "+opts.requireToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var rpc struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rpc))

		switch rpc.Method {
		case "initialize":
			if opts.lagOnce {
				if firstInit.CompareAndSwap(false, true) {
					time.Sleep(opts.initializeLag)
				}
			} else {
				time.Sleep(opts.initializeLag)
			}
			if opts.failStep == "initialize" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if !opts.omitSession {
				w.Header().Set("Mcp-Session-Id", "sess-123")
			}
			writeResult(w, map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake", "version": "1.0"},
			})
		case "notifications/initialized":
			if opts.requireSession && r.Header.Get("Mcp-Session-Id") != "sess-123" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if opts.failStep == "notify" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			if opts.failStep == "tools" {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":2,"error":{"code":-32603,"message":"boom"}}`))
				return
			}
			writeResult(w, map[string]any{
				"tools": []map[string]any{
					{"name": "get_stock_price", "description": "Quote lookup", "inputSchema": map[string]any{"type": "object"}},
					{"name": "get_history", "description": "Historical data", "inputSchema": map[string]any{"type": "object"}},
				},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newMonitorEnv(t *testing.T, upstream *httptest.Server, creds monitor.CredentialSource, timeout time.Duration) (*monitor.Monitor, *registry.Store) {
	t.Helper()
	store, err := registry.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Register(&registry.Service{
		Name:         "fininfo",
		Path:         "/fininfo",
		ProxyPassURL: upstream.URL,
		Enabled:      true,
	}))
	m := monitor.New(monitor.Config{
		GatewayBaseURL: upstream.URL,
		Period:         time.Hour,
		ProbeTimeout:   timeout,
	}, store, creds, nil)
	return m, store
}

func TestProbeHealthy(t *testing.T) {
	t.Parallel()

	upstream := newMCPUpstream(t, upstreamOpts{requireSession: true})
	m, store := newMonitorEnv(t, upstream, &fakeCreds{}, 5*time.Second)

	state, err := m.ProbeNow(context.Background(), "/fininfo")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthHealthy, state.Status)
	assert.Equal(t, 2, state.NumTools)
	assert.Empty(t, state.Reason)

	svc, err := store.GetByPath("/fininfo")
	require.NoError(t, err)
	require.Len(t, svc.Tools, 2)
	assert.Equal(t, "get_stock_price", svc.Tools[0].Name)
	assert.NotEmpty(t, svc.Tools[0].Schema)
}

func TestProbeSSEFallback(t *testing.T) {
	t.Parallel()

	upstream := newMCPUpstream(t, upstreamOpts{sse: true})
	m, _ := newMonitorEnv(t, upstream, &fakeCreds{}, 5*time.Second)

	state, err := m.ProbeNow(context.Background(), "/fininfo")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthHealthy, state.Status)
	assert.Equal(t, 2, state.NumTools)
}

func TestProbeFailureReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       upstreamOpts
		timeout    time.Duration
		wantReason string
	}{
		{"initialize fails", upstreamOpts{failStep: "initialize"}, 5 * time.Second, "handshake-failed"},
		{"no session id assigned", upstreamOpts{omitSession: true}, 5 * time.Second, "handshake-failed"},
		{"notify fails", upstreamOpts{failStep: "notify"}, 5 * time.Second, "init-notify-failed"},
		{"tools list fails", upstreamOpts{failStep: "tools"}, 5 * time.Second, "tools-list-failed"},
		{"deadline exceeded", upstreamOpts{initializeLag: 2 * time.Second}, 200 * time.Millisecond, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			upstream := newMCPUpstream(t, tt.opts)
			m, _ := newMonitorEnv(t, upstream, &fakeCreds{}, tt.timeout)

			state, err := m.ProbeNow(context.Background(), "/fininfo")
			require.NoError(t, err)
			assert.Equal(t, registry.HealthUnhealthy, state.Status)
			assert.Equal(t, tt.wantReason, state.Reason)
		})
	}
}

func TestProbeAuthExpired(t *testing.T) {
	t.Parallel()

	// Upstream only accepts a token the source never produces.
	upstream := newMCPUpstream(t, upstreamOpts{requireToken: "never-minted"})
	creds := &fakeCreds{}
	m, _ := newMonitorEnv(t, upstream, creds, 5*time.Second)

	state, err := m.ProbeNow(context.Background(), "/fininfo")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthAuthExpired, state.Status)
	assert.Equal(t, 1, creds.invalidated, "exactly one refresh attempt after a 401")
}

func TestProbeAuthRefreshRecovers(t *testing.T) {
	t.Parallel()

	// Upstream accepts only the post-refresh generation.
	upstream := newMCPUpstream(t, upstreamOpts{requireToken: "probe-token-v1"})
	creds := &fakeCreds{}
	m, _ := newMonitorEnv(t, upstream, creds, 5*time.Second)

	state, err := m.ProbeNow(context.Background(), "/fininfo")
	require.NoError(t, err)
	assert.Equal(t, registry.HealthHealthy, state.Status)
	assert.Equal(t, 1, creds.invalidated)
}

func TestDisableCancelsInflightProbe(t *testing.T) {
	t.Parallel()

	upstream := newMCPUpstream(t, upstreamOpts{initializeLag: 500 * time.Millisecond})
	m, store := newMonitorEnv(t, upstream, &fakeCreds{}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Give the first cycle a moment to start its probe, then disable.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, store.SetEnabled("/fininfo", false))

	assert.Never(t, func() bool {
		svc, err := store.GetByPath("/fininfo")
		require.NoError(t, err)
		return svc.Health.Status == registry.HealthHealthy
	}, time.Second, 50*time.Millisecond, "cancelled probe result must be discarded")
}

func TestOverlappingProbesCancelIndependently(t *testing.T) {
	t.Parallel()

	// The periodic cycle's probe is slow; an on-demand probe of the same
	// service starts and finishes while it is still in flight. Disabling the
	// service must still cancel the slow probe.
	upstream := newMCPUpstream(t, upstreamOpts{initializeLag: 800 * time.Millisecond, lagOnce: true})
	m, store := newMonitorEnv(t, upstream, &fakeCreds{}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Let the first cycle start its (lagged) probe, then probe on demand.
	time.Sleep(100 * time.Millisecond)
	state, err := m.ProbeNow(context.Background(), "/fininfo")
	require.NoError(t, err)
	require.Equal(t, registry.HealthHealthy, state.Status)

	require.NoError(t, store.SetEnabled("/fininfo", false))

	assert.Never(t, func() bool {
		svc, err := store.GetByPath("/fininfo")
		require.NoError(t, err)
		return !svc.Health.LastChecked.Equal(state.LastChecked)
	}, 1500*time.Millisecond, 50*time.Millisecond,
		"the cancelled slow probe must not record a result")
}

func TestMintedCredentialSource(t *testing.T) {
	t.Parallel()

	src := monitor.NewMintedCredentialSource("https://gate.internal", []byte("secret"), "mcp-admins", time.Hour)

	first, err := src.Token()
	require.NoError(t, err)
	assert.NotEmpty(t, first.AccessToken)
	assert.True(t, first.Valid())

	cached, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, cached.AccessToken, "valid tokens are reused")

	src.Invalidate()
	fresh, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, fresh.AccessToken)
}
