package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// protocolVersion is the MCP protocol revision the prober negotiates.
const protocolVersion = "2024-11-05"

// sessionHeader carries the upstream-assigned MCP session id.
const sessionHeader = "Mcp-Session-Id"

// Probe failure reasons, one per handshake step.
const (
	reasonHandshakeFailed = "handshake-failed"
	reasonInitNotify      = "init-notify-failed"
	reasonToolsList       = "tools-list-failed"
	reasonTimeout         = "timeout"
)

// prober runs the three-step MCP liveness handshake against one service,
// going through the gateway's own listener so auth and rewrite are exercised
// exactly as client traffic would be.
type prober struct {
	base   string
	client *http.Client
	creds  CredentialSource
}

// probeResult is what one full probe produced.
type probeResult struct {
	state registry.HealthState
	tools []registry.Tool
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// run executes the full probe. An upstream 401 yields healthy-auth-expired
// after one credential refresh and a single retry.
func (p *prober) run(ctx context.Context, svc *registry.Service) probeResult {
	res, unauthorized := p.attempt(ctx, svc)
	if unauthorized {
		p.creds.Invalidate()
		res, unauthorized = p.attempt(ctx, svc)
		if unauthorized {
			return probeResult{state: registry.HealthState{
				Status:      registry.HealthAuthExpired,
				Reason:      "upstream rejected credentials",
				LastChecked: time.Now(),
			}}
		}
	}
	return res
}

// attempt runs initialize → notifications/initialized → tools/list once.
// The second return value reports an upstream 401.
func (p *prober) attempt(ctx context.Context, svc *registry.Service) (probeResult, bool) {
	endpoint := p.base + svc.Path

	// Step 1: initialize.
	initBody := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "mcpgate-monitor", "version": "1.0"},
		},
	}
	resp, err := p.post(ctx, endpoint, "", initBody)
	if err != nil {
		return probeResult{state: failure(ctx, reasonHandshakeFailed, err)}, false
	}
	sessionID := resp.Header.Get(sessionHeader)
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return probeResult{}, true
	}
	var initResult mcp.InitializeResult
	if err := decodeRPCResult(resp, &initResult); err != nil {
		return probeResult{state: failure(ctx, reasonHandshakeFailed, err)}, false
	}
	// The session id on the initialize response is the handshake's session
	// handle; an upstream that never issues one has not completed the
	// handshake.
	if sessionID == "" {
		return probeResult{state: failure(ctx, reasonHandshakeFailed,
			fmt.Errorf("initialize response carries no %s header", sessionHeader))}, false
	}
	logger.Debugw("initialize ok",
		"service", svc.Path, "session", sessionID, "upstream_version", initResult.ProtocolVersion)

	// Step 2: notifications/initialized. Notifications have no id and no
	// response body; any 2xx is acceptance.
	notifyBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}
	resp, err = p.post(ctx, endpoint, sessionID, notifyBody)
	if err != nil {
		return probeResult{state: failure(ctx, reasonInitNotify, err)}, false
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return probeResult{}, true
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return probeResult{state: failure(ctx, reasonInitNotify,
			fmt.Errorf("unexpected status %d", resp.StatusCode))}, false
	}
	drain(resp)

	// Step 3: tools/list.
	listBody := map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	}
	resp, err = p.post(ctx, endpoint, sessionID, listBody)
	if err != nil {
		return probeResult{state: failure(ctx, reasonToolsList, err)}, false
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return probeResult{}, true
	}
	var listResult mcp.ListToolsResult
	if err := decodeRPCResult(resp, &listResult); err != nil {
		return probeResult{state: failure(ctx, reasonToolsList, err)}, false
	}

	tools := make([]registry.Tool, 0, len(listResult.Tools))
	for _, tool := range listResult.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			schema = nil
		}
		tools = append(tools, registry.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      schema,
		})
	}

	return probeResult{
		state: registry.HealthState{
			Status:      registry.HealthHealthy,
			LastChecked: time.Now(),
			NumTools:    len(tools),
		},
		tools: tools,
	}, false
}

func (p *prober) post(ctx context.Context, endpoint, sessionID string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	token, err := p.creds.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain probe credential: %w", err)
	}
	token.SetAuthHeader(req)

	return p.client.Do(req)
}

// decodeRPCResult extracts the JSON-RPC result from either a plain JSON
// response or the first data line of an SSE response.
func decodeRPCResult(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	raw, err := responsePayload(resp)
	if err != nil {
		return err
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("malformed JSON-RPC response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("JSON-RPC error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if envelope.Result == nil {
		return fmt.Errorf("JSON-RPC response carries no result")
	}
	return json.Unmarshal(envelope.Result, out)
}

// responsePayload returns the JSON-RPC message body. Streamable HTTP
// upstreams answer plain JSON; SSE upstreams answer an event stream whose
// first data: line carries the message.
func responsePayload(resp *http.Response) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(data)), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read SSE stream: %w", err)
	}
	return nil, fmt.Errorf("SSE stream ended without a data line")
}

// failure classifies a step failure, folding deadline expiry into the
// dedicated timeout reason.
func failure(ctx context.Context, reason string, err error) registry.HealthState {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = reasonTimeout
	}
	return registry.HealthState{
		Status:      registry.HealthUnhealthy,
		Reason:      reason,
		LastChecked: time.Now(),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
