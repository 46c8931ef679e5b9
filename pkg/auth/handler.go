package auth

import (
	"encoding/json"
	"net/http"

	"github.com/mcpgate/mcpgate/pkg/logger"
)

// OriginalPathHeader carries the matched service path on the internal
// validation sub-request, so the resolver can enforce per-service access.
const OriginalPathHeader = "X-Original-Uri"

// ValidateHandler serves the internal GET /validate endpoint. The edge
// router forwards the client's Authorization as X-Authorization; on success
// the handler answers 204 with the identity response headers, on failure
// 401 or 403 with a {"detail": ...} body.
type ValidateHandler struct {
	resolver *Resolver
}

// NewValidateHandler creates the /validate handler.
func NewValidateHandler(resolver *Resolver) *ValidateHandler {
	return &ValidateHandler{resolver: resolver}
}

// ServeHTTP implements http.Handler.
func (h *ValidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.resolver.ResolveRequest(r)
	if err != nil {
		status := StatusFor(err)
		logger.Debugw("validation rejected", "status", status, "error", err)
		WriteDetail(w, status, err.Error())
		return
	}

	if servicePath := r.Header.Get(OriginalPathHeader); servicePath != "" {
		if !principal.CanAccessServer(servicePath) {
			logger.Infow("scope check failed",
				"username", principal.Username, "path", servicePath, "scopes", principal.ScopeString())
			WriteDetail(w, http.StatusForbidden, ErrNoAccess.Error())
			return
		}
	}

	w.Header().Set(HeaderUser, principal.Username)
	w.Header().Set(HeaderUsername, principal.Username)
	w.Header().Set(HeaderScopes, principal.ScopeString())
	w.Header().Set(HeaderAuthMethod, string(principal.Method))
	w.WriteHeader(http.StatusNoContent)
}

// WriteDetail writes the standard error body used across the gateway.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"detail": detail}); err != nil {
		logger.Errorw("failed to write error body", "error", err)
	}
}
