package auth

import (
	"net/http"
)

// Middleware authenticates API requests and stores the principal in the
// request context. Unauthenticated requests are rejected with the status
// from the failure taxonomy.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := resolver.ResolveRequest(r)
			if err != nil {
				WriteDetail(w, StatusFor(err), err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAdmin rejects requests whose principal is not in an admin group.
// It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			WriteDetail(w, http.StatusUnauthorized, ErrNoToken.Error())
			return
		}
		if !principal.IsAdmin {
			WriteDetail(w, http.StatusForbidden, "admin scope required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
