package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/pesio-ai/be-clm-identity/internal/service"
)

type contextKey int

const identityKey contextKey = iota

// IdentityFrom returns the authenticated identity attached by the gate.
func IdentityFrom(ctx context.Context) (*service.Identity, bool) {
	ident, ok := ctx.Value(identityKey).(*service.Identity)
	return ident, ok
}

// bearerToken extracts the raw session token from the Authorization header
// or, failing that, the session cookie.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if raw, ok := strings.CutPrefix(header, "Bearer "); ok {
			return raw
		}
		return ""
	}

	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// Authenticate is the per-request gate: it resolves the bearer token to a
// live user and session and attaches the identity to the request context. The
// service already collapses every legitimate rejection into one uniform
// Unauthorized; the error is forwarded as-is so store failures still surface
// as 500 and get logged.
func (h *HTTPHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := h.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			h.respondError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
