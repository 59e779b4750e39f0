package middleware

import (
	"net/http"
	"strings"

	"github.com/taskmesh/taskmesh/pkg/controlplane"
)

// TokenResolver maps a bearer token to the identity it authenticates, or
// reports that the token is unknown.
type TokenResolver interface {
	Resolve(token string) (controlplane.Identity, bool)
}

// StaticTokens resolves tokens against a fixed token-to-role table.
type StaticTokens map[string]string

// Resolve implements TokenResolver.
func (s StaticTokens) Resolve(token string) (controlplane.Identity, bool) {
	role, ok := s[token]
	if !ok {
		return controlplane.Identity{}, false
	}
	parsed, err := controlplane.ParseRole(role)
	if err != nil {
		return controlplane.Identity{}, false
	}
	return controlplane.Identity{Subject: role, Role: parsed}, true
}

// Auth extracts a bearer token and attaches the resolved identity to the
// request context. Requests without a recognized token pass through without
// an identity; the JSON-RPC authorizer decides whether that is acceptable.
func Auth(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver != nil {
				if token := bearerToken(r); token != "" {
					if id, ok := resolver.Resolve(token); ok {
						r = r.WithContext(controlplane.WithIdentity(r.Context(), id))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set Authorization on websocket upgrades.
		return r.URL.Query().Get("access_token")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
