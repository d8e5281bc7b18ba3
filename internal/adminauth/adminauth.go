// Package adminauth authenticates requests to the administrative HTTP
// surface (trigger/status/operations/retention endpoints). It is never
// applied to the Keycloak webhook ingress, which authenticates with its own
// HMAC signature instead.
package adminauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Identity is the authenticated caller, attached to the request context.
type Identity struct {
	Subject string
	Method  string
}

const (
	MethodAPIKey = "api_key"
	MethodOIDC   = "oidc"
)

type contextKey struct{}

// NewContext returns a context carrying the given identity.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored on ctx, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok
}

// OIDCAuthenticator validates Keycloak-issued bearer JWTs for the admin API.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator performs OIDC discovery against issuerURL. This makes
// a network call to fetch the provider's signing keys.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}
	return &OIDCAuthenticator{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (a *OIDCAuthenticator) authenticate(ctx context.Context, bearerToken string) (*Identity, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(bearerToken, "Bearer "), "bearer "))
	if token == "" {
		return nil, fmt.Errorf("empty bearer token")
	}

	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}

	return &Identity{Subject: claims.Subject, Method: MethodOIDC}, nil
}

// Middleware authenticates admin-surface requests via either a static
// X-API-Key (constant-time compared against the configured key list) or an
// OIDC bearer token, when configured. If neither is configured, every
// request is rejected — there is no anonymous fallback for the admin API.
func Middleware(apiKeys []string, oidcAuth *OIDCAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
				if matchesAnyKey(rawKey, apiKeys) {
					ctx := NewContext(r.Context(), &Identity{Subject: "apikey", Method: MethodAPIKey})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				writeUnauthorized(w, "invalid API key")
				return
			}

			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				if oidcAuth == nil {
					writeUnauthorized(w, "OIDC authentication is not configured")
					return
				}
				id, err := oidcAuth.authenticate(r.Context(), authHeader)
				if err != nil {
					writeUnauthorized(w, "invalid token")
					return
				}
				next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
				return
			}

			writeUnauthorized(w, "no valid authentication provided")
		})
	}
}

func matchesAnyKey(candidate string, keys []string) bool {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": message})
}
