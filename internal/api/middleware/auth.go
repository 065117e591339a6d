package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/domain"
)

// KeyResolver looks up an API key by the SHA-256 hash of its raw
// value. Satisfied by *internal/store/postgres.Store.
type KeyResolver interface {
	ResolveAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
}

// AuthMiddleware validates the "Authorization: ApiKey <key>" header,
// resolves it to a domain.APIKey, derives the project role its scopes
// grant, and attaches the resulting Principal to the request context.
//
// Supported scheme: ApiKey <key>. Unlike the teacher's
// AuthMiddleware (a static map of pre-issued keys), this repo's keys
// are database-backed and hashed at rest — HashKey never needs the raw
// value again once a key is minted.
func AuthMiddleware(resolver KeyResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get(AuthorizationHeader)
			if authHeader == "" {
				apierr.WriteError(w, apierr.Unauthorized("missing Authorization header").WithRequestID(GetRequestID(r.Context())))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "ApiKey" {
				apierr.WriteError(w, apierr.Unauthorized("expected \"Authorization: ApiKey <key>\"").WithRequestID(GetRequestID(r.Context())))
				return
			}

			key, err := resolver.ResolveAPIKeyByHash(r.Context(), HashKey(parts[1]))
			if err != nil {
				apiErr, ok := apierr.As(err)
				if !ok {
					apiErr = apierr.Unauthorized("invalid API key")
				}
				apierr.WriteError(w, apiErr.WithRequestID(GetRequestID(r.Context())))
				return
			}

			principal := &Principal{Key: key, ProjectRole: projectRoleFromScopes(key.Scopes)}
			ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HashKey returns the hex-encoded SHA-256 digest stored in api_keys.key_hash.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// projectRoleFromScopes maps an Admin key's scopes onto the highest
// project-level domain.Role they grant. workspace:admin outranks
// config:write and proposal:review (both maintainer), which outrank
// config:read — mirroring
// internal/authz's level ordering (viewer < maintainer < admin; there
// is no project-scope "editor", so config:write keys land at
// maintainer, matching the teacher's RBACMiddleware role hierarchy
// collapsed to this repo's three project-scope roles).
func projectRoleFromScopes(scopes []string) domain.Role {
	role := domain.Role("")
	has := func(scope string) bool {
		for _, s := range scopes {
			if s == scope {
				return true
			}
		}
		return false
	}
	if has(ScopeConfigRead) {
		role = domain.RoleViewer
	}
	if has(ScopeConfigWrite) || has(ScopeProposalReview) {
		role = domain.RoleMaintainer
	}
	if has(ScopeWorkspaceAdmin) {
		role = domain.RoleAdmin
	}
	return role
}

// RequireScope rejects the request with 403 unless the principal's key
// carries scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := GetPrincipal(r.Context())
			if !ok {
				apierr.WriteError(w, apierr.Unauthorized("not authenticated").WithRequestID(GetRequestID(r.Context())))
				return
			}
			if !principal.HasScope(scope) {
				apierr.WriteError(w, apierr.Forbidden("missing required scope %q", scope).WithRequestID(GetRequestID(r.Context())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated Principal from context.
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok
}
