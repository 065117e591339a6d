package middleware

import "github.com/meridianhq/configurator/internal/domain"

// Context keys for middleware data storage
type contextKey string

const (
	// RequestIDContextKey is the context key for request ID
	RequestIDContextKey contextKey = "request_id"

	// PrincipalContextKey is the context key for the authenticated
	// caller (the resolved API key)
	PrincipalContextKey contextKey = "principal"
)

// HTTP headers
const (
	// RequestIDHeader is the header name for request ID
	RequestIDHeader = "X-Request-ID"

	// AuthorizationHeader is the header name for authorization
	AuthorizationHeader = "Authorization"

	// RateLimitHeader prefix for rate limit headers
	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"

	// API version header
	APIVersionHeader = "X-API-Version"
)

// Scopes an Admin API key may carry (spec.md §6).
const (
	ScopeConfigRead     = "config:read"
	ScopeConfigWrite    = "config:write"
	ScopeProposalReview = "proposal:review"
	ScopeWorkspaceAdmin = "workspace:admin"
)

// Principal is the authenticated caller AuthMiddleware attaches to the
// request context: the resolved API key plus the project-scope role
// its scopes grant, computed once so handlers never re-derive it.
type Principal struct {
	Key         *domain.APIKey
	ProjectRole domain.Role
}

// HasScope reports whether the principal's key carries scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Key.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsProject reports whether the key may act against projectID. An
// empty ProjectIDs list means the key is unrestricted.
func (p *Principal) AllowsProject(projectID string) bool {
	if len(p.Key.ProjectIDs) == 0 {
		return true
	}
	for _, id := range p.Key.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}
