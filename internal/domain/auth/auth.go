// Package auth defines the API key identity model used to authenticate and
// scope every request.
package auth

import "context"

// Scope names understood by the authorization layer.
const (
	// ScopeOrdersWrite permits the customer-facing order commands.
	ScopeOrdersWrite = "orders:write"
	// ScopeOrdersAdmin permits administrative status transitions.
	ScopeOrdersAdmin = "orders:admin"
)

// APIKeyInfo holds the identity and permission data for a validated API key.
// UserID is the owner every order and idempotency record is scoped to.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	UserID  string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key carries the named scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}
