package api_models

import (
	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims are the claims carried by access tokens of the identity provider.
// The subject is the user id.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// RemoteUser is the body returned by the identity provider's user endpoint
type RemoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}
