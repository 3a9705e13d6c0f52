package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	identity "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/implementation/identity"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// Key types for request context
type contextKey string

const (
	IdentityContextKey    contextKey = "identity"
	UserStoreContextKey   contextKey = "user_store"
	ServiceAuthContextKey contextKey = "service_auth"
	RequestIDContextKey   contextKey = "request_id"
)

// AuthMiddleware verifies bearer tokens and binds a user-scoped store to the request
type AuthMiddleware struct {
	verifier identity.Verifier
	stores   interfaces.UserStoreFactory
	config   Config
}

// Config holds middleware configuration
type Config struct {
	// HTTP header carrying the bearer token
	AccessTokenHeader string
}

// DefaultConfig returns a default middleware configuration
func DefaultConfig() Config {
	return Config{
		AccessTokenHeader: "Authorization",
	}
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(verifier identity.Verifier, stores interfaces.UserStoreFactory, config Config) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		stores:   stores,
		config:   config,
	}
}

// extractToken gets a bearer token from the header
func extractToken(r *http.Request, headerName string) string {
	header := strings.TrimSpace(r.Header.Get(headerName))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Authenticate verifies the bearer token and stores the identity and its
// UserStore in the gin context
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.Request, m.config.AccessTokenHeader)
		if token == "" {
			RespondError(c, apperr.ErrUnauthenticated)
			c.Abort()
			return
		}

		id, err := m.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			RespondError(c, err)
			c.Abort()
			return
		}

		c.Set(string(IdentityContextKey), id)
		c.Set(string(UserStoreContextKey), m.stores.ForIdentity(id))
		c.Next()
	}
}

// GetIdentityFromGinContext retrieves the verified identity
func GetIdentityFromGinContext(c *gin.Context) (mqtmodels.Identity, bool) {
	val, exists := c.Get(string(IdentityContextKey))
	if !exists {
		return mqtmodels.Identity{}, false
	}
	id, ok := val.(mqtmodels.Identity)
	return id, ok
}

// GetUserStoreFromGinContext retrieves the store bound to the verified identity
func GetUserStoreFromGinContext(c *gin.Context) (interfaces.UserStore, bool) {
	val, exists := c.Get(string(UserStoreContextKey))
	if !exists {
		return nil, false
	}
	store, ok := val.(interfaces.UserStore)
	return store, ok
}
