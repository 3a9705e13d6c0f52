package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
)

// UserController exposes the verified identity
type UserController struct {
	authMiddleware *middleware.AuthMiddleware
}

// NewUserController creates a new user controller
func NewUserController(authMiddleware *middleware.AuthMiddleware) *UserController {
	return &UserController{authMiddleware: authMiddleware}
}

// RegisterRoutes registers the user routes with Gin
func (h *UserController) RegisterRoutes(router *gin.Engine) {
	router.GET("/me", h.authMiddleware.Authenticate(), h.Me)
}

// Me returns the identity the bearer token resolved to
func (h *UserController) Me(c *gin.Context) {
	identity, ok := middleware.GetIdentityFromGinContext(c)
	if !ok {
		middleware.RespondError(c, apperr.ErrUnauthenticated)
		return
	}
	c.JSON(http.StatusOK, identity)
}
