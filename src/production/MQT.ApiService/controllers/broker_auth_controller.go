package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	broker "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Broker"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
	topics "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Topics"
)

// BrokerAuthController answers the HTTP backend of the broker auth plugin.
// Every answer other than 200 denies.
type BrokerAuthController struct {
	checker *broker.AuthChecker
	secret  string
	logger  *logger.Logger
}

// NewBrokerAuthController creates a new broker auth controller
func NewBrokerAuthController(checker *broker.AuthChecker, secret string, logger *logger.Logger) *BrokerAuthController {
	return &BrokerAuthController{
		checker: checker,
		secret:  secret,
		logger:  logger.WithComponent("broker_auth"),
	}
}

// RegisterRoutes registers the hook routes; without a secret they stay unregistered
func (c *BrokerAuthController) RegisterRoutes(router *gin.Engine) {
	if c.secret == "" {
		c.logger.Warn("BROKER_AUTH_SECRET not set, broker auth hooks disabled")
		return
	}
	hooks := router.Group("/broker/auth", middleware.ServiceAuthMiddleware(c.secret))
	{
		hooks.POST("/user", c.CheckUser)
		hooks.POST("/acl", c.CheckACL)
		hooks.POST("/superuser", c.CheckSuperuser)
	}
}

func (c *BrokerAuthController) CheckUser(ctx *gin.Context) {
	var req api_models.BrokerUserRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		deny(ctx)
		return
	}

	allowed, err := c.checker.CheckUser(ctx.Request.Context(), req.Username, req.Password, req.ClientID)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}
	if !allowed {
		c.logger.FromContext(ctx.Request.Context()).Logger.Debug().
			Str("username", req.Username).
			Str("client_id", req.ClientID).
			Msg("Broker login denied")
		deny(ctx)
		return
	}

	allow(ctx)
}

func (c *BrokerAuthController) CheckACL(ctx *gin.Context) {
	var req api_models.BrokerACLRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		deny(ctx)
		return
	}

	allowed, err := c.checker.CheckACL(ctx.Request.Context(), req.Username, req.ClientID, req.Topic, topics.Access(req.Acc))
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}
	if !allowed {
		deny(ctx)
		return
	}

	allow(ctx)
}

// CheckSuperuser always denies; devices never bypass their ACL
func (c *BrokerAuthController) CheckSuperuser(ctx *gin.Context) {
	deny(ctx)
}

func allow(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func deny(ctx *gin.Context) {
	ctx.JSON(http.StatusForbidden, gin.H{"ok": false})
}
