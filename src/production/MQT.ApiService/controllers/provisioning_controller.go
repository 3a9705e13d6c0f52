package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
	provisioning "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Provisioning"
)

// ProvisioningController serves the device-facing token exchange
type ProvisioningController struct {
	service *provisioning.Service
}

// NewProvisioningController creates a new provisioning controller
func NewProvisioningController(service *provisioning.Service) *ProvisioningController {
	return &ProvisioningController{service: service}
}

// RegisterRoutes registers the provisioning route. Devices authenticate with
// their provisioning token, not a bearer token.
func (c *ProvisioningController) RegisterRoutes(router *gin.Engine) {
	router.POST("/provision", c.Provision)
}

func (c *ProvisioningController) Provision(ctx *gin.Context) {
	var req api_models.ProvisionRequest
	if !bindJSON(ctx, &req) {
		return
	}

	resp, err := c.service.Provision(ctx.Request.Context(), req)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.Header("Cache-Control", "no-store")
	ctx.JSON(http.StatusOK, resp)
}
