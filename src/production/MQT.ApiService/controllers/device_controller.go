package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	provisioning "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Provisioning"
)

// DeviceController handles Device management requests
type DeviceController struct {
	service        *provisioning.Service
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewDeviceController creates a new device controller
func NewDeviceController(service *provisioning.Service, logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *DeviceController {
	return &DeviceController{
		service:        service,
		logger:         logger,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the device routes with Gin
func (c *DeviceController) RegisterRoutes(router *gin.Engine) {
	projectDevices := router.Group("/projects/:id/devices", c.authMiddleware.Authenticate())
	{
		projectDevices.POST("", c.CreateDevice)
		projectDevices.GET("", c.ListDevices)
	}

	devices := router.Group("/devices", c.authMiddleware.Authenticate())
	{
		devices.GET("/:id", c.GetDevice)
		devices.PATCH("/:id", c.UpdateDevice)
		devices.DELETE("/:id", c.DeleteDevice)
		devices.POST("/:id/regenerate-token", c.RegenerateToken)
	}
}

type CreateDeviceRequest struct {
	Name               string  `json:"name" binding:"required,max=200"`
	HardwareDescriptor *string `json:"hardware_descriptor,omitempty" binding:"omitempty,max=500"`
	MacAddress         *string `json:"mac_address,omitempty"`
	FirmwareVersion    *string `json:"firmware_version,omitempty" binding:"omitempty,max=64"`
}

type UpdateDeviceRequest struct {
	Name               *string `json:"name,omitempty" binding:"omitempty,min=1,max=200"`
	HardwareDescriptor *string `json:"hardware_descriptor,omitempty" binding:"omitempty,max=500"`
	MacAddress         *string `json:"mac_address,omitempty"`
	FirmwareVersion    *string `json:"firmware_version,omitempty" binding:"omitempty,max=64"`
}

// CreateDevice returns the provisioning token; it is not readable afterwards
func (c *DeviceController) CreateDevice(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	projectID, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req CreateDeviceRequest
	if !bindJSON(ctx, &req) {
		return
	}

	device, err := c.service.CreateDevice(ctx.Request.Context(), store, provisioning.NewDeviceInput{
		ProjectID:          projectID,
		Name:               req.Name,
		HardwareDescriptor: req.HardwareDescriptor,
		MacAddress:         req.MacAddress,
		FirmwareVersion:    req.FirmwareVersion,
	})
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, device)
}

func (c *DeviceController) ListDevices(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	projectID, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	page, pageSize := pageParams(ctx)

	result, err := store.Devices().ListByProject(ctx.Request.Context(), projectID, page, pageSize)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

func (c *DeviceController) GetDevice(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	deviceID, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	device, err := store.Devices().Get(ctx.Request.Context(), deviceID)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, device)
}

func (c *DeviceController) UpdateDevice(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	deviceID, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req UpdateDeviceRequest
	if !bindJSON(ctx, &req) {
		return
	}
	if req.MacAddress != nil && !provisioning.ValidMacAddress(*req.MacAddress) {
		middleware.RespondError(ctx, apperr.InvalidInput("mac_address must look like AA:BB:CC:DD:EE:FF"))
		return
	}

	device, err := store.Devices().Update(ctx.Request.Context(), deviceID, mqtmodels.DevicePatch{
		Name:               req.Name,
		HardwareDescriptor: req.HardwareDescriptor,
		MacAddress:         req.MacAddress,
		FirmwareVersion:    req.FirmwareVersion,
	})
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, device)
}

func (c *DeviceController) DeleteDevice(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	deviceID, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	if err := c.service.DeleteDevice(ctx.Request.Context(), store, deviceID); err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	c.logger.FromContext(ctx.Request.Context()).Logger.Info().
		Str("device_id", deviceID).
		Msg("Device deleted")
	ctx.Status(http.StatusNoContent)
}

// RegenerateToken starts a new provisioning epoch for the device
func (c *DeviceController) RegenerateToken(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	deviceID, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	resp, err := c.service.RegenerateToken(ctx.Request.Context(), store, deviceID)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, resp)
}
