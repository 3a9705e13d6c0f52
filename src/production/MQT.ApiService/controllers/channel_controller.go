package controllers

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
)

var channelKeyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ChannelController handles device channel requests
type ChannelController struct {
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewChannelController creates a new channel controller
func NewChannelController(logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *ChannelController {
	return &ChannelController{
		logger:         logger,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the channel routes with Gin
func (c *ChannelController) RegisterRoutes(router *gin.Engine) {
	deviceChannels := router.Group("/devices/:id/channels", c.authMiddleware.Authenticate())
	{
		deviceChannels.POST("", c.CreateChannel)
		deviceChannels.GET("", c.ListChannels)
	}

	channels := router.Group("/channels", c.authMiddleware.Authenticate())
	{
		channels.PATCH("/:id", c.UpdateChannel)
		channels.DELETE("/:id", c.DeleteChannel)
	}
}

type CreateChannelRequest struct {
	Name     string  `json:"name" binding:"required,max=200"`
	Key      string  `json:"key" binding:"required"`
	DataType string  `json:"data_type" binding:"required,oneof=number string boolean json"`
	Unit     *string `json:"unit,omitempty" binding:"omitempty,max=32"`
}

type UpdateChannelRequest struct {
	Name *string `json:"name,omitempty" binding:"omitempty,min=1,max=200"`
	Unit *string `json:"unit,omitempty" binding:"omitempty,max=32"`
}

func (c *ChannelController) CreateChannel(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	deviceID, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req CreateChannelRequest
	if !bindJSON(ctx, &req) {
		return
	}
	if !channelKeyPattern.MatchString(req.Key) {
		middleware.RespondError(ctx, apperr.InvalidInput("key must be 1-64 characters of a-z, 0-9, _ or -"))
		return
	}

	channel, err := store.Channels().Create(ctx.Request.Context(), mqtmodels.Channel{
		DeviceID: deviceID,
		Name:     req.Name,
		Key:      req.Key,
		DataType: req.DataType,
		Unit:     req.Unit,
	})
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	c.logger.FromContext(ctx.Request.Context()).Logger.Debug().
		Str("device_id", deviceID).
		Str("key", channel.Key).
		Msg("Channel created")
	ctx.JSON(http.StatusCreated, channel)
}

func (c *ChannelController) ListChannels(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	deviceID, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	channels, err := store.Channels().ListByDevice(ctx.Request.Context(), deviceID)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"items": channels})
}

func (c *ChannelController) UpdateChannel(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	channelID, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req UpdateChannelRequest
	if !bindJSON(ctx, &req) {
		return
	}

	channel, err := store.Channels().Update(ctx.Request.Context(), channelID, mqtmodels.ChannelPatch{
		Name: req.Name,
		Unit: req.Unit,
	})
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, channel)
}

func (c *ChannelController) DeleteChannel(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	channelID, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	if err := store.Channels().Delete(ctx.Request.Context(), channelID); err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}
