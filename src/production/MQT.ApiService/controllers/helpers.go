package controllers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// userStore returns the store bound by AuthMiddleware.Authenticate and
// responds 401 when the route was registered without it
func userStore(ctx *gin.Context) (interfaces.UserStore, bool) {
	store, ok := middleware.GetUserStoreFromGinContext(ctx)
	if !ok {
		middleware.RespondError(ctx, apperr.ErrUnauthenticated)
		return nil, false
	}
	return store, true
}

// pathID reads a uuid path parameter. Malformed ids cannot name a row the
// caller owns, so they are reported as not found.
func pathID(ctx *gin.Context, name string) (string, bool) {
	id := ctx.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		middleware.RespondError(ctx, apperr.ErrNotFound)
		return "", false
	}
	return id, true
}

// bindJSON binds the request body and responds 400 on failure
func bindJSON(ctx *gin.Context, req interface{}) bool {
	if err := ctx.ShouldBindJSON(req); err != nil {
		middleware.RespondError(ctx, apperr.InvalidInput("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func pageParams(ctx *gin.Context) (int, int) {
	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(ctx.DefaultQuery("page_size", "10"))
	return page, pageSize
}
