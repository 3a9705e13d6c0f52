package middleware

import (
	"github.com/gin-gonic/gin"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
)

// RespondError writes the error body for err. Internal causes are logged,
// never returned.
func RespondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)

	if kind == apperr.KindInternal {
		logger.GetGlobalLogger().FromContext(c.Request.Context()).Logger.Error().
			Err(err).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}

	respond(c, status, apperr.PublicMessage(err), string(kind))
}

func respond(c *gin.Context, status int, message, code string) {
	c.JSON(status, api_models.ErrorResponse{Error: message, Code: code})
}
