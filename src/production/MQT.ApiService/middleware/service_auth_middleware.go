package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
)

// BrokerSecretHeader carries the shared secret of the broker auth plugin
const BrokerSecretHeader = "X-Broker-Secret"

// ServiceAuthMiddleware admits only callers presenting the broker auth secret
func ServiceAuthMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		presented := []byte(c.GetHeader(BrokerSecretHeader))
		if len(presented) == 0 || subtle.ConstantTimeCompare(presented, expected) != 1 {
			RespondError(c, apperr.New(apperr.KindForbidden, "invalid broker secret"))
			c.Abort()
			return
		}

		c.Set(string(ServiceAuthContextKey), true)
		c.Next()
	}
}
