package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthController handles liveness and readiness checks
type HealthController struct {
	store   interfaces.SystemStore
	checks  map[string]Pinger
	timeout time.Duration
	logger  *logger.Logger
}

// NewHealthController creates a new health controller. Extra checks are
// reported but only the store decides readiness.
func NewHealthController(store interfaces.SystemStore, checks map[string]Pinger, timeout time.Duration, logger *logger.Logger) *HealthController {
	return &HealthController{
		store:   store,
		checks:  checks,
		timeout: timeout,
		logger:  logger,
	}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router *gin.Engine) {
	router.GET("/health/live", c.HealthLive)
	router.GET("/health/ready", c.HealthReady)
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (c *HealthController) HealthReady(ctx *gin.Context) {
	pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), c.timeout)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK
	if err := c.store.Ping(pingCtx); err != nil {
		c.logger.FromContext(ctx.Request.Context()).Logger.Warn().Err(err).Msg("Store not ready")
		checks["store"] = "error"
		status = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	for name, check := range c.checks {
		if err := check.Ping(pingCtx); err != nil {
			checks[name] = "error"
			continue
		}
		checks[name] = "ok"
	}

	overall := "ready"
	if status != http.StatusOK {
		overall = "not_ready"
	}
	ctx.JSON(status, gin.H{
		"status":    overall,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
