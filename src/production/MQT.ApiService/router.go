package main

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/controllers"
	identity "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/implementation/identity"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	broker "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Broker"
	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	provisioning "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Provisioning"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
)

// routerDeps is everything the HTTP surface needs
type routerDeps struct {
	config          *config.Config
	logger          *logger.Logger
	verifier        identity.Verifier
	userStores      interfaces.UserStoreFactory
	systemStore     interfaces.SystemStore
	service         *provisioning.Service
	readinessChecks map[string]controllers.Pinger
}

func newRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(deps.logger))
	router.Use(middleware.Recovery(deps.logger))

	// Configure CORS from config
	corsConfig := cors.Config{
		AllowOrigins:     deps.config.CORS.AllowedOrigins,
		AllowMethods:     deps.config.CORS.AllowedMethods,
		AllowHeaders:     deps.config.CORS.AllowedHeaders,
		ExposeHeaders:    deps.config.CORS.ExposedHeaders,
		AllowCredentials: deps.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(deps.config.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	authMiddleware := middleware.NewAuthMiddleware(deps.verifier, deps.userStores, middleware.DefaultConfig())

	controllers.NewHealthController(deps.systemStore, deps.readinessChecks, deps.config.Database.Timeout, deps.logger).RegisterRoutes(router)
	controllers.NewProvisioningController(deps.service).RegisterRoutes(router)
	controllers.NewBrokerAuthController(broker.NewAuthChecker(deps.systemStore), deps.config.Broker.AuthHookSecret, deps.logger).RegisterRoutes(router)
	controllers.NewUserController(authMiddleware).RegisterRoutes(router)
	controllers.NewProjectController(deps.service, deps.logger, authMiddleware).RegisterRoutes(router)
	controllers.NewDeviceController(deps.service, deps.logger, authMiddleware).RegisterRoutes(router)
	controllers.NewChannelController(deps.logger, authMiddleware).RegisterRoutes(router)

	return router
}
