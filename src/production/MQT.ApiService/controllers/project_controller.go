package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.device_api/src/production/MQT.ApiService/middleware"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	provisioning "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Provisioning"
)

// ProjectController handles project management requests
type ProjectController struct {
	service        *provisioning.Service
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewProjectController creates a new project controller
func NewProjectController(service *provisioning.Service, logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *ProjectController {
	return &ProjectController{
		service:        service,
		logger:         logger,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the project routes with Gin
func (c *ProjectController) RegisterRoutes(router *gin.Engine) {
	projects := router.Group("/projects", c.authMiddleware.Authenticate())
	{
		projects.POST("", c.CreateProject)
		projects.GET("", c.ListProjects)
		projects.GET("/:id", c.GetProject)
		projects.PATCH("/:id", c.UpdateProject)
		projects.DELETE("/:id", c.DeleteProject)
	}
}

type CreateProjectRequest struct {
	Name        string  `json:"name" binding:"required,max=200"`
	Description *string `json:"description,omitempty" binding:"omitempty,max=2000"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty" binding:"omitempty,min=1,max=200"`
	Description *string `json:"description,omitempty" binding:"omitempty,max=2000"`
}

func (c *ProjectController) CreateProject(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	var req CreateProjectRequest
	if !bindJSON(ctx, &req) {
		return
	}

	project, err := store.Projects().Create(ctx.Request.Context(), req.Name, req.Description)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	c.logger.FromContext(ctx.Request.Context()).Logger.Info().
		Str("project_id", project.ProjectID).
		Msg("Project created")
	ctx.JSON(http.StatusCreated, project)
}

func (c *ProjectController) ListProjects(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	page, pageSize := pageParams(ctx)

	result, err := store.Projects().List(ctx.Request.Context(), page, pageSize)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

func (c *ProjectController) GetProject(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	projectID, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	project, err := store.Projects().Get(ctx.Request.Context(), projectID)
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, project)
}

func (c *ProjectController) UpdateProject(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	projectID, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req UpdateProjectRequest
	if !bindJSON(ctx, &req) {
		return
	}

	project, err := store.Projects().Update(ctx.Request.Context(), projectID, mqtmodels.ProjectPatch{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, project)
}

// DeleteProject removes a project with its devices and channels
func (c *ProjectController) DeleteProject(ctx *gin.Context) {
	store, ok := userStore(ctx)
	if !ok {
		return
	}
	projectID, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	if err := c.service.DeleteProject(ctx.Request.Context(), store, projectID); err != nil {
		middleware.RespondError(ctx, err)
		return
	}

	c.logger.FromContext(ctx.Request.Context()).Logger.Info().
		Str("project_id", projectID).
		Msg("Project deleted")
	ctx.Status(http.StatusNoContent)
}
