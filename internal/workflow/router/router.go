package router

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/accessportal/internal/auth"
	"github.com/OpenNSW/accessportal/internal/config"
	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/uploads"
	"github.com/OpenNSW/accessportal/internal/workflow"
	"github.com/OpenNSW/accessportal/internal/workflow/service"
)

// GlobalResource is the resource checked for definitions that belong to no
// single resource, such as media types.
const GlobalResource = "*"

// HealthChecker reports whether the backing store is reachable.
type HealthChecker func(ctx context.Context) error

// Router exposes the engine over HTTP.
type Router struct {
	manager  *workflow.Manager
	defs     *service.DefinitionService
	uploads  *uploads.UploadService
	verifier *auth.Verifier
	metrics  *observability.Metrics
	health   HealthChecker
}

// NewRouter creates a Router. uploads and health may be nil.
func NewRouter(manager *workflow.Manager, defs *service.DefinitionService, up *uploads.UploadService, verifier *auth.Verifier, metrics *observability.Metrics, health HealthChecker) *Router {
	return &Router{
		manager:  manager,
		defs:     defs,
		uploads:  up,
		verifier: verifier,
		metrics:  metrics,
		health:   health,
	}
}

// Engine builds the gin engine with every route mounted.
func (r *Router) Engine(corsCfg config.CORSConfig) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), r.metrics.Middleware())
	engine.Use(cors.New(corsConfig(corsCfg)))

	engine.GET("/health", r.handleHealth)
	engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))

	api := engine.Group("/api/v1", auth.Middleware(r.verifier), auth.RequireAuth())

	api.GET("/workflows", r.handleListWorkflows)
	api.GET("/workflows/:workflowId", r.handleGetWorkflow)
	api.POST("/workflows/:workflowId/enroll", r.handleEnroll)

	api.GET("/me/workflow-states", r.handleDashboard)
	api.GET("/workflow-states/:workflowStateId", r.handleGetWorkflowState)

	ss := api.Group("/step-states/:stepStateId")
	ss.GET("", r.handleRender)
	ss.POST("/submission", r.handleSubmit)
	ss.POST("/file", r.handleAttachFile)
	ss.POST("/complete", r.handleComplete)
	ss.POST("/review", r.handleReview)
	ss.POST("/initialization", r.handleInitialize)
	ss.PUT("/requires-approval", r.handleRequiresApproval)
	ss.GET("/history", r.handleHistory)

	api.GET("/resources/:resource/awaiting-review", r.handleAwaitingReview)
	api.GET("/resources/:resource/access", r.handleAccess)

	admin := api.Group("/admin")
	admin.POST("/workflows", r.handleCreateWorkflow)
	admin.PATCH("/workflows/:workflowId", r.handleUpdateWorkflow)
	admin.DELETE("/workflows/:workflowId", r.handleDeleteWorkflow)
	admin.POST("/workflows/:workflowId/activate", r.handleSetActive(true))
	admin.POST("/workflows/:workflowId/deactivate", r.handleSetActive(false))
	admin.POST("/workflows/:workflowId/dependencies", r.handleAddWorkflowDependency)
	admin.DELETE("/workflows/:workflowId/dependencies/:dependsOnId", r.handleRemoveWorkflowDependency)
	admin.POST("/workflows/:workflowId/steps", r.handleAddStep)
	admin.GET("/workflows/:workflowId/step-dependencies", r.handleGetStepDependencies)
	admin.PATCH("/steps/:stepId", r.handleUpdateStep)
	admin.DELETE("/steps/:stepId", r.handleDeleteStep)
	admin.POST("/steps/:stepId/dependencies", r.handleAddStepDependency)
	admin.DELETE("/steps/:stepId/dependencies/:dependsOnId", r.handleRemoveStepDependency)
	admin.GET("/media-types", r.handleListMediaTypes)
	admin.POST("/media-types", r.handleCreateMediaType)

	if r.uploads != nil {
		uploads.NewHTTPHandler(r.uploads, WriteError).Register(api.Group("/uploads"))
	}
	return engine
}

func corsConfig(cfg config.CORSConfig) cors.Config {
	out := cors.Config{
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           time.Duration(cfg.MaxAge) * time.Second,
	}
	if len(cfg.AllowedOrigins) == 0 || slices.Contains(cfg.AllowedOrigins, "*") {
		out.AllowAllOrigins = true
	} else {
		out.AllowOrigins = cfg.AllowedOrigins
	}
	return out
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.health != nil {
		if err := r.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
