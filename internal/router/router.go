// Package router assembles the HTTP surface of the registration API.
package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/handler"
	"github.com/noah-isme/matricula-api/internal/middleware"
	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/internal/service"
	"github.com/noah-isme/matricula-api/pkg/config"
	"github.com/noah-isme/matricula-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/matricula-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/matricula-api/pkg/middleware/requestid"
)

// Dependencies carries everything the routes need.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *service.MetricsService
	Tokens  middleware.TokenValidator

	Auth           *handler.AuthHandler
	Enrollments    *handler.EnrollmentHandler
	Resources      *handler.ResourceHandler
	Reconciliation *handler.ReconciliationHandler
	Observability  *handler.MetricsHandler
}

// New builds the gin engine with the shared middleware chain and every route.
func New(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))

	r.GET("/health", deps.Observability.Health)
	r.GET("/ready", deps.Observability.Ready)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", deps.Observability.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", deps.Auth.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.Tokens))
	secured.GET("/auth/me", deps.Auth.Me)

	audit := func(action string) gin.HandlerFunc { return middleware.Audit(deps.Logger, action) }
	staff := middleware.RequireStaff()
	anyone := middleware.RequireRoles(models.RoleStudent, models.RoleRegistrar, models.RoleAdmin, models.RoleSuperAdmin)

	enrollments := secured.Group("/enrollments")
	enrollments.POST("", anyone, audit("enrollment.create"), deps.Enrollments.Create)
	enrollments.GET("", anyone, deps.Enrollments.List)
	enrollments.GET("/:id", anyone, deps.Enrollments.Get)

	for kind, prefix := range map[models.ResourceKind]string{
		models.ResourceSection: "/sections",
		models.ResourceLab:     "/labs",
	} {
		group := secured.Group(prefix)
		group.GET("/:id/availability", anyone, deps.Resources.Availability(kind))
		group.GET("/:id/waitlist", staff, deps.Resources.Waitlist(kind))
		group.POST("/:id/reconcile", staff, audit("reconcile."+resourceName(kind)), deps.Reconciliation.ReconcileResource(kind))
	}
	secured.POST("/sections/:id/cancel", anyone, audit("enrollment.cancel_section"), deps.Enrollments.CancelSection)
	secured.POST("/labs/:id/cancel", anyone, audit("enrollment.cancel_lab"), deps.Enrollments.CancelLab)

	secured.POST("/reconciliations", staff, audit("reconcile.pass"), deps.Reconciliation.RunPass)

	return r
}

func resourceName(kind models.ResourceKind) string {
	if kind == models.ResourceLab {
		return "lab"
	}
	return "section"
}
