package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/groupchat/internal/middleware"
	"github.com/lalith-99/groupchat/internal/observ"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

type RouterConfig struct {
	Participant *ParticipantHandler
	Admin       *AdminHandler
	Stream      *StreamHandler

	JWTSecret string
	Metrics   *observ.Metrics
	Health    HealthFunc
	Logger    *zap.Logger
}

// NewRouter registers every route.
//
//	/v1/experiments, /v1/groups   public, participant facing
//	/v1/admin/login               public
//	/v1/admin/*                   admin JWT
//	/v1/health, /metrics          ops
func NewRouter(cfg RouterConfig) *gin.Engine {
	srv := gin.New()
	srv.Use(gin.Recovery(), middleware.RequestLogger(cfg.Logger), middleware.RequestMetrics(cfg.Metrics))

	srv.GET("/v1/health", func(c *gin.Context) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				cfg.Logger.Warn("health check failed", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		srv.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := srv.Group("/v1")
	{
		v1.POST("/experiments/:id/assign", cfg.Participant.Assign)
		v1.GET("/experiments/:id/participants/:pid/group", cfg.Participant.LookupGroup)
		v1.GET("/groups/:id", cfg.Participant.GetGroup)
		v1.POST("/groups/:id/messages", cfg.Participant.SendMessage)
		v1.GET("/groups/:id/timer", cfg.Participant.Timer)
		v1.GET("/groups/:id/ws", cfg.Stream.GroupStream)
	}

	v1.POST("/admin/login", cfg.Admin.Login)

	admin := v1.Group("/admin")
	admin.Use(middleware.AdminOnly(cfg.JWTSecret))
	{
		admin.GET("/experiments/:id", cfg.Admin.GetExperiment)
		admin.GET("/experiments/:id/settings", cfg.Admin.GetSettings)
		admin.PUT("/experiments/:id/settings", cfg.Admin.SaveSettings)
		admin.GET("/experiments/:id/groups", cfg.Admin.ListGroups)
		admin.GET("/experiments/:id/ws", cfg.Stream.ExperimentStream)
	}

	return srv
}
