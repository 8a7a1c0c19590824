package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/peerswarm/lease-coordinator/internal/middleware"
)

// RouteOptions configures authentication and limits of the API
type RouteOptions struct {
	InternalAPIKey string
	Verifier       *middleware.Verifier
	RateLimit      middleware.RateLimiterConfig
	// AdminRequestsPerSecond caps the shared admin group; zero disables it
	AdminRequestsPerSecond float64
}

// Register mounts every route on r
func (h *Handler) Register(r *gin.Engine, opts RouteOptions) {
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/v1")

	peer := v1.Group("")
	peer.Use(middleware.PeerAuthMiddleware(opts.Verifier, h.logger))
	peer.Use(middleware.RateLimitMiddleware(opts.RateLimit))
	{
		peer.POST("/leases", h.IssueLease)
		peer.POST("/leases/ack", h.AckLease)
		peer.POST("/results", h.SubmitResult)
		peer.POST("/nodes", h.RegisterNode)
		peer.POST("/nodes/heartbeat", h.Heartbeat)
	}

	internal := v1.Group("")
	internal.Use(middleware.InternalAuthMiddleware(opts.InternalAPIKey))
	if opts.AdminRequestsPerSecond > 0 {
		internal.Use(middleware.ServiceRateLimitMiddleware(opts.AdminRequestsPerSecond, int(opts.AdminRequestsPerSecond*2)+1))
	}
	{
		internal.POST("/tasks", h.CreateTask)
		internal.GET("/tasks", h.ListTasks)
		internal.GET("/tasks/:taskId", h.GetTask)
		internal.GET("/stats", h.Stats)

		admin := internal.Group("/admin")
		{
			admin.POST("/tasks/:taskId/requeue", h.RequeueTask)
			admin.POST("/tasks/:taskId/revoke", h.RevokeTaskLease)
			admin.POST("/peers/:peerId/revoke", h.RevokePeer)
			admin.POST("/crash/check", h.CheckCrashes)
			admin.POST("/partition/probe", h.ProbePartition)
			admin.POST("/recovery", h.Recover)
			admin.GET("/recovery/history", h.RecoveryHistory)
			admin.POST("/expiration/sweep", h.SweepExpired)
			admin.POST("/buffer/flush", h.FlushBuffer)
			admin.GET("/buffer/stats", h.BufferStats)
			admin.GET("/audit", h.ListAudit)
			admin.GET("/audit/export", h.ExportAudit)
			admin.GET("/nodes", h.ListNodes)
			admin.GET("/nodes/:peerId", h.GetNode)
		}
	}
}
