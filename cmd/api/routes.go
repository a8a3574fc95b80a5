package main

import (
	"net/http"
	"time"

	"agentcall/internal/app"
	"agentcall/internal/httpapi"
	"agentcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app.App, authMW gin.HandlerFunc) {
	h := httpapi.Handlers{
		Auth:      a.Auth,
		Initiator: a.Initiator,
		Ingestor:  a.Ingestor,
		Scheduler: a.Scheduler,
		Executor:  a.Executor,
		Query:     a.Query,
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), a.DB, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "postgres unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpapi.Register(r, h, authMW, httpapi.RouteOptions{
		// NOTE: token issuance without credentials is for local and dev only.
		DevLogin: !a.Config.IsProduction(),
	})
}
