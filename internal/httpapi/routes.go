package httpapi

import (
	"agentcall/internal/rbac"

	"github.com/gin-gonic/gin"
)

// RouteOptions toggles routes that differ between environments.
type RouteOptions struct {
	// DevLogin exposes POST /v1/auth/login, which issues tokens without
	// credentials. Never enable it in production.
	DevLogin bool
}

// Register wires the agent call API onto r. authMW authenticates the /v1 group.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc, opts RouteOptions) {
	// Platform webhooks (public). Signal sources use GET and POST.
	r.GET("/webhooks/agent-calls/callback", h.Callback)
	r.POST("/webhooks/agent-calls/callback", h.Callback)

	// Dispatcher callback; authenticated by the callback token in the body.
	r.POST("/internal/agent-calls/retries/execute", h.ExecuteRetry)

	if opts.DevLogin {
		r.POST("/v1/auth/login", h.Login)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		agentCalls := v1.Group("/agent-calls")
		agentCalls.POST("", with(RequireIdentityAndAnyRole(rbac.RoleOperator), h.InitiateCall)...)
		agentCalls.GET("/:sid", with(RequireIdentityAndAnyRole(rbac.RoleOperator, rbac.RoleCallee), h.GetCall)...)
		agentCalls.POST("/:sid/retry", with(RequireIdentityAndAnyRole(rbac.RoleOperator, rbac.RoleCallee), h.ScheduleRetry)...)
	}
}

// Convenience middleware bundles.

func RequireIdentityAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireIdentity(), rbac.RequireAnyRole(roles...)}
}

func with(mw []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	return append(mw, h)
}
