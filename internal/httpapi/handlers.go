package httpapi

import (
	"errors"
	"net/http"
	"time"

	"agentcall/internal/agentcall"
	"agentcall/internal/auth"
	"agentcall/internal/dispatch"
	"agentcall/internal/rbac"
	"agentcall/internal/telephony"
	"agentcall/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Initiator *agentcall.Initiator
	Ingestor  *agentcall.Ingestor
	Scheduler *agentcall.Scheduler
	Executor  *agentcall.Executor
	Query     *agentcall.Query

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Realm  string `json:"realm"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: Development-only endpoint; it is not registered in production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Realm, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Agent calls ---

type initiateCallRequest struct {
	CalleeID         string   `json:"callee_id"`
	CalleeRealm      string   `json:"callee_realm"`
	AudioPayloadRefs []string `json:"audio_payload_refs"`
	Language         string   `json:"language"`
}

// InitiateCall places an agent call on behalf of the authenticated operator.
// RBAC: operator or super_admin.
func (h Handlers) InitiateCall(c *gin.Context) {
	if h.Initiator == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "initiator not configured"})
		return
	}
	ctx := c.Request.Context()
	callerID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	callerRealm, _ := auth.Realm(ctx)

	var req initiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	sid, err := h.Initiator.Initiate(ctx, agentcall.InitiateRequest{
		CallerID:         callerID,
		CallerRealm:      callerRealm,
		CalleeID:         req.CalleeID,
		CalleeRealm:      req.CalleeRealm,
		AudioPayloadRefs: req.AudioPayloadRefs,
		Language:         req.Language,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"sid": sid})
	case errors.Is(err, agentcall.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, agentcall.ErrPlacementFailed):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call placement failed"})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call initiation failed"})
	}
}

// GetCall returns a session and its events. Callees only see their own calls.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	ctx := c.Request.Context()
	view, err := h.Query.Lookup(ctx, c.Param("sid"))
	if err != nil {
		if errors.Is(err, agentcall.ErrSessionNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	role, _ := auth.Role(ctx)
	uid, _ := auth.UserID(ctx)
	if role == rbac.RoleCallee && uid != view.Session.CalleeID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// ScheduleRetry queues a retry of a missed call. A callee may only retry their
// own calls; operators act on behalf of any callee.
func (h Handlers) ScheduleRetry(c *gin.Context) {
	if h.Scheduler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "scheduler not configured"})
		return
	}
	ctx := c.Request.Context()
	requesterID := ""
	if role, _ := auth.Role(ctx); role == rbac.RoleCallee {
		requesterID, _ = auth.UserID(ctx)
	}

	res, err := h.Scheduler.Schedule(ctx, c.Param("sid"), requesterID)
	switch {
	case err == nil:
		status := http.StatusCreated
		if res.AlreadyScheduled {
			status = http.StatusOK
		}
		c.JSON(status, res)
	case errors.Is(err, agentcall.ErrSessionNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, agentcall.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
	case errors.Is(err, agentcall.ErrMaxRetries):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "max_retries_reached"})
	case errors.Is(err, agentcall.ErrRetryWindowExpired):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "retry_window_expired"})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// --- Webhooks ---

// Callback ingests a platform signal. It always answers 200 so the platform
// does not redeliver; failures are logged and recorded instead.
func (h Handlers) Callback(c *gin.Context) {
	log := logger.FromGin(c)
	raw, err := telephony.ReadSignalFields(c.Request)
	if err != nil {
		log.Warn("webhook body unreadable", "err", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if h.Ingestor == nil {
		log.Error("webhook received but ingestor not configured")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if _, err := h.Ingestor.Ingest(c.Request.Context(), raw); err != nil {
		log.Warn("webhook not ingested", "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ExecuteRetry is the dispatcher callback. The envelope token must be bound to
// the job's queue entry.
func (h Handlers) ExecuteRetry(c *gin.Context) {
	if h.Executor == nil || h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "executor not configured"})
		return
	}
	var env dispatch.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if env.Job.QueueID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "queue_id required"})
		return
	}
	if err := h.Auth.VerifyCallback(env.Token, env.Job.QueueID, h.now()); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
		return
	}

	res, err := h.Executor.Execute(c.Request.Context(), env.Job)
	if err != nil {
		if errors.Is(err, agentcall.ErrRetryNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "retry not found"})
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "retry execution failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
