package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/auth"
	"github.com/MarcoPoloResearchLab/gamesync/internal/replicas"
	"github.com/MarcoPoloResearchLab/gamesync/internal/syncengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "gamesync_claims"
	replicaIDContextKey = "gamesync_replica_id"

	headerReplicaID   = "X-Replica-ID"
	queryAccessToken  = "access_token"
	defaultHeartbeat  = 25 * time.Second
	maxReplicaIDBytes = 190
)

var (
	errMissingSyncService = errors.New("sync service dependency required")
	errMissingReplicas    = errors.New("replica registry dependency required")
)

// SyncService is the push/pull engine behind the sync endpoints.
type SyncService interface {
	Push(ctx context.Context, operations []syncengine.Operation) (syncengine.PushOutcome, error)
	Pull(ctx context.Context, cursor syncengine.Cursor) (syncengine.PullOutcome, error)
	Head(ctx context.Context) (syncengine.Cursor, error)
}

// ReplicaRegistry records replica pull positions.
type ReplicaRegistry interface {
	Touch(ctx context.Context, sighting replicas.Sighting) error
	List(ctx context.Context) ([]replicas.State, error)
}

// RequestValidator authenticates an incoming request.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	SyncService      SyncService
	Replicas         ReplicaRegistry
	SessionValidator RequestValidator
	Realtime         *RealtimeDispatcher
	HealthCheck      func(ctx context.Context) error
	Logger           *zap.Logger
	AllowedOrigins   []string
	EnablePprof      bool
	Heartbeat        time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Replicas == nil {
		return nil, errMissingReplicas
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		syncService: deps.SyncService,
		replicas:    deps.Replicas,
		validator:   deps.SessionValidator,
		realtime:    realtime,
		healthCheck: deps.HealthCheck,
		logger:      logger,
		heartbeat:   heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.POST("/push", handler.handlePush)
	protected.POST("/pull", handler.handlePull)
	protected.GET("/stream", handler.handleStream)
	protected.GET("/replicas", handler.handleListReplicas)

	if deps.EnablePprof {
		pprof.Register(router)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", headerReplicaID, headerRequestID},
		ExposeHeaders: []string{headerRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	syncService SyncService
	replicas    ReplicaRegistry
	validator   RequestValidator
	realtime    *RealtimeDispatcher
	healthCheck func(ctx context.Context) error
	logger      *zap.Logger
	heartbeat   time.Duration
}

// authorizeRequest resolves the calling replica. With a validator configured a
// valid token is mandatory; otherwise the replica names itself via header.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.validator == nil {
		if replicaID := strings.TrimSpace(c.GetHeader(headerReplicaID)); replicaID != "" && len(replicaID) <= maxReplicaIDBytes {
			c.Set(replicaIDContextKey, replicaID)
		}
		c.Next()
		return
	}

	request := c.Request
	if request.Header.Get("Authorization") == "" {
		if token := strings.TrimSpace(c.Query(queryAccessToken)); token != "" {
			request = request.Clone(request.Context())
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}
	claims, err := h.validator.ValidateRequest(request)
	if err != nil {
		logger := h.requestLogger(c)
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			logger.Info("token validation failed", zap.Error(err))
		} else {
			logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(replicaIDContextKey, claims.ReplicaKey())
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.requestLogger(c).Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) requestLogger(c *gin.Context) *zap.Logger {
	logger := h.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestID := c.GetString(requestIDContextKey); requestID != "" {
		return logger.With(zap.String("request_id", requestID))
	}
	return logger
}
