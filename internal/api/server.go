// Package api provides the HTTP server for the gateway: the
// OpenAI-compatible /v1 surface authenticated by worker keys, the
// /api/admin tree authenticated by the admin token, and the health and
// metrics endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/api/handlers"
	"github.com/routeworks/geminipanel/internal/api/handlers/admin"
	"github.com/routeworks/geminipanel/internal/api/handlers/openai"
	"github.com/routeworks/geminipanel/internal/logging"
	"github.com/routeworks/geminipanel/internal/metrics"
	"github.com/routeworks/geminipanel/internal/workerkey"
)

// Server wires the Gin engine, the HTTP listener, and the handler bundle.
type Server struct {
	engine *gin.Engine
	server *http.Server
	svc    *handlers.Services
}

// NewServer builds the engine with the middleware chain and all routes.
func NewServer(svc *handlers.Services) *Server {
	if !svc.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(requestIDMiddleware())
	engine.Use(logging.AccessLog())
	engine.Use(logging.Recovery())
	engine.Use(logging.RequestDump(func() bool { return svc.Config.RequestLog }))
	engine.Use(corsMiddleware())
	engine.Use(metricsMiddleware())

	s := &Server{engine: engine, svc: svc}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", svc.Config.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewHandler(s.svc)
	adminHandlers := admin.NewHandler(s.svc)

	v1 := s.engine.Group("/v1")
	v1.Use(workerAuth(s.svc.WorkerKeys))
	{
		v1.GET("/models", openaiHandlers.Models)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
	}

	adminGroup := s.engine.Group("/api/admin")
	adminGroup.Use(adminAuth(func() string { return s.svc.Config.AdminToken }))
	{
		adminGroup.GET("/worker-keys", adminHandlers.ListWorkerKeys)
		adminGroup.POST("/worker-keys", adminHandlers.CreateWorkerKey)
		adminGroup.PATCH("/worker-keys/:secret", adminHandlers.UpdateWorkerKey)
		adminGroup.DELETE("/worker-keys/:secret", adminHandlers.DeleteWorkerKey)

		adminGroup.GET("/gemini-keys", adminHandlers.ListGeminiKeys)
		adminGroup.POST("/gemini-keys", adminHandlers.AddGeminiKey)
		adminGroup.POST("/gemini-keys/batch", adminHandlers.AddGeminiKeyBatch)
		adminGroup.DELETE("/gemini-keys/errors", adminHandlers.DeleteErroredGeminiKeys)
		adminGroup.DELETE("/gemini-keys/:id", adminHandlers.DeleteGeminiKey)
		adminGroup.POST("/gemini-keys/test-all", adminHandlers.TestAllGeminiKeys)
		adminGroup.POST("/gemini-keys/:id/test", adminHandlers.TestGeminiKey)
		adminGroup.POST("/gemini-keys/:id/clear-error", adminHandlers.ClearGeminiKeyError)

		adminGroup.GET("/models", adminHandlers.ListModels)
		adminGroup.PUT("/models", adminHandlers.UpsertModel)
		adminGroup.DELETE("/models/:id", adminHandlers.DeleteModel)

		adminGroup.GET("/quotas", adminHandlers.GetQuotas)
		adminGroup.PUT("/quotas", adminHandlers.PutQuotas)

		adminGroup.GET("/settings", adminHandlers.GetSettings)
		adminGroup.PUT("/settings", adminHandlers.PutSettings)
		adminGroup.GET("/vertex-config", adminHandlers.GetVertexConfig)
	}

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening for and serving HTTP requests. It blocks until
// the listener fails or Stop is called.
func (s *Server) Start() error {
	log.Infof("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server without interrupting active
// connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// workerAuth authenticates /v1 requests against the issued worker keys
// and attaches the resolved key, whose safety toggle the completion
// handlers consult.
func workerAuth(keys *workerkey.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := bearerToken(c)
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{Message: "Missing API key", Type: "invalid_request_error"},
			})
			return
		}
		k, err := keys.Lookup(c.Request.Context(), secret)
		if errors.Is(err, workerkey.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{Message: "Invalid API key", Type: "invalid_request_error"},
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{Message: err.Error(), Type: "server_error"},
			})
			return
		}
		c.Set(handlers.WorkerKeyContextKey, k)
		c.Next()
	}
}

// adminAuth guards the admin tree with a constant-time token check. The
// token is read per request so config reloads take effect immediately.
func adminAuth(token func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := token()
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token not configured"})
			return
		}
		provided := bearerToken(c)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// bearerToken extracts the credential from the Authorization header,
// accepting both "Bearer <token>" and a bare token.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return header
}

// requestIDMiddleware echoes the caller's X-Request-ID or mints one, so
// access-log lines can be correlated with client-side traces.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// metricsMiddleware records one observation per request, labeled by the
// matched route template so path parameters do not explode cardinality.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(route, c.Writer.Status(), time.Since(start))
	}
}
