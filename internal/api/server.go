package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"signal-executor/config"
	"signal-executor/internal/circuit"
	"signal-executor/internal/exchange"
	"signal-executor/internal/execlog"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
	"signal-executor/internal/signals"
)

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// LogReader lists recent execution log entries
type LogReader interface {
	ListExecutionLogs(ctx context.Context, limit int) ([]*models.ExecutionLogEntry, error)
}

// SourceReporter exposes price source breaker state
type SourceReporter interface {
	HealthySources() int
	SourceStats() []circuit.Stats
}

// Deps are the components the server reports on. Any field may be nil
// except Stats.
type Deps struct {
	Stats     *execlog.Stats
	Database  HealthChecker
	Logs      LogReader
	Oracle    SourceReporter
	Cache     interface{ IsHealthy() bool }
	Intake    interface{ Stats() signals.IntakeStats }
	Tracker   interface{ Count() int }
	Factory   interface{ Stats() exchange.FactoryStats }
	JWT       *JWTManager // nil disables auth on /api
	RateLimit rate.Limit  // requests per second on /api, 0 for none
}

// Server serves health, metrics and the admin stats endpoints
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	config     config.ServerConfig
	logger     *logging.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		deps:   deps,
		config: cfg,
		logger: logger.WithComponent("api"),
	}
	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	if s.deps.RateLimit > 0 {
		api.Use(rateLimitMiddleware(rate.NewLimiter(s.deps.RateLimit, int(s.deps.RateLimit)+1)))
	}
	if s.deps.JWT != nil {
		api.Use(authMiddleware(s.deps.JWT))
	}
	api.GET("/stats", s.handleStats)
	api.GET("/executions", s.handleExecutions)
	api.GET("/sources", s.handleSources)
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			errorResponse(c, http.StatusTooManyRequests, "Rate limit exceeded, please wait")
			c.Abort()
			return
		}
		c.Next()
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
