package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signal-executor/internal/execlog"
	"signal-executor/internal/exchange"
	"signal-executor/internal/signals"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	Executor         execlog.Snapshot       `json:"executor"`
	Intake           *signals.IntakeStats   `json:"intake,omitempty"`
	TrackedPositions int                    `json:"tracked_positions"`
	Clients          *exchange.FactoryStats `json:"clients,omitempty"`
	HealthySources   int                    `json:"healthy_sources"`
}

// handleHealth reports store and price source health. The service is
// unhealthy when the database is down or no price source is usable.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if s.deps.Database != nil {
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if s.deps.Cache != nil {
		if s.deps.Cache.IsHealthy() {
			checks["cache"] = "ok"
		} else {
			// Cache is optional; degraded mode falls back to the database
			checks["cache"] = "degraded"
		}
	}

	if s.deps.Oracle != nil {
		n := s.deps.Oracle.HealthySources()
		checks["price_sources"] = n
		if n == 0 {
			healthy = false
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}

// handleStats returns execution counters and intake statistics
func (s *Server) handleStats(c *gin.Context) {
	resp := StatsResponse{
		Executor: s.deps.Stats.Snapshot(),
	}
	if s.deps.Intake != nil {
		st := s.deps.Intake.Stats()
		resp.Intake = &st
	}
	if s.deps.Tracker != nil {
		resp.TrackedPositions = s.deps.Tracker.Count()
	}
	if s.deps.Factory != nil {
		fs := s.deps.Factory.Stats()
		resp.Clients = &fs
	}
	if s.deps.Oracle != nil {
		resp.HealthySources = s.deps.Oracle.HealthySources()
	}
	successResponse(c, resp)
}

// handleExecutions returns the most recent execution log entries
func (s *Server) handleExecutions(c *gin.Context) {
	if s.deps.Logs == nil {
		errorResponse(c, http.StatusNotFound, "Execution log is not available")
		return
	}

	limit := defaultLogLimit
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			errorResponse(c, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	entries, err := s.deps.Logs.ListExecutionLogs(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list execution logs", "error", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch execution logs")
		return
	}
	successResponse(c, entries)
}

// handleSources returns per-source breaker statistics
func (s *Server) handleSources(c *gin.Context) {
	if s.deps.Oracle == nil {
		successResponse(c, []interface{}{})
		return
	}
	successResponse(c, s.deps.Oracle.SourceStats())
}
