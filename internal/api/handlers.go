package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/engine"
)

// errorResponse is the uniform error body returned by all endpoints.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// handleAssess runs a full case risk assessment.
//
// POST /api/v1/assessments
func (s *Server) handleAssess(c *gin.Context) {
	var req engine.CaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:     "invalid request body: " + err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if req.Mode != "" && req.Mode != domain.ModePooled && req.Mode != domain.ModeLive {
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:     "mode must be 'pooled' or 'live'",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	for _, f := range req.Factors {
		if f.Token == "" {
			c.JSON(http.StatusBadRequest, errorResponse{
				Error:     "every factor needs a non-empty token",
				RequestID: c.GetString("request_id"),
			})
			return
		}
	}

	ctx := c.Request.Context()
	if s.cfg.Server.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Server.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	summary, err := s.assembler.Assess(ctx, req)
	if err != nil {
		if domain.IsStoreUnavailable(err) {
			c.JSON(http.StatusServiceUnavailable, errorResponse{
				Error:     "evidence store unavailable",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		s.logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
		}).WithError(err).Error("Case assessment failed")
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:     "assessment failed",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	s.logger.WithFields(logrus.Fields{
		"request_id":  c.GetString("request_id"),
		"session_id":  summary.SessionID,
		"assessed":    summary.TotalAssessed,
		"truncated":   summary.Truncated,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Assessment request served")

	c.JSON(http.StatusOK, summary)
}

// handleOutcomes lists the outcome catalog the engine assesses.
//
// GET /api/v1/outcomes
func (s *Server) handleOutcomes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"outcomes": s.catalog.Outcomes(),
		"count":    s.catalog.Len(),
	})
}

// handleHealth reports process liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"evidence_version": s.cfg.Engine.EvidenceVersion,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports readiness, including evidence store connectivity.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("Readiness check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "evidence store unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
