package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// RegisterRoutes mounts the REST API on r.
func (s *Service) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/backtest", s.handleBacktestRequest)
		api.GET("/backtest/:job_id", s.handleGetBacktestResult)
		api.GET("/health", s.handleHealthCheck)
	}
}

func (s *Service) handleBacktestRequest(c *gin.Context) {
	var req BacktestRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, BacktestRunResponse{Status: StatusFailed, Error: ErrInvalidParams.With(err.Error())})
		return
	}

	resp := s.RunBacktest(c.Request.Context(), req)
	if resp.Error != nil {
		s.logger.Error("Backtest request failed", zap.String("job_id", resp.JobID), zap.Error(resp.Error))
	}
	c.JSON(statusFor(resp.Error), resp)
}

func (s *Service) handleGetBacktestResult(c *gin.Context) {
	jobID := c.Param("job_id")
	r, ok := s.GetResult(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, BacktestResultResponse{JobID: jobID, Error: ErrJobNotFound.With(jobID)})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Service) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   Version,
	})
}

func statusFor(e *APIError) int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Code {
	case ErrInvalidParams.Code, ErrInvalidSchedule.Code:
		return http.StatusBadRequest
	case ErrDataNotFound.Code, ErrJobNotFound.Code:
		return http.StatusNotFound
	case ErrTimeout.Code:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
