package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandleRetentionRun kicks a retention sweep outside the daily cadence. The
// sweep is idempotent, so overlapping manual and scheduled runs are safe.
func (s *Server) HandleRetentionRun(c *gin.Context) {
	go func() {
		if err := s.retention.RunOnce(context.Background()); err != nil {
			s.log.Warn("manual retention run failed", zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
