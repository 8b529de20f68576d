package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/casc/internal/worker"
	"github.com/smallbiznis/casc/pkg/db"
)

const readinessTimeout = 2 * time.Second

// Readiness checks the database and, when enabled, that the background
// worker is running.
func (s *Server) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	checks := gin.H{"database": "ok"}
	ready := true
	if err := db.Ping(ctx, s.db); err != nil {
		checks["database"] = err.Error()
		ready = false
	}

	if s.worker != nil {
		state := s.worker.State()
		checks["worker"] = string(state)
		if s.cfg.Worker.Enabled && state != worker.StateRunning {
			ready = false
		}
	}

	status := http.StatusOK
	result := "ok"
	if !ready {
		status = http.StatusServiceUnavailable
		result = "unavailable"
	}
	c.JSON(status, gin.H{"status": result, "checks": checks})
}
