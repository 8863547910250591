package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"telemetry-backend/internal/database"
)

var startedAt = time.Now()

// HandleHealthCheck reports process liveness.
func HandleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
	})
}

// HandleSystemReady reports readiness: the process is only ready when the
// database answers a ping.
func HandleSystemReady(c *gin.Context) {
	sqlDB, err := database.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "DEPENDENCY_ERROR"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
