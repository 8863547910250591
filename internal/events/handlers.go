package events

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"telemetry-backend/internal/database"
	apperrors "telemetry-backend/internal/errors"
	"telemetry-backend/internal/models"
	"telemetry-backend/pkg/utils"
)

const maxListLimit = 1000

// HandleListEvents returns the most recently received events. No cursor:
// the dashboard refresh button re-reads the head of the stream.
func HandleListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "limit must be a positive integer"})
			return
		}
		if parsed > maxListLimit {
			parsed = maxListLimit
		}
		limit = parsed
	}

	var list []models.TelemetryEvent
	if err := database.DB.WithContext(c.Request.Context()).
		Order("received_at DESC").Limit(limit).Find(&list).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch events"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": list, "total": len(list)})
}

// HandleDeleteAllEvents empties the events table. Irreversible; gated to
// advanced+ at the router and re-checked here as defense in depth.
func HandleDeleteAllEvents(c *gin.Context) {
	if !models.RoleAtLeast(c.GetString("role"), models.RoleAdvanced) {
		c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN", "message": "Insufficient privileges"})
		return
	}

	var deleted int64
	err := database.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		result := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.TelemetryEvent{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to delete events"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"deletedCount": deleted})
}
