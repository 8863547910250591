package orgs

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm/clause"

	"telemetry-backend/internal/database"
	apperrors "telemetry-backend/internal/errors"
	"telemetry-backend/internal/models"
	"telemetry-backend/pkg/utils"
)

// HandleListOrgs returns every org the server has seen events from.
func HandleListOrgs(c *gin.Context) {
	var orgs []models.Org
	if err := database.DB.WithContext(c.Request.Context()).
		Order("server_id ASC").Find(&orgs).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch orgs"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"orgs": orgs, "total": len(orgs)})
}

// HandleSetCompanyName sets or clears the display name for a server id.
// Creates the org row if ingest has not seen the server yet.
func HandleSetCompanyName(c *gin.Context) {
	serverID := strings.TrimSpace(c.Param("serverId"))
	if serverID == "" || len(serverID) > 255 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "serverId must be between 1 and 255 characters"})
		return
	}

	var req struct {
		CompanyName *string `json:"company_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "Request body must be valid JSON"})
		return
	}
	if req.CompanyName != nil {
		trimmed := strings.TrimSpace(*req.CompanyName)
		if len(trimmed) > 255 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "company_name must be at most 255 characters"})
			return
		}
		if trimmed == "" {
			req.CompanyName = nil
		} else {
			req.CompanyName = &trimmed
		}
	}

	org := models.Org{ServerID: serverID, CompanyName: req.CompanyName}
	err := database.DB.WithContext(c.Request.Context()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"company_name", "updated_at"}),
	}).Create(&org).Error
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to update org"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"org": org})
}
