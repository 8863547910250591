package teams

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"telemetry-backend/internal/database"
	apperrors "telemetry-backend/internal/errors"
	"telemetry-backend/internal/models"
	"telemetry-backend/pkg/utils"
)

// teamResponse is the API shape for a team. Logos are fetched through a
// dedicated endpoint so the list stays small.
type teamResponse struct {
	ID      uint     `json:"id"`
	Name    string   `json:"name"`
	Color   string   `json:"color,omitempty"`
	HasLogo bool     `json:"hasLogo"`
	Orgs    []string `json:"orgs"`
}

type teamRequest struct {
	Name  string   `json:"name" binding:"required"`
	Color string   `json:"color"`
	Logo  []byte   `json:"logo"`
	Orgs  []string `json:"orgs"`
}

const maxLogoBytes = 256 * 1024

// HandleListTeams returns all teams with their org memberships.
func HandleListTeams(c *gin.Context) {
	db := database.DB.WithContext(c.Request.Context())

	var teams []models.Team
	if err := db.Order("name ASC").Find(&teams).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch teams"))
		return
	}
	var links []models.TeamOrg
	if err := db.Find(&links).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch team orgs"))
		return
	}

	orgsByTeam := make(map[uint][]string)
	for _, l := range links {
		orgsByTeam[l.TeamID] = append(orgsByTeam[l.TeamID], l.ServerID)
	}

	out := make([]teamResponse, 0, len(teams))
	for _, t := range teams {
		orgs := orgsByTeam[t.ID]
		if orgs == nil {
			orgs = []string{}
		}
		out = append(out, teamResponse{ID: t.ID, Name: t.Name, Color: t.Color, HasLogo: len(t.Logo) > 0, Orgs: orgs})
	}

	c.JSON(http.StatusOK, gin.H{"teams": out})
}

// HandleCreateTeam creates a team with optional org memberships.
func HandleCreateTeam(c *gin.Context) {
	var req teamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "name is required"})
		return
	}
	if msg := validateTeamRequest(&req); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": msg})
		return
	}

	team := models.Team{Name: req.Name, Color: req.Color, Logo: req.Logo}
	err := database.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&team).Error; err != nil {
			return err
		}
		return replaceTeamOrgs(tx, team.ID, req.Orgs)
	})
	if err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "CONFLICT", "message": "Team name already exists"})
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to create team"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"team": teamResponse{ID: team.ID, Name: team.Name, Color: team.Color, HasLogo: len(team.Logo) > 0, Orgs: normalizeOrgs(req.Orgs)}})
}

// HandleUpdateTeam updates a team's name, color, logo, and org memberships.
func HandleUpdateTeam(c *gin.Context) {
	id, err := parseTeamID(c)
	if err != nil {
		return
	}

	var req teamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "name is required"})
		return
	}
	if msg := validateTeamRequest(&req); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": msg})
		return
	}

	txErr := database.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var team models.Team
		if err := tx.First(&team, id).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{"name": req.Name, "color": req.Color}
		if req.Logo != nil {
			updates["logo"] = req.Logo
		}
		if err := tx.Model(&team).Updates(updates).Error; err != nil {
			return err
		}
		return replaceTeamOrgs(tx, team.ID, req.Orgs)
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "Team not found"})
		case isUniqueViolation(txErr):
			c.JSON(http.StatusConflict, gin.H{"error": "CONFLICT", "message": "Team name already exists"})
		default:
			utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(txErr, "DATABASE_ERROR", "Failed to update team"))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Team updated"})
}

// HandleDeleteTeam removes a team and its org memberships.
func HandleDeleteTeam(c *gin.Context) {
	id, err := parseTeamID(c)
	if err != nil {
		return
	}

	txErr := database.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var team models.Team
		if err := tx.First(&team, id).Error; err != nil {
			return err
		}
		if err := tx.Where("team_id = ?", team.ID).Delete(&models.TeamOrg{}).Error; err != nil {
			return err
		}
		return tx.Delete(&team).Error
	})
	if txErr != nil {
		if errors.Is(txErr, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "Team not found"})
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(txErr, "DATABASE_ERROR", "Failed to delete team"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Team deleted"})
}

// HandleGetTeamLogo serves the raw logo bytes.
func HandleGetTeamLogo(c *gin.Context) {
	id, err := parseTeamID(c)
	if err != nil {
		return
	}

	var team models.Team
	if err := database.DB.WithContext(c.Request.Context()).First(&team, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "Team not found"})
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch team"))
		return
	}
	if len(team.Logo) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "Team has no logo"})
		return
	}

	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, http.DetectContentType(team.Logo), team.Logo)
}

func parseTeamID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "Team id must be a positive integer"})
		return 0, errors.New("invalid team id")
	}
	return uint(id), nil
}

func validateTeamRequest(req *teamRequest) string {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		return "name must be between 1 and 128 characters"
	}
	if len(req.Logo) > maxLogoBytes {
		return "logo must be at most 256KiB"
	}
	return ""
}

func normalizeOrgs(orgs []string) []string {
	out := make([]string, 0, len(orgs))
	seen := make(map[string]struct{}, len(orgs))
	for _, s := range orgs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func replaceTeamOrgs(tx *gorm.DB, teamID uint, orgs []string) error {
	if err := tx.Where("team_id = ?", teamID).Delete(&models.TeamOrg{}).Error; err != nil {
		return err
	}
	for _, serverID := range normalizeOrgs(orgs) {
		link := models.TeamOrg{TeamID: teamID, ServerID: serverID}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
