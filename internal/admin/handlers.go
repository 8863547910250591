package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"telemetry-backend/internal/auth"
	"telemetry-backend/internal/database"
	apperrors "telemetry-backend/internal/errors"
	"telemetry-backend/internal/models"
	"telemetry-backend/pkg/utils"
)

// IsAdministrator re-checks the role inside admin handlers as defense in
// depth; the router gate is the primary enforcement point.
func IsAdministrator(c *gin.Context) bool {
	return c.GetString("role") == models.RoleAdministrator
}

func requireAdministrator(c *gin.Context) bool {
	if !IsAdministrator(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN", "message": "Administrator access required"})
		return false
	}
	return true
}

// HandleListUsers returns all operator accounts without password hashes.
func HandleListUsers(c *gin.Context) {
	if !requireAdministrator(c) {
		return
	}

	var users []models.User
	if err := database.DB.WithContext(c.Request.Context()).
		Order("username ASC").Find(&users).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch users"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"users": users, "total": len(users)})
}

// HandleCreateUser creates a new operator account.
func HandleCreateUser(c *gin.Context) {
	if !requireAdministrator(c) {
		return
	}

	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		Role     string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "username, password, and role are required"})
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Username) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "username must be between 1 and 128 characters"})
		return
	}
	if !models.IsValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "role must be basic, advanced, or administrator"})
		return
	}
	if err := auth.ValidatePasswordPolicy(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": err.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "HASH_FAILED", "Failed to hash password"))
		return
	}

	user := models.User{
		Username: req.Username,
		Password: hash,
		Role:     req.Role,
		Active:   true,
	}
	if err := database.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "CONFLICT", "message": "Username already exists"})
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to create user"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// HandleSetPassword resets a user's password and revokes their sessions.
func HandleSetPassword(c *gin.Context) {
	if !requireAdministrator(c) {
		return
	}

	username := c.Param("username")
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "password is required"})
		return
	}
	if err := auth.ValidatePasswordPolicy(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": err.Error()})
		return
	}

	db := database.DB.WithContext(c.Request.Context())
	var user models.User
	if err := db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "User not found"})
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch user"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "HASH_FAILED", "Failed to hash password"))
		return
	}

	if err := db.Model(&user).Update("password", hash).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to update password"))
		return
	}

	// Any session the old password opened is now suspect.
	if err := auth.RevokeAllSessionsForUser(db, user.ID); err != nil {
		utils.HandleError(err, "revoke sessions after password reset")
	}

	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}

// HandleSetRole changes a user's role, guarding the last administrator.
func HandleSetRole(c *gin.Context) {
	if !requireAdministrator(c) {
		return
	}

	username := c.Param("username")
	var req struct {
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !models.IsValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "role must be basic, advanced, or administrator"})
		return
	}

	err := database.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
			return err
		}

		if user.Role == models.RoleAdministrator && req.Role != models.RoleAdministrator {
			remaining, err := countOtherAdministrators(tx, user.ID)
			if err != nil {
				return err
			}
			if remaining == 0 {
				return errLastAdministrator
			}
		}

		return tx.Model(&user).Update("role", req.Role).Error
	})
	if err != nil {
		respondUserMutationError(c, err, "Failed to update role")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Role updated"})
}

// HandleDeleteUser removes a user, guarding the last administrator and the
// acting account.
func HandleDeleteUser(c *gin.Context) {
	if !requireAdministrator(c) {
		return
	}

	username := c.Param("username")
	acting := auth.UserFromContext(c)
	if acting != nil && acting.Username == username {
		c.JSON(http.StatusForbidden, gin.H{"error": "SELF_TARGET", "message": "Cannot delete your own account"})
		return
	}

	var deletedID uint
	err := database.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
			return err
		}

		if user.Role == models.RoleAdministrator {
			remaining, err := countOtherAdministrators(tx, user.ID)
			if err != nil {
				return err
			}
			if remaining == 0 {
				return errLastAdministrator
			}
		}

		deletedID = user.ID
		return tx.Delete(&user).Error
	})
	if err != nil {
		respondUserMutationError(c, err, "Failed to delete user")
		return
	}

	if err := auth.RevokeAllSessionsForUser(database.DB, deletedID); err != nil {
		utils.HandleError(err, "revoke sessions after user delete")
	}

	c.JSON(http.StatusOK, gin.H{"message": "User deleted"})
}

var errLastAdministrator = errors.New("last administrator")

func countOtherAdministrators(tx *gorm.DB, excludeID uint) (int64, error) {
	var count int64
	err := tx.Model(&models.User{}).
		Where("role = ? AND id <> ? AND active = ?", models.RoleAdministrator, excludeID, true).
		Count(&count).Error
	return count, err
}

func respondUserMutationError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "User not found"})
	case errors.Is(err, errLastAdministrator):
		c.JSON(http.StatusForbidden, gin.H{"error": "LAST_ADMINISTRATOR", "message": "Cannot remove the last administrator"})
	default:
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", fallback))
	}
}

// isUniqueViolation sniffs driver-specific unique constraint errors that
// gorm does not translate for every dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
