package auth

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"telemetry-backend/internal/database"
	apperrors "telemetry-backend/internal/errors"
	"telemetry-backend/internal/metrics"
	"telemetry-backend/internal/middleware"
	"telemetry-backend/internal/models"
	"telemetry-backend/pkg/utils"
)

func respondInvalidCredentials(c *gin.Context) {
	// Unknown user and wrong password are indistinguishable on purpose.
	utils.SendErrorResponse(c, http.StatusUnauthorized, apperrors.ErrInvalidCredentials)
}

// HandleLogin handles user login
func HandleLogin(c *gin.Context) {
	clientIP := utils.GetClientIP(c)

	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		TOTPCode string `json:"totp_code,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "Username and password are required"})
		return
	}

	var user models.User
	if err := database.DB.Where("username = ? AND active = ?", req.Username, true).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			middleware.RecordFailedLoginAttempt(clientIP)
			respondInvalidCredentials(c)
			return
		}
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Database error occurred"))
		return
	}

	if IsAccountLocked(&user) {
		utils.SendErrorResponse(c, http.StatusLocked, apperrors.ErrAccountLocked.WithDetails(
			fmt.Sprintf("Account locked until %s", user.LockedUntil.Format(time.RFC3339))))
		return
	}

	if !CheckPassword(req.Password, user.Password) {
		if err := RecordFailedLogin(database.DB, &user); err != nil {
			utils.HandleError(err, fmt.Sprintf("record failed login for %s", user.Username))
		}
		middleware.RecordFailedLoginAttempt(clientIP)
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		respondInvalidCredentials(c)
		return
	}

	if user.MFAEnabled {
		if req.TOTPCode == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":        "MFA_REQUIRED",
				"message":      "TOTP code required",
				"mfa_required": true,
			})
			return
		}
		if !ValidateTOTP(user.MFASecret, req.TOTPCode) {
			if err := RecordFailedLogin(database.DB, &user); err != nil {
				utils.HandleError(err, fmt.Sprintf("record failed MFA for %s", user.Username))
			}
			middleware.RecordFailedLoginAttempt(clientIP)
			metrics.LoginAttempts.WithLabelValues("failure").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":        "MFA_INVALID",
				"message":      "Invalid MFA verification code",
				"mfa_required": true,
			})
			return
		}
	}

	if err := RecordSuccessfulLogin(database.DB, &user); err != nil {
		log.Printf("Failed to record successful login for %s: %v", user.Username, err)
	}
	middleware.RecordSuccessfulLoginAttempt(clientIP)

	token, csrfToken, expiry, err := CreateSession(database.DB, &user, clientIP, c.Request.UserAgent())
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "SESSION_CREATE_FAILED", "Failed to create session"))
		return
	}

	SetAuthCookie(c, token, expiry, csrfToken)
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
		"csrf_token": csrfToken,
	})
}

// HandleLogout invalidates the current session
func HandleLogout(c *gin.Context) {
	if tokenString, err := c.Cookie(AuthCookieName); err == nil && tokenString != "" {
		if err := InvalidateSession(database.DB, tokenString); err != nil {
			log.Printf("Failed to invalidate session: %v", err)
		}
	}
	ClearAuthCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// HandleAuthStatus reports whether the caller holds a live session.
func HandleAuthStatus(c *gin.Context) {
	user := UserFromContext(c)
	if user == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"username":      user.Username,
		"role":          user.Role,
	})
}

// HandleGetCSRFToken returns the CSRF token bound to the caller's session.
func HandleGetCSRFToken(c *gin.Context) {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "SESSION_INVALID", "message": "Authentication required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"csrf_token": session.CSRFToken})
}

// HandleListSessions lists the caller's live sessions.
func HandleListSessions(c *gin.Context) {
	user := UserFromContext(c)
	list, err := ListActiveSessions(database.DB, user.ID)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to fetch sessions"))
		return
	}

	current := SessionFromContext(c)
	out := make([]gin.H, 0, len(list))
	for _, s := range list {
		out = append(out, gin.H{
			"ip_address":   s.IPAddress,
			"user_agent":   s.UserAgent,
			"created_at":   s.CreatedAt,
			"last_seen_at": s.LastSeenAt,
			"current":      current != nil && s.ID == current.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "total": len(out)})
}

// HandleRevokeOtherSessions revokes every session of the caller except the current one.
func HandleRevokeOtherSessions(c *gin.Context) {
	user := UserFromContext(c)
	session := SessionFromContext(c)

	revoked, err := RevokeOtherSessions(database.DB, user.ID, session.TokenHash)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to revoke sessions"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// HandleMFASetup mints a TOTP secret for the caller. The secret is stored
// but MFA stays disabled until the first code is verified via enable.
func HandleMFASetup(c *gin.Context) {
	user := UserFromContext(c)
	if user.MFAEnabled {
		c.JSON(http.StatusConflict, gin.H{"error": "CONFLICT", "message": "MFA already enabled"})
		return
	}

	key, err := GenerateMFASecret(user.Username)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "MFA_SETUP_FAILED", "Failed to generate MFA secret"))
		return
	}

	if err := database.DB.Model(&models.User{}).Where("id = ?", user.ID).
		Update("mfa_secret", key.Secret()).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to store MFA secret"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"secret":       key.Secret(),
		"provisioning": key.URL(),
	})
}

// HandleMFAEnable verifies the first TOTP code and switches MFA on.
func HandleMFAEnable(c *gin.Context) {
	user := UserFromContext(c)

	var req struct {
		TOTPCode string `json:"totp_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "totp_code is required"})
		return
	}

	var fresh models.User
	if err := database.DB.First(&fresh, user.ID).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to load user"))
		return
	}
	if fresh.MFASecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "Run MFA setup first"})
		return
	}
	if !ValidateTOTP(fresh.MFASecret, req.TOTPCode) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "MFA_INVALID", "message": "Invalid MFA verification code"})
		return
	}

	if err := database.DB.Model(&models.User{}).Where("id = ?", user.ID).
		Update("mfa_enabled", true).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to enable MFA"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"mfa_enabled": true})
}

// HandleMFADisable switches MFA off for the caller.
func HandleMFADisable(c *gin.Context) {
	user := UserFromContext(c)
	if err := database.DB.Model(&models.User{}).Where("id = ?", user.ID).
		Updates(map[string]interface{}{"mfa_enabled": false, "mfa_secret": ""}).Error; err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to disable MFA"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"mfa_enabled": false})
}
