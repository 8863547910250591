package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"telemetry-backend/internal/models"
)

// Middleware authenticates the session cookie and loads the user into the
// request context. Requests without a live session get 401.
func Middleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Allow OPTIONS requests to pass through for CORS preflight
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		tokenString, err := c.Cookie(AuthCookieName)
		if err != nil || tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "SESSION_INVALID", "message": "Authentication required"})
			c.Abort()
			return
		}

		user, session, err := ValidateSession(db, tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "SESSION_INVALID", "message": "Session is missing, expired, or revoked"})
			c.Abort()
			return
		}

		c.Set("user", user)
		c.Set("user_id", user.ID)
		c.Set("username", user.Username)
		c.Set("role", user.Role)
		c.Set("session", session)

		c.Next()
	}
}

// OptionalMiddleware loads the user when a valid session cookie is present
// but never rejects the request. Used by the auth status endpoint.
func OptionalMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, err := c.Cookie(AuthCookieName); err == nil && tokenString != "" {
			if user, session, err := ValidateSession(db, tokenString); err == nil {
				c.Set("user", user)
				c.Set("user_id", user.ID)
				c.Set("username", user.Username)
				c.Set("role", user.Role)
				c.Set("session", session)
			}
		}
		c.Next()
	}
}

// RequireRole gates a route behind a minimum role. Must run after Middleware.
func RequireRole(minimum string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if !models.RoleAtLeast(role, minimum) {
			c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN", "message": "Insufficient privileges"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireCSRF validates the X-CSRF-Token header against the token bound to
// the session at login. A captured token is useless outside its session.
// Must run after Middleware.
func RequireCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			c.Next()
			return
		}

		headerToken := strings.TrimSpace(c.GetHeader("X-CSRF-Token"))
		if headerToken == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "CSRF_INVALID", "message": "Missing CSRF token"})
			c.Abort()
			return
		}

		session := SessionFromContext(c)
		if session == nil || subtle.ConstantTimeCompare([]byte(headerToken), []byte(session.CSRFToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "CSRF_INVALID", "message": "Invalid CSRF token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(c *gin.Context) *models.User {
	if value, exists := c.Get("user"); exists {
		if user, ok := value.(*models.User); ok {
			return user
		}
	}
	return nil
}

// SessionFromContext returns the authenticated session, or nil.
func SessionFromContext(c *gin.Context) *models.UserSession {
	if value, exists := c.Get("session"); exists {
		if session, ok := value.(*models.UserSession); ok {
			return session
		}
	}
	return nil
}
