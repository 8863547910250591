package auth

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"telemetry-backend/internal/config"
	"telemetry-backend/internal/models"
	"telemetry-backend/internal/sessions"
)

// ErrSessionNotFound is returned when a token does not resolve to a live session.
var ErrSessionNotFound = errors.New("session not found or expired")

// lastSeenTouchInterval throttles the last_seen_at write so session
// validation stays a read in the common case.
const lastSeenTouchInterval = time.Minute

// CreateSession issues a session for an authenticated user: a signed token
// for the cookie and a server-side row carrying the CSRF token and TTLs.
func CreateSession(db *gorm.DB, user *models.User, ipAddress, userAgent string) (token, csrfToken string, expiry time.Time, err error) {
	token, _, expiry, err = GenerateSessionToken(user)
	if err != nil {
		return "", "", time.Time{}, err
	}

	csrfToken, err = GenerateCSRFToken()
	if err != nil {
		return "", "", time.Time{}, err
	}

	session := models.UserSession{
		UserID:     user.ID,
		TokenHash:  TokenHash(token),
		CSRFToken:  csrfToken,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		LastSeenAt: time.Now(),
		ExpiresAt:  expiry,
	}
	if err := db.Create(&session).Error; err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to persist session: %w", err)
	}

	if sessions.Enabled() {
		sessions.GlobalManager.CacheSession(&session)
	}
	return token, csrfToken, expiry, nil
}

// ValidateSession resolves a session token to its user and session row.
// Both the idle timeout and the absolute cap are enforced here; role changes
// take effect immediately because the user row is re-read on every call.
func ValidateSession(db *gorm.DB, tokenString string) (*models.User, *models.UserSession, error) {
	if _, err := ParseToken(tokenString); err != nil {
		return nil, nil, ErrSessionNotFound
	}

	hash := TokenHash(tokenString)
	session, cached := lookupSession(db, hash)
	if session == nil {
		return nil, nil, ErrSessionNotFound
	}

	now := time.Now()
	if session.RevokedAt != nil || now.After(session.ExpiresAt) ||
		now.Sub(session.LastSeenAt) > config.Get().SessionTTLIdle {
		return nil, nil, ErrSessionNotFound
	}

	var user models.User
	if err := db.First(&user, session.UserID).Error; err != nil {
		return nil, nil, ErrSessionNotFound
	}
	if !user.Active {
		return nil, nil, ErrSessionNotFound
	}

	if now.Sub(session.LastSeenAt) > lastSeenTouchInterval {
		session.LastSeenAt = now
		if err := db.Model(&models.UserSession{}).Where("token_hash = ?", hash).
			Update("last_seen_at", now).Error; err == nil && sessions.Enabled() {
			sessions.GlobalManager.CacheSession(session)
		}
	} else if !cached && sessions.Enabled() {
		sessions.GlobalManager.CacheSession(session)
	}

	return &user, session, nil
}

func lookupSession(db *gorm.DB, hash string) (*models.UserSession, bool) {
	if sessions.Enabled() {
		if session, ok := sessions.GlobalManager.GetSession(hash); ok {
			return session, true
		}
	}

	var session models.UserSession
	if err := db.Where("token_hash = ?", hash).First(&session).Error; err != nil {
		return nil, false
	}
	return &session, false
}

// InvalidateSession revokes the session behind a token.
func InvalidateSession(db *gorm.DB, tokenString string) error {
	hash := TokenHash(tokenString)
	now := time.Now()
	err := db.Model(&models.UserSession{}).Where("token_hash = ?", hash).
		Update("revoked_at", now).Error
	if sessions.Enabled() {
		sessions.GlobalManager.DeleteSession(hash)
	}
	return err
}

// RevokeOtherSessions revokes every live session of a user except the one
// identified by keepTokenHash.
func RevokeOtherSessions(db *gorm.DB, userID uint, keepTokenHash string) (int64, error) {
	var stale []models.UserSession
	if err := db.Where("user_id = ? AND revoked_at IS NULL AND token_hash <> ?", userID, keepTokenHash).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	now := time.Now()
	result := db.Model(&models.UserSession{}).
		Where("user_id = ? AND revoked_at IS NULL AND token_hash <> ?", userID, keepTokenHash).
		Update("revoked_at", now)
	if result.Error != nil {
		return 0, result.Error
	}

	if sessions.Enabled() {
		for _, s := range stale {
			sessions.GlobalManager.DeleteSession(s.TokenHash)
		}
	}
	return result.RowsAffected, nil
}

// RevokeAllSessionsForUser revokes every live session of a user. Used when
// an administrator resets a password or deletes the account.
func RevokeAllSessionsForUser(db *gorm.DB, userID uint) error {
	_, err := RevokeOtherSessions(db, userID, "")
	return err
}

// ListActiveSessions returns the live sessions of a user, newest first.
func ListActiveSessions(db *gorm.DB, userID uint) ([]models.UserSession, error) {
	idleCutoff := time.Now().Add(-config.Get().SessionTTLIdle)
	var list []models.UserSession
	err := db.Where("user_id = ? AND revoked_at IS NULL AND expires_at > ? AND last_seen_at > ?",
		userID, time.Now(), idleCutoff).
		Order("last_seen_at DESC").Find(&list).Error
	return list, err
}

// CleanupExpiredSessions deletes rows that can no longer authenticate.
func CleanupExpiredSessions(db *gorm.DB) error {
	idleCutoff := time.Now().Add(-config.Get().SessionTTLIdle)
	return db.Where("revoked_at IS NOT NULL OR expires_at < ? OR last_seen_at < ?",
		time.Now(), idleCutoff).
		Delete(&models.UserSession{}).Error
}
