package auth

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"telemetry-backend/internal/config"
	"telemetry-backend/internal/models"
)

const bcryptCost = 14

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPassword verifies a password against a hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePasswordPolicy checks a candidate password against the configured
// policy. Returns a human-readable reason when the password is rejected.
func ValidatePasswordPolicy(password string) error {
	minLength := config.Get().PasswordMinLength
	if len(password) < minLength {
		return fmt.Errorf("password must be at least %d characters", minLength)
	}
	return nil
}

// IsAccountLocked checks if a user account is locked
func IsAccountLocked(user *models.User) bool {
	return user.LockedUntil != nil && time.Now().Before(*user.LockedUntil)
}

// RecordFailedLogin records a failed login attempt
func RecordFailedLogin(db *gorm.DB, user *models.User) error {
	now := time.Now()
	user.FailedLoginAttempts++
	user.LastFailedLogin = &now

	// Lock account after 5 failed attempts
	if user.FailedLoginAttempts >= 5 {
		lockUntil := now.Add(30 * time.Minute)
		user.LockedUntil = &lockUntil
	}

	return db.Save(user).Error
}

// RecordSuccessfulLogin resets failed login attempts and stamps last_login
func RecordSuccessfulLogin(db *gorm.DB, user *models.User) error {
	now := time.Now()
	user.FailedLoginAttempts = 0
	user.LastFailedLogin = nil
	user.LockedUntil = nil
	user.LastLogin = &now
	return db.Save(user).Error
}
