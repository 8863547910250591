package bootstrap

import (
	"fmt"
	"log"

	"gorm.io/gorm"

	"telemetry-backend/internal/auth"
	"telemetry-backend/internal/config"
	"telemetry-backend/internal/models"
)

// EnsureAdminUser seeds the first administrator when the users table is
// empty. An empty table with no ADMIN_USERNAME/ADMIN_PASSWORD configured is
// a misconfiguration: the server would start with no way to log in.
func EnsureAdminUser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	cfg := config.Get()
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return fmt.Errorf("no users exist and ADMIN_USERNAME/ADMIN_PASSWORD are not set")
	}
	if err := auth.ValidatePasswordPolicy(cfg.AdminPassword); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD: %w", err)
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	admin := models.User{
		Username: cfg.AdminUsername,
		Password: hash,
		Role:     models.RoleAdministrator,
		Active:   true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	log.Printf("✅ Bootstrap administrator %q created", cfg.AdminUsername)
	return nil
}
