package database

import (
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"telemetry-backend/internal/config"
)

// DB is the global database instance
var DB *gorm.DB

// InitDatabase initializes the database connection from DATABASE_URL.
func InitDatabase() error {
	cfg := config.Get()

	dsn := applySSLMode(cfg.DatabaseURL, cfg.DatabaseSSL)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access connection pool: %w", err)
	}
	// 2x cores plus headroom for blocking admin operations.
	sqlDB.SetMaxOpenConns(2*runtime.NumCPU() + 4)
	sqlDB.SetMaxIdleConns(runtime.NumCPU())
	sqlDB.SetConnMaxLifetime(time.Hour)

	DB = db
	log.Println("✅ Database connected successfully")
	return nil
}

// applySSLMode forces sslmode on the DSN when DATABASE_SSL is set. Both
// postgres:// URLs and keyword DSNs are supported; unset leaves the DSN alone.
func applySSLMode(dsn, sslSetting string) string {
	var mode string
	switch sslSetting {
	case "true":
		mode = "require"
	case "false":
		mode = "disable"
	default:
		return dsn
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "sslmode=" + mode
	}
	return dsn + " sslmode=" + mode
}

// RunMigrations runs all database migrations
func RunMigrations(models ...interface{}) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	log.Println("Running database migrations...")
	if err := DB.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := EnsureIndexes(DB); err != nil {
		return fmt.Errorf("index creation failed: %w", err)
	}

	log.Println("✅ Database migrations completed")
	return nil
}

// EnsureIndexes creates the indexes AutoMigrate tags cannot express. Every
// statement is idempotent so re-running on startup is safe; duplicate-index
// cleanup belongs to operator tooling, not here.
func EnsureIndexes(db *gorm.DB) error {
	statements := []string{
		// Partial unique index backing idempotent ingest.
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_telemetry_events_dedup
			ON telemetry_events (server_id, event_id) WHERE event_id <> ''`,
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
