package middleware

import (
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"

	"telemetry-backend/internal/config"
)

// SecureCORSConfig returns a secure CORS configuration
func SecureCORSConfig() cors.Config {
	corsConfig := cors.DefaultConfig()

	var allowedOrigins []string
	for _, origin := range config.Get().CORSAllowedOrigins {
		if err := validateCORSOrigin(origin); err != nil {
			log.Printf("Warning: Invalid CORS origin '%s': %v", origin, err)
			continue
		}
		allowedOrigins = append(allowedOrigins, origin)
	}

	if len(allowedOrigins) == 0 {
		// Same-origin browser UI is the common deployment; no cross-origin
		// access unless explicitly configured.
		log.Println("⚠️  No CORS origins configured, cross-origin requests will be rejected")
		allowedOrigins = []string{"https://invalid.example"}
	}

	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Accept",
		"X-CSRF-Token", "X-Requested-With",
	}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type", "Retry-After"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour

	return corsConfig
}

func validateCORSOrigin(origin string) error {
	if origin == "*" {
		return fmt.Errorf("wildcard origin is not allowed with credentials")
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid scheme: %s (must be http or https)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host in origin")
	}
	return nil
}
