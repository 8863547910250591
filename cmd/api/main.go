package main

import (
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"telemetry-backend/internal/admin"
	"telemetry-backend/internal/auth"
	"telemetry-backend/internal/bootstrap"
	"telemetry-backend/internal/config"
	"telemetry-backend/internal/database"
	"telemetry-backend/internal/events"
	"telemetry-backend/internal/exports"
	"telemetry-backend/internal/health"
	"telemetry-backend/internal/ingest"
	"telemetry-backend/internal/metrics"
	"telemetry-backend/internal/middleware"
	"telemetry-backend/internal/models"
	"telemetry-backend/internal/orgs"
	"telemetry-backend/internal/sessions"
	"telemetry-backend/internal/stats"
	"telemetry-backend/internal/teams"
)

const (
	defaultRequestTimeout = 30 * time.Second
	ingestRequestTimeout  = 5 * time.Second
	exportRequestTimeout  = 5 * time.Minute

	maxRequestBody = 10 << 20 // import documents are the largest accepted body
)

func main() {
	log.Println("🚀 Starting Telemetry API Server")

	// Initialize Sentry before other subsystems so we capture initialization errors
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		opts := sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     os.Getenv("SENTRY_RELEASE"),
		}
		if host, _ := os.Hostname(); host != "" {
			opts.ServerName = host
		}
		if err := sentry.Init(opts); err != nil {
			log.Printf("Sentry initialization failed: %v", err)
		} else {
			sentry.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("service", "telemetry-backend")
			})
			defer sentry.Flush(2 * time.Second)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Configuration error: %v", err)
		os.Exit(2)
	}

	if err := database.InitDatabase(); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	log.Println("Running database migrations...")
	if err := database.RunMigrations(
		&models.User{},
		&models.TelemetryEvent{},
		&models.Org{},
		&models.Team{},
		&models.TeamOrg{},
		&models.UserSession{},
	); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✅ Database migrations completed")

	if err := bootstrap.EnsureAdminUser(database.DB); err != nil {
		log.Printf("Bootstrap error: %v", err)
		os.Exit(2)
	}

	auth.InitJWT()
	if err := sessions.InitManager(); err != nil {
		log.Printf("Session cache unavailable, using database only: %v", err)
	}

	// Background tasks
	middleware.StartCleanup()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := auth.CleanupExpiredSessions(database.DB); err != nil {
				log.Printf("Session cleanup failed: %v", err)
			}
		}
	}()

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(sentrygin.New(sentrygin.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	}))
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS - MUST be first to handle OPTIONS requests
	router.Use(cors.New(middleware.SecureCORSConfig()))

	// Security middleware - after CORS
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(maxRequestBody))

	// Liveness, readiness, and Prometheus exposition
	router.GET("/health", health.HandleHealthCheck)
	router.GET("/ready", health.HandleSystemReady)
	router.GET("/metrics", metrics.Handler())

	// Agent ingest: unauthenticated, rate limited, short deadline
	router.POST("/api/events",
		middleware.IngestRateLimit(),
		middleware.RequestTimeout(ingestRequestTimeout),
		ingest.HandleSubmitEvent)

	// Session endpoints, with legacy aliases outside /api/auth. Logout
	// mutates session state, so it sits behind the same session and CSRF
	// checks as every other state-changing route.
	router.POST("/login", middleware.LoginRateLimit(), auth.HandleLogin)
	router.POST("/logout",
		middleware.RequestTimeout(defaultRequestTimeout),
		auth.Middleware(database.DB),
		auth.RequireCSRF(),
		auth.HandleLogout)

	api := router.Group("/api")
	api.Use(middleware.RequestTimeout(defaultRequestTimeout))
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/login", middleware.LoginRateLimit(), auth.HandleLogin)
			authRoutes.GET("/status", auth.OptionalMiddleware(database.DB), auth.HandleAuthStatus)
		}

		protected := api.Group("")
		protected.Use(auth.Middleware(database.DB))
		protected.Use(auth.RequireCSRF())
		{
			protected.GET("/csrf-token", auth.HandleGetCSRFToken)

			// Session self-management + MFA
			protected.POST("/auth/logout", auth.HandleLogout)
			protected.GET("/auth/sessions", auth.HandleListSessions)
			protected.DELETE("/auth/sessions", auth.HandleRevokeOtherSessions)
			protected.POST("/auth/mfa/setup", auth.HandleMFASetup)
			protected.POST("/auth/mfa/enable", auth.HandleMFAEnable)
			protected.POST("/auth/mfa/disable", auth.HandleMFADisable)

			// Dashboard aggregates (basic and up)
			protected.GET("/daily-stats", stats.HandleGetDailyStats)
			protected.GET("/top-users-today", stats.HandleGetTopUsers)
			protected.GET("/top-teams-today", stats.HandleGetTopTeams)
			protected.GET("/database-size", stats.HandleGetDatabaseSize)

			protected.GET("/orgs", orgs.HandleListOrgs)
			protected.GET("/teams", teams.HandleListTeams)
			protected.GET("/teams/:id/logo", teams.HandleGetTeamLogo)

			// Event log (advanced and up)
			advanced := protected.Group("")
			advanced.Use(auth.RequireRole(models.RoleAdvanced))
			{
				advanced.GET("/events", events.HandleListEvents)
				advanced.DELETE("/events", events.HandleDeleteAllEvents)
			}

			// Administration
			adminRoutes := protected.Group("")
			adminRoutes.Use(auth.RequireRole(models.RoleAdministrator))
			{
				adminRoutes.GET("/users", admin.HandleListUsers)
				adminRoutes.POST("/users", admin.HandleCreateUser)
				adminRoutes.PUT("/users/:username/password", admin.HandleSetPassword)
				adminRoutes.PUT("/users/:username/role", admin.HandleSetRole)
				adminRoutes.DELETE("/users/:username", admin.HandleDeleteUser)

				adminRoutes.PUT("/orgs/:serverId", orgs.HandleSetCompanyName)

				adminRoutes.POST("/teams", teams.HandleCreateTeam)
				adminRoutes.PUT("/teams/:id", teams.HandleUpdateTeam)
				adminRoutes.DELETE("/teams/:id", teams.HandleDeleteTeam)

				adminRoutes.POST("/database/import", exports.HandleImportDatabase)
			}
		}
	}

	// Export streams the whole database, so it runs outside the default
	// request deadline with its own longer one.
	router.GET("/api/database/export",
		middleware.RequestTimeout(exportRequestTimeout),
		auth.Middleware(database.DB),
		auth.RequireRole(models.RoleAdministrator),
		exports.HandleExportDatabase)

	log.Printf("✅ Server starting on %s", cfg.ListenAddr)
	if err := router.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
