package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"telemetry-backend/internal/config"
	"telemetry-backend/internal/database"
	"telemetry-backend/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Get()
	cfg.JWTSecret = "test-secret-for-session-tokens"
	InitJWT()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.UserSession{}))
	database.DB = db
	return db
}

func createUser(t *testing.T, db *gorm.DB, username, password, role string) *models.User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	user := &models.User{Username: username, Password: hash, Role: role, Active: true}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)
	assert.True(t, CheckPassword("correct horse battery staple", hash))
	assert.False(t, CheckPassword("wrong password", hash))
}

func TestPasswordPolicy(t *testing.T) {
	assert.Error(t, ValidatePasswordPolicy("short"))
	assert.NoError(t, ValidatePasswordPolicy("long enough password"))
}

func TestSessionLifecycle(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "alice", "alices password", models.RoleBasic)

	token, csrfToken, expiry, err := CreateSession(db, user, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEmpty(t, csrfToken)
	assert.True(t, expiry.After(time.Now()))

	// Same token resolves to the same user until revoked.
	for i := 0; i < 2; i++ {
		resolved, session, err := ValidateSession(db, token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, resolved.ID)
		assert.Equal(t, csrfToken, session.CSRFToken)
	}

	require.NoError(t, InvalidateSession(db, token))
	_, _, err = ValidateSession(db, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateSessionRejectsGarbageToken(t *testing.T) {
	db := setupTestDB(t)
	_, _, err := ValidateSession(db, "not-a-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateSessionEnforcesIdleTimeout(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "alice", "alices password", models.RoleBasic)

	token, _, _, err := CreateSession(db, user, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	stale := time.Now().Add(-config.Get().SessionTTLIdle - time.Hour)
	require.NoError(t, db.Model(&models.UserSession{}).
		Where("token_hash = ?", TokenHash(token)).
		Update("last_seen_at", stale).Error)

	_, _, err = ValidateSession(db, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateSessionPicksUpRoleChange(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "alice", "alices password", models.RoleBasic)

	token, _, _, err := CreateSession(db, user, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).
		Update("role", models.RoleAdministrator).Error)

	resolved, _, err := ValidateSession(db, token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdministrator, resolved.Role)
}

func TestRevokeOtherSessionsKeepsCurrent(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "alice", "alices password", models.RoleBasic)

	current, _, _, err := CreateSession(db, user, "10.0.0.1", "agent-a")
	require.NoError(t, err)
	other, _, _, err := CreateSession(db, user, "10.0.0.2", "agent-b")
	require.NoError(t, err)

	revoked, err := RevokeOtherSessions(db, user.ID, TokenHash(current))
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)

	_, _, err = ValidateSession(db, current)
	assert.NoError(t, err)
	_, _, err = ValidateSession(db, other)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func protectedRouter(db *gorm.DB, minRole string) *gin.Engine {
	router := gin.New()
	group := router.Group("/api")
	group.Use(Middleware(db))
	group.Use(RequireCSRF())
	if minRole != "" {
		group.Use(RequireRole(minRole))
	}
	group.POST("/thing", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	group.GET("/thing", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestMiddlewareRejectsMissingCookie(t *testing.T) {
	db := setupTestDB(t)
	router := protectedRouter(db, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/thing", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCSRFRequiredOnStateChanges(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "alice", "alices password", models.RoleBasic)
	token, csrfToken, _, err := CreateSession(db, user, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	router := protectedRouter(db, "")
	do := func(method, csrf string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/api/thing", nil)
		req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: token})
		if csrf != "" {
			req.Header.Set("X-CSRF-Token", csrf)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Safe methods skip the check entirely.
	assert.Equal(t, http.StatusOK, do(http.MethodGet, ""))

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, ""))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "forged-token"))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, csrfToken))
}

func TestLogoutRequiresSessionAndCSRF(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "alice", "alices password", models.RoleBasic)
	token, csrfToken, _, err := CreateSession(db, user, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	router := gin.New()
	router.POST("/logout", Middleware(db), RequireCSRF(), HandleLogout)

	do := func(withCookie bool, csrf string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/logout", nil)
		if withCookie {
			req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: token})
		}
		if csrf != "" {
			req.Header.Set("X-CSRF-Token", csrf)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	// No session cookie at all.
	assert.Equal(t, http.StatusUnauthorized, do(false, ""))

	// A cross-site form post carries the cookie but cannot read the CSRF
	// token; the session must stay live.
	assert.Equal(t, http.StatusUnauthorized, do(true, ""))
	assert.Equal(t, http.StatusUnauthorized, do(true, "forged-token"))
	_, _, err = ValidateSession(db, token)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(true, csrfToken))
	_, _, err = ValidateSession(db, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRequireRoleBlocksLowerRoles(t *testing.T) {
	db := setupTestDB(t)
	basic := createUser(t, db, "basic", "basic password", models.RoleBasic)
	admin := createUser(t, db, "admin", "admin password", models.RoleAdministrator)

	router := protectedRouter(db, models.RoleAdvanced)
	do := func(u *models.User) int {
		token, csrfToken, _, err := CreateSession(db, u, "10.0.0.1", "test-agent")
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/thing", nil)
		req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: token})
		req.Header.Set("X-CSRF-Token", csrfToken)
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, do(basic))
	assert.Equal(t, http.StatusOK, do(admin))
}

func TestLoginHandler(t *testing.T) {
	db := setupTestDB(t)
	createUser(t, db, "alice", "alices password", models.RoleAdvanced)

	router := gin.New()
	router.POST("/login", HandleLogin)
	do := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := do(`{"username":"alice","password":"alices password"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"csrf_token"`)
	assert.Contains(t, w.Body.String(), `"role":"advanced"`)

	cookies := w.Result().Cookies()
	var sessionCookie *http.Cookie
	for _, cookie := range cookies {
		if cookie.Name == AuthCookieName {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)

	// Wrong password and unknown user produce identical responses.
	wrongPass := do(`{"username":"alice","password":"nope nope nope"}`)
	unknownUser := do(`{"username":"mallory","password":"nope nope nope"}`)
	assert.Equal(t, http.StatusUnauthorized, wrongPass.Code)
	assert.Equal(t, http.StatusUnauthorized, unknownUser.Code)
	assert.JSONEq(t, wrongPass.Body.String(), unknownUser.Body.String())
}

func TestAccountLockoutAfterRepeatedFailures(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "alice", "alices password", models.RoleBasic)

	for i := 0; i < 5; i++ {
		require.NoError(t, RecordFailedLogin(db, user))
	}

	var fresh models.User
	require.NoError(t, db.First(&fresh, user.ID).Error)
	assert.True(t, IsAccountLocked(&fresh))

	require.NoError(t, RecordSuccessfulLogin(db, &fresh))
	require.NoError(t, db.First(&fresh, user.ID).Error)
	assert.False(t, IsAccountLocked(&fresh))
	assert.NotNil(t, fresh.LastLogin)
}
