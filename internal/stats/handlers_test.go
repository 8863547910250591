package stats

import (
	"encoding/json"
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

	"telemetry-backend/internal/database"
	"telemetry-backend/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.TelemetryEvent{},
		&models.Org{},
		&models.Team{},
		&models.TeamOrg{},
		&models.UserSession{},
	))
	require.NoError(t, database.EnsureIndexes(db))
	database.DB = db
	return db
}

func doRequest(t *testing.T, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.GET(strings.SplitN(path, "?", 2)[0], handler)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func seedEvent(t *testing.T, db *gorm.DB, kind string, ts time.Time, serverID, sessionID, userID string) {
	t.Helper()
	require.NoError(t, db.Create(&models.TelemetryEvent{
		Event:      kind,
		Timestamp:  ts,
		ServerID:   serverID,
		SessionID:  sessionID,
		UserID:     userID,
		ReceivedAt: ts,
	}).Error)
}

func TestDailyStatsBreakdown(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	// One open session, two tool calls today. No errors.
	seedEvent(t, db, "session_start", now.Add(-2*time.Hour), "srv-1", "sess-1", "u1")
	seedEvent(t, db, "tool_call", now.Add(-90*time.Minute), "srv-1", "sess-1", "u1")
	seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-1", "sess-1", "u1")

	w := doRequest(t, HandleGetDailyStats, "/api/daily-stats?days=7&byEventType=true")
	require.Equal(t, http.StatusOK, w.Code)

	var out []DailyBreakdown
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 7)

	today := out[len(out)-1]
	assert.Equal(t, now.Format("2006-01-02"), today.Date)
	assert.Equal(t, int64(2), today.ToolEvents)
	assert.Equal(t, int64(0), today.ErrorEvents)
	assert.Equal(t, int64(1), today.StartSessionsWithoutEnd)

	// Earlier days are zero-filled, not omitted.
	for _, day := range out[:len(out)-1] {
		assert.Zero(t, day.ToolEvents, day.Date)
		assert.Zero(t, day.StartSessionsWithoutEnd, day.Date)
	}
}

func TestDailyStatsSessionClosedNextDay(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)

	// Session starts yesterday and ends today: once the end arrives the
	// start day stops counting it as abandoned.
	seedEvent(t, db, "session_start", yesterday, "srv-1", "sess-1", "u1")
	seedEvent(t, db, "session_end", now, "srv-1", "sess-1", "u1")

	// A session still missing its end keeps counting.
	seedEvent(t, db, "session_start", yesterday.Add(time.Hour), "srv-1", "sess-2", "u1")

	w := doRequest(t, HandleGetDailyStats, "/api/daily-stats?days=3&byEventType=true")
	require.Equal(t, http.StatusOK, w.Code)

	var out []DailyBreakdown
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 3)

	byDate := make(map[string]DailyBreakdown)
	for _, day := range out {
		byDate[day.Date] = day
	}
	assert.Equal(t, int64(1), byDate[yesterday.Format("2006-01-02")].StartSessionsWithoutEnd)
	assert.Equal(t, int64(0), byDate[now.Format("2006-01-02")].StartSessionsWithoutEnd)
}

func TestDailyStatsSessionsScopedByServer(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	// Two servers reuse the same session id. Server B's end must not
	// close server A's session.
	seedEvent(t, db, "session_start", now.Add(-2*time.Hour), "srv-a", "sess-1", "u1")
	seedEvent(t, db, "session_end", now.Add(-time.Hour), "srv-b", "sess-1", "u2")

	w := doRequest(t, HandleGetDailyStats, "/api/daily-stats?days=1&byEventType=true")
	require.Equal(t, http.StatusOK, w.Code)

	var out []DailyBreakdown
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].StartSessionsWithoutEnd)

	// The matching end on the same server does close it.
	seedEvent(t, db, "session_end", now.Add(-30*time.Minute), "srv-a", "sess-1", "u1")
	w = doRequest(t, HandleGetDailyStats, "/api/daily-stats?days=1&byEventType=true")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, int64(0), out[0].StartSessionsWithoutEnd)
}

func TestDailyStatsTotals(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-1", "", "u1")
	seedEvent(t, db, "error", now.Add(-time.Hour), "srv-1", "", "u1")
	// Outside the window.
	seedEvent(t, db, "tool_call", now.AddDate(0, 0, -10), "srv-1", "", "u1")

	w := doRequest(t, HandleGetDailyStats, "/api/daily-stats?days=2")
	require.Equal(t, http.StatusOK, w.Code)

	var out []DailyCount
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[1].Count)
	assert.Equal(t, int64(0), out[0].Count)
}

func TestDailyStatsRejectsBadDays(t *testing.T) {
	setupTestDB(t)

	for _, days := range []string{"0", "366", "abc", "-1"} {
		w := doRequest(t, HandleGetDailyStats, "/api/daily-stats?days="+days)
		assert.Equal(t, http.StatusBadRequest, w.Code, days)
	}
}

func TestTopUsersOrderingAndLimit(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-1", "", "alice")
	}
	for i := 0; i < 3; i++ {
		seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-1", "", "bob")
	}
	// Anonymous events never rank.
	seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-1", "", "")

	w := doRequest(t, HandleGetTopUsers, "/api/top-users-today?days=1")
	require.Equal(t, http.StatusOK, w.Code)

	var out []TopUser
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "alice", out[0].ID)
	assert.Equal(t, int64(5), out[0].EventCount)
	assert.Equal(t, "bob", out[1].ID)

	w = doRequest(t, HandleGetTopUsers, "/api/top-users-today?days=1&limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "alice", out[0].ID)
}

func TestTopTeamsAggregatesOrgs(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	name := "Acme Inc"
	require.NoError(t, db.Create(&models.Org{ServerID: "srv-1", CompanyName: &name}).Error)
	require.NoError(t, db.Create(&models.Org{ServerID: "srv-2"}).Error)

	team := models.Team{Name: "platform", Color: "#ff0000"}
	require.NoError(t, db.Create(&team).Error)
	require.NoError(t, db.Create(&models.TeamOrg{TeamID: team.ID, ServerID: "srv-1"}).Error)
	require.NoError(t, db.Create(&models.TeamOrg{TeamID: team.ID, ServerID: "srv-2"}).Error)

	seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-1", "", "u1")
	seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-2", "", "u2")
	seedEvent(t, db, "tool_call", now.Add(-time.Hour), "srv-unmapped", "", "u3")

	w := doRequest(t, HandleGetTopTeams, "/api/top-teams-today?days=1")
	require.Equal(t, http.StatusOK, w.Code)

	var out []TopTeam
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, team.ID, out[0].TeamID)
	assert.Equal(t, "platform", out[0].Label)
	assert.Equal(t, int64(2), out[0].EventCount)
	assert.False(t, out[0].HasLogo)
	// company_name labels where present, server_id otherwise
	assert.Equal(t, []string{"Acme Inc", "srv-2"}, out[0].Orgs)
}

func TestDatabaseSizeReportsBytes(t *testing.T) {
	setupTestDB(t)

	w := doRequest(t, HandleGetDatabaseSize, "/api/database-size")
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Greater(t, out["sizeBytes"].(float64), float64(0))
	assert.NotEmpty(t, out["sizeFormatted"])
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KB", formatBytes(1024))
	assert.Equal(t, "1.5 MB", formatBytes(3*1024*1024/2))
}
