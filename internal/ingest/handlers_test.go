package ingest

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
	require.NoError(t, db.AutoMigrate(&models.TelemetryEvent{}, &models.Org{}))
	require.NoError(t, database.EnsureIndexes(db))
	database.DB = db
	return db
}

func submit(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.POST("/api/events", HandleSubmitEvent)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitEventStoresRow(t *testing.T) {
	db := setupTestDB(t)
	before := time.Now().UTC()

	ts := time.Now().UTC().Format(time.RFC3339)
	w := submit(t, fmt.Sprintf(`{"event":"tool_call","timestamp":%q,"server_id":"srv-1","session_id":"s1","user_id":"u1","data":{"tool":"grep"}}`, ts))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotZero(t, resp.ID)

	var stored models.TelemetryEvent
	require.NoError(t, db.First(&stored, resp.ID).Error)
	assert.Equal(t, "tool_call", stored.Event)
	assert.Equal(t, "srv-1", stored.ServerID)
	assert.JSONEq(t, `{"tool":"grep"}`, string(stored.Data))
	assert.False(t, stored.ReceivedAt.Before(before.Truncate(time.Second)))
}

func TestSubmitEventValidation(t *testing.T) {
	setupTestDB(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	cases := map[string]string{
		"not json":          `"hello"`,
		"missing event":     fmt.Sprintf(`{"timestamp":%q}`, ts),
		"blank event":       fmt.Sprintf(`{"event":"  ","timestamp":%q}`, ts),
		"long event":        fmt.Sprintf(`{"event":%q,"timestamp":%q}`, strings.Repeat("x", 65), ts),
		"missing timestamp": `{"event":"tool_call"}`,
		"bad timestamp":     `{"event":"tool_call","timestamp":"yesterday"}`,
		"data not object":   fmt.Sprintf(`{"event":"tool_call","timestamp":%q,"data":[1,2]}`, ts),
	}
	for name, body := range cases {
		w := submit(t, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}

	var count int64
	database.DB.Model(&models.TelemetryEvent{}).Count(&count)
	assert.Zero(t, count)
}

func TestSubmitEventIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ts := time.Now().UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"event":"tool_call","timestamp":%q,"server_id":"srv-1","event_id":"e1"}`, ts)

	first := submit(t, body)
	require.Equal(t, http.StatusCreated, first.Code)
	var firstResp struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := submit(t, body)
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp struct {
		ID        uint `json:"id"`
		Duplicate bool `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, firstResp.ID, secondResp.ID)
	assert.True(t, secondResp.Duplicate)

	var count int64
	db.Model(&models.TelemetryEvent{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestSubmitEventWithoutEventIDAllowsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	ts := time.Now().UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"event":"tool_call","timestamp":%q,"server_id":"srv-1"}`, ts)

	require.Equal(t, http.StatusCreated, submit(t, body).Code)
	require.Equal(t, http.StatusCreated, submit(t, body).Code)

	var count int64
	db.Model(&models.TelemetryEvent{}).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestSubmitEventFoldsUnknownFields(t *testing.T) {
	db := setupTestDB(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	w := submit(t, fmt.Sprintf(`{"event":"tool_call","timestamp":%q,"data":{"tool":"grep"},"new_field":42}`, ts))
	require.Equal(t, http.StatusCreated, w.Code)

	var stored models.TelemetryEvent
	require.NoError(t, db.Order("id DESC").First(&stored).Error)
	assert.JSONEq(t, `{"tool":"grep","new_field":42}`, string(stored.Data))
}

func TestSubmitEventUpsertsOrg(t *testing.T) {
	db := setupTestDB(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	name := "Acme Inc"
	require.NoError(t, db.Create(&models.Org{ServerID: "srv-known", CompanyName: &name}).Error)

	require.Equal(t, http.StatusCreated,
		submit(t, fmt.Sprintf(`{"event":"tool_call","timestamp":%q,"server_id":"srv-new"}`, ts)).Code)
	require.Equal(t, http.StatusCreated,
		submit(t, fmt.Sprintf(`{"event":"tool_call","timestamp":%q,"server_id":"srv-known"}`, ts)).Code)

	var created models.Org
	require.NoError(t, db.Where("server_id = ?", "srv-new").First(&created).Error)
	assert.Nil(t, created.CompanyName)

	// Existing org rows are never overwritten by ingest.
	var existing models.Org
	require.NoError(t, db.Where("server_id = ?", "srv-known").First(&existing).Error)
	require.NotNil(t, existing.CompanyName)
	assert.Equal(t, "Acme Inc", *existing.CompanyName)
}
