package ingest

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telemetry-backend/internal/config"
	"telemetry-backend/internal/database"
	"telemetry-backend/internal/metrics"
	"telemetry-backend/internal/models"
)

var log = logrus.WithField("component", "ingest")

// Known top-level fields of a submission. Anything else is folded into data
// so new agent versions never get their events rejected.
var knownFields = map[string]bool{
	"event":      true,
	"timestamp":  true,
	"server_id":  true,
	"version":    true,
	"session_id": true,
	"user_id":    true,
	"event_id":   true,
	"data":       true,
}

type submission struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	ServerID  string          `json:"server_id"`
	Version   string          `json:"version"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	EventID   string          `json:"event_id"`
	Data      json.RawMessage `json:"data"`
}

// HandleSubmitEvent accepts one telemetry event from an agent.
func HandleSubmitEvent(c *gin.Context) {
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "Request body must be a JSON object"})
		return
	}

	var req submission
	if err := bindSubmission(raw, &req); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": err.Error()})
		return
	}

	req.Event = strings.TrimSpace(req.Event)
	if req.Event == "" || len(req.Event) > 64 {
		metrics.EventsRejected.WithLabelValues("bad_event_kind").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "event must be a non-empty string of at most 64 characters"})
		return
	}

	timestamp, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("bad_timestamp").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "timestamp must be ISO-8601"})
		return
	}

	data, err := mergeExtraFields(raw, req.Data)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("bad_data").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "data must be a JSON object"})
		return
	}
	if maxBytes := config.Get().EventDataMaxBytes; len(data) > maxBytes {
		metrics.EventsRejected.WithLabelValues("data_too_large").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "data exceeds the configured size limit"})
		return
	}

	db := database.DB.WithContext(c.Request.Context())
	now := time.Now().UTC()

	if req.ServerID != "" {
		if err := upsertOrg(db, req.ServerID, now); err != nil {
			log.WithError(err).Warn("org upsert failed")
		}
	}

	// Idempotent path: a resubmitted (server_id, event_id) returns the
	// id already stored instead of inserting a second row.
	if req.EventID != "" {
		var existing models.TelemetryEvent
		if err := db.Where("server_id = ? AND event_id = ?", req.ServerID, req.EventID).
			First(&existing).Error; err == nil {
			c.JSON(http.StatusOK, gin.H{"id": existing.ID, "duplicate": true})
			return
		}
	}

	event := models.TelemetryEvent{
		Event:      req.Event,
		Timestamp:  timestamp.UTC(),
		ServerID:   req.ServerID,
		Version:    req.Version,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		EventID:    req.EventID,
		Data:       data,
		ReceivedAt: now,
		CreatedAt:  now,
	}

	if err := db.Create(&event).Error; err != nil {
		// Concurrent duplicate submit loses the insert race on the partial
		// unique index; resolve to the winner's id.
		if req.EventID != "" {
			var existing models.TelemetryEvent
			if lookupErr := db.Where("server_id = ? AND event_id = ?", req.ServerID, req.EventID).
				First(&existing).Error; lookupErr == nil {
				c.JSON(http.StatusOK, gin.H{"id": existing.ID, "duplicate": true})
				return
			}
		}
		log.WithError(err).Error("event insert failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "DEPENDENCY_ERROR", "message": "Failed to store event"})
		return
	}

	metrics.EventsIngested.Inc()
	log.WithFields(logrus.Fields{
		"event":     event.Event,
		"server_id": event.ServerID,
		"id":        event.ID,
	}).Debug("event stored")

	c.JSON(http.StatusCreated, gin.H{"id": event.ID})
}

func bindSubmission(raw map[string]json.RawMessage, req *submission) error {
	// Round-trip through the typed struct; unknown fields stay in raw.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, req)
}

// mergeExtraFields folds unknown top-level fields into the data payload.
func mergeExtraFields(raw map[string]json.RawMessage, data json.RawMessage) (models.JSON, error) {
	merged := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &merged); err != nil {
			return nil, err
		}
	}

	for key, value := range raw {
		if !knownFields[key] {
			merged[key] = value
		}
	}

	if len(merged) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return models.JSON(out), nil
}

func upsertOrg(db *gorm.DB, serverID string, now time.Time) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Org{
		ServerID:  serverID,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}
