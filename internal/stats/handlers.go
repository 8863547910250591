package stats

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"telemetry-backend/internal/config"
	"telemetry-backend/internal/database"
	apperrors "telemetry-backend/internal/errors"
	"telemetry-backend/pkg/utils"
)

// DailyCount is one zero-filled day bucket of the dashboard chart.
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// DailyBreakdown is one day bucket broken down by event type.
type DailyBreakdown struct {
	Date                     string `json:"date"`
	StartSessionsWithoutEnd  int64  `json:"startSessionsWithoutEnd"`
	ToolEvents               int64  `json:"toolEvents"`
	ErrorEvents              int64  `json:"errorEvents"`
}

// TopUser is one entry of the top-users ranking.
type TopUser struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	EventCount int64  `json:"eventCount"`
}

// TopTeam is one entry of the top-teams ranking.
type TopTeam struct {
	TeamID     uint     `json:"teamId"`
	Label      string   `json:"label"`
	Orgs       []string `json:"orgs"`
	EventCount int64    `json:"eventCount"`
	Color      string   `json:"color"`
	HasLogo    bool     `json:"hasLogo"`
}

// dateExpr renders a timestamp column to its UTC YYYY-MM-DD bucket in SQL.
func dateExpr(db *gorm.DB, column string) string {
	if db.Dialector.Name() == "postgres" {
		return fmt.Sprintf("to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD')", column)
	}
	return fmt.Sprintf("strftime('%%Y-%%m-%%d', %s)", column)
}

func parseDays(c *gin.Context) (int, bool) {
	days := 30
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "days must be an integer between 1 and 365"})
			return 0, false
		}
		days = parsed
	}
	return days, true
}

// window returns the half-open [start, end) range covering the last `days`
// day buckets ending with today, UTC midnight aligned.
func window(days int) (time.Time, time.Time) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -(days - 1)), today.Add(24 * time.Hour)
}

type dayRow struct {
	Day   string
	Count int64
}

// HandleGetDailyStats serves GET /api/daily-stats.
func HandleGetDailyStats(c *gin.Context) {
	days, ok := parseDays(c)
	if !ok {
		return
	}
	byEventType := c.Query("byEventType") == "true"

	db := database.DB.WithContext(c.Request.Context())
	start, end := window(days)

	if !byEventType {
		totals, err := totalsPerDay(db, start, end)
		if err != nil {
			utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to compute daily stats"))
			return
		}

		out := make([]DailyCount, 0, days)
		for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
			key := day.Format("2006-01-02")
			out = append(out, DailyCount{Date: key, Count: totals[key]})
		}
		c.JSON(http.StatusOK, out)
		return
	}

	tool, errs, err := kindCountsPerDay(db, start, end)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to compute daily stats"))
		return
	}
	abandoned, err := startWithoutEndPerDay(db, start, end)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to compute daily stats"))
		return
	}

	out := make([]DailyBreakdown, 0, days)
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		out = append(out, DailyBreakdown{
			Date:                    key,
			StartSessionsWithoutEnd: abandoned[key],
			ToolEvents:              tool[key],
			ErrorEvents:             errs[key],
		})
	}
	c.JSON(http.StatusOK, out)
}

func totalsPerDay(db *gorm.DB, start, end time.Time) (map[string]int64, error) {
	var rows []dayRow
	query := fmt.Sprintf(
		`SELECT %s AS day, COUNT(*) AS count
		 FROM telemetry_events
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY day`, dateExpr(db, "timestamp"))
	if err := db.Raw(query, start, end).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToMap(rows), nil
}

func kindCountsPerDay(db *gorm.DB, start, end time.Time) (tool, errs map[string]int64, err error) {
	var rows []struct {
		Day   string
		Event string
		Count int64
	}
	query := fmt.Sprintf(
		`SELECT %s AS day, event, COUNT(*) AS count
		 FROM telemetry_events
		 WHERE event IN ('tool_call', 'error') AND timestamp >= ? AND timestamp < ?
		 GROUP BY day, event`, dateExpr(db, "timestamp"))
	if err := db.Raw(query, start, end).Scan(&rows).Error; err != nil {
		return nil, nil, err
	}

	tool = make(map[string]int64)
	errs = make(map[string]int64)
	for _, row := range rows {
		if row.Event == "tool_call" {
			tool[row.Day] = row.Count
		} else {
			errs[row.Day] = row.Count
		}
	}
	return tool, errs, nil
}

// startWithoutEndPerDay counts, per day, the distinct sessions that
// started on that day and have no session_end at all. A session is a
// (server_id, session_id) pair, so an end reported by one server never
// closes an identically-named session on another. A left anti-join,
// not a state machine: closing a session later removes it from the
// earlier bucket on the next query.
func startWithoutEndPerDay(db *gorm.DB, start, end time.Time) (map[string]int64, error) {
	var rows []dayRow
	query := fmt.Sprintf(
		`SELECT %s AS day, COUNT(DISTINCT s.server_id || '/' || s.session_id) AS count
		 FROM telemetry_events s
		 WHERE s.event = 'session_start'
		   AND s.session_id <> ''
		   AND s.timestamp >= ? AND s.timestamp < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM telemetry_events e
		     WHERE e.event = 'session_end'
		       AND e.server_id = s.server_id
		       AND e.session_id = s.session_id
		   )
		 GROUP BY day`,
		dateExpr(db, "s.timestamp"))
	if err := db.Raw(query, start, end).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToMap(rows), nil
}

func rowsToMap(rows []dayRow) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Day] = row.Count
	}
	return out
}

func parseLimit(c *gin.Context, defaultLimit, maxLimit int) (int, bool) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": fmt.Sprintf("limit must be an integer between 1 and %d", maxLimit)})
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

// HandleGetTopUsers serves GET /api/top-users-today.
func HandleGetTopUsers(c *gin.Context) {
	days, ok := parseDays(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, 10, 100)
	if !ok {
		return
	}

	db := database.DB.WithContext(c.Request.Context())
	start, end := window(days)

	var rows []struct {
		UserID string
		Count  int64
	}
	err := db.Raw(
		`SELECT user_id, COUNT(*) AS count
		 FROM telemetry_events
		 WHERE user_id <> '' AND timestamp >= ? AND timestamp < ?
		 GROUP BY user_id
		 ORDER BY count DESC, user_id ASC
		 LIMIT ?`, start, end, limit).Scan(&rows).Error
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to compute top users"))
		return
	}

	out := make([]TopUser, 0, len(rows))
	for _, row := range rows {
		out = append(out, TopUser{ID: row.UserID, Label: row.UserID, EventCount: row.Count})
	}
	c.JSON(http.StatusOK, out)
}

// HandleGetTopTeams serves GET /api/top-teams-today.
func HandleGetTopTeams(c *gin.Context) {
	days, ok := parseDays(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, 10, 100)
	if !ok {
		return
	}

	db := database.DB.WithContext(c.Request.Context())
	start, end := window(days)

	var rows []struct {
		TeamID    uint
		Name      string
		Color     string
		LogoBytes int64
		Count     int64
	}
	err := db.Raw(
		`SELECT t.id AS team_id, t.name, t.color,
		        COALESCE(LENGTH(t.logo), 0) AS logo_bytes,
		        COUNT(e.id) AS count
		 FROM teams t
		 JOIN team_orgs tor ON tor.team_id = t.id
		 JOIN telemetry_events e
		   ON e.server_id = tor.server_id AND e.timestamp >= ? AND e.timestamp < ?
		 GROUP BY t.id, t.name, t.color, t.logo
		 ORDER BY count DESC, t.name ASC
		 LIMIT ?`, start, end, limit).Scan(&rows).Error
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to compute top teams"))
		return
	}

	teamIDs := make([]uint, 0, len(rows))
	for _, row := range rows {
		teamIDs = append(teamIDs, row.TeamID)
	}
	orgLabels, err := orgLabelsByTeam(db, teamIDs)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to compute top teams"))
		return
	}

	out := make([]TopTeam, 0, len(rows))
	for _, row := range rows {
		out = append(out, TopTeam{
			TeamID:     row.TeamID,
			Label:      row.Name,
			Orgs:       orgLabels[row.TeamID],
			EventCount: row.Count,
			Color:      row.Color,
			HasLogo:    row.LogoBytes > 0,
		})
	}
	c.JSON(http.StatusOK, out)
}

// orgLabelsByTeam resolves each team's org set to display labels,
// preferring company_name and falling back to the raw server_id.
func orgLabelsByTeam(db *gorm.DB, teamIDs []uint) (map[uint][]string, error) {
	out := make(map[uint][]string, len(teamIDs))
	if len(teamIDs) == 0 {
		return out, nil
	}

	var rows []struct {
		TeamID      uint
		ServerID    string
		CompanyName *string
	}
	err := db.Raw(
		`SELECT tor.team_id, tor.server_id, o.company_name
		 FROM team_orgs tor
		 LEFT JOIN orgs o ON o.server_id = tor.server_id
		 WHERE tor.team_id IN ?
		 ORDER BY tor.server_id ASC`, teamIDs).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		label := row.ServerID
		if row.CompanyName != nil && *row.CompanyName != "" {
			label = *row.CompanyName
		}
		out[row.TeamID] = append(out[row.TeamID], label)
	}
	return out, nil
}

// HandleGetDatabaseSize serves GET /api/database-size.
func HandleGetDatabaseSize(c *gin.Context) {
	db := database.DB.WithContext(c.Request.Context())

	sizeBytes, err := telemetryTablesSize(db)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "DATABASE_ERROR", "Failed to compute database size"))
		return
	}

	formatted := formatBytes(sizeBytes)
	body := gin.H{
		"sizeBytes":     sizeBytes,
		"sizeFormatted": formatted,
		"displayText":   formatted,
	}
	if softCap := config.Get().DBSoftCapBytes; softCap > 0 {
		percentage := float64(sizeBytes) / float64(softCap) * 100
		body["percentage"] = percentage
		body["displayText"] = fmt.Sprintf("%s (%.1f%% of %s)", formatted, percentage, formatBytes(softCap))
	}
	c.JSON(http.StatusOK, body)
}

func telemetryTablesSize(db *gorm.DB) (int64, error) {
	var size int64
	if db.Dialector.Name() == "postgres" {
		err := db.Raw(
			`SELECT pg_total_relation_size('telemetry_events')
			      + pg_total_relation_size('orgs')
			      + pg_total_relation_size('teams')
			      + pg_total_relation_size('team_orgs')`).Scan(&size).Error
		return size, err
	}
	err := db.Raw(`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&size).Error
	return size, err
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
