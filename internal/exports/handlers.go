package exports

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telemetry-backend/internal/database"
	apperrors "telemetry-backend/internal/errors"
	"telemetry-backend/internal/metrics"
	"telemetry-backend/internal/models"
	"telemetry-backend/pkg/utils"
)

var log = logrus.WithField("component", "exports")

const (
	exportVersion   = "1.0"
	exportBatchSize = 1000
)

// exportedUser carries the password hash, unlike the API user shape, so a
// restored database keeps working credentials.
type exportedUser struct {
	ID           uint       `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Role         string     `json:"role"`
	Active       bool       `json:"active"`
	MFAEnabled   bool       `json:"mfa_enabled,omitempty"`
	MFASecret    string     `json:"mfa_secret,omitempty"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// exportedTeam embeds the org memberships so team_orgs rows survive a
// round trip without exposing internal link-table ids.
type exportedTeam struct {
	ID    uint     `json:"id"`
	Name  string   `json:"name"`
	Color string   `json:"color,omitempty"`
	Logo  []byte   `json:"logo,omitempty"`
	Orgs  []string `json:"orgs"`
}

// HandleExportDatabase streams the full database as one JSON document.
// Events are read in batches and written as they go, so memory stays
// bounded no matter how large the event table is.
func HandleExportDatabase(c *gin.Context) {
	if c.GetString("role") != models.RoleAdministrator {
		c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN", "message": "Administrator access required"})
		return
	}

	db := database.DB.WithContext(c.Request.Context())

	// A repeatable-read snapshot keeps the dump consistent while ingest
	// continues writing. SQLite readers get snapshot semantics already.
	tx := db
	inTx := false
	if database.DB.Dialector.Name() == "postgres" {
		tx = db.Begin(&sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
		if tx.Error != nil {
			utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(tx.Error, "DATABASE_ERROR", "Failed to begin export snapshot"))
			return
		}
		inTx = true
		defer tx.Rollback()
	}

	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="telemetry-export-%s.json"`, time.Now().UTC().Format("2006-01-02")))
	c.Status(http.StatusOK)

	w := c.Writer
	writeString := func(s string) bool {
		_, err := w.WriteString(s)
		if err != nil {
			log.WithError(err).Warn("export stream aborted by client")
		}
		return err == nil
	}

	if !writeString(fmt.Sprintf(`{"version":%q,"exportDate":%q,"data":{`, exportVersion, time.Now().UTC().Format(time.RFC3339))) {
		return
	}

	if !streamEvents(tx, w) {
		return
	}

	users, err := collectUsers(tx)
	if err != nil {
		log.WithError(err).Error("export failed reading users")
		return
	}
	orgs := []models.Org{}
	if err := tx.Order("server_id ASC").Find(&orgs).Error; err != nil {
		log.WithError(err).Error("export failed reading orgs")
		return
	}
	teams, err := collectTeams(tx)
	if err != nil {
		log.WithError(err).Error("export failed reading teams")
		return
	}

	if !writeJSONField(w, "users", users) || !writeJSONField(w, "orgs", orgs) || !writeJSONField(w, "teams", teams) {
		return
	}

	if !writeString(`}}`) {
		return
	}
	w.Flush()

	if inTx {
		tx.Commit()
	}
	log.WithField("users", len(users)).WithField("orgs", len(orgs)).WithField("teams", len(teams)).Info("database export streamed")
}

func streamEvents(tx *gorm.DB, w gin.ResponseWriter) bool {
	if _, err := w.WriteString(`"events":[`); err != nil {
		return false
	}

	first := true
	var batch []models.TelemetryEvent
	result := tx.Model(&models.TelemetryEvent{}).Order("id ASC").
		FindInBatches(&batch, exportBatchSize, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				data, err := json.Marshal(&batch[i])
				if err != nil {
					return err
				}
				if !first {
					if _, err := w.WriteString(","); err != nil {
						return err
					}
				}
				first = false
				if _, err := w.Write(data); err != nil {
					return err
				}
			}
			w.Flush()
			return nil
		})
	if result.Error != nil {
		log.WithError(result.Error).Error("export failed streaming events")
		return false
	}

	_, err := w.WriteString(`],`)
	return err == nil
}

func writeJSONField(w gin.ResponseWriter, name string, value interface{}) bool {
	data, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithField("field", name).Error("export failed encoding field")
		return false
	}
	if _, err := fmt.Fprintf(w, "%q:%s", name, data); err != nil {
		return false
	}
	// The last field has no trailing comma; callers close the object.
	if name != "teams" {
		_, err = w.WriteString(",")
	}
	return err == nil
}

func collectUsers(tx *gorm.DB) ([]exportedUser, error) {
	var users []models.User
	if err := tx.Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]exportedUser, 0, len(users))
	for _, u := range users {
		out = append(out, exportedUser{
			ID:           u.ID,
			Username:     u.Username,
			PasswordHash: u.Password,
			Role:         u.Role,
			Active:       u.Active,
			MFAEnabled:   u.MFAEnabled,
			MFASecret:    u.MFASecret,
			LastLogin:    u.LastLogin,
			CreatedAt:    u.CreatedAt,
		})
	}
	return out, nil
}

func collectTeams(tx *gorm.DB) ([]exportedTeam, error) {
	var teams []models.Team
	if err := tx.Order("id ASC").Find(&teams).Error; err != nil {
		return nil, err
	}
	var links []models.TeamOrg
	if err := tx.Order("team_id ASC, server_id ASC").Find(&links).Error; err != nil {
		return nil, err
	}
	orgsByTeam := make(map[uint][]string)
	for _, l := range links {
		orgsByTeam[l.TeamID] = append(orgsByTeam[l.TeamID], l.ServerID)
	}

	out := make([]exportedTeam, 0, len(teams))
	for _, t := range teams {
		orgs := orgsByTeam[t.ID]
		if orgs == nil {
			orgs = []string{}
		}
		out = append(out, exportedTeam{ID: t.ID, Name: t.Name, Color: t.Color, Logo: t.Logo, Orgs: orgs})
	}
	return out, nil
}

type importDocument struct {
	Version    string `json:"version"`
	ExportDate string `json:"exportDate"`
	Data       struct {
		Events []models.TelemetryEvent `json:"events"`
		Users  []exportedUser          `json:"users"`
		Orgs   []models.Org            `json:"orgs"`
		Teams  []exportedTeam          `json:"teams"`
	} `json:"data"`
}

// HandleImportDatabase merges an export document into the database inside a
// single transaction. Rows are upserted by natural key in dependency order
// so references resolve. Per-row validation failures are collected; any
// database fault rolls the whole import back.
func HandleImportDatabase(c *gin.Context) {
	if c.GetString("role") != models.RoleAdministrator {
		c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN", "message": "Administrator access required"})
		return
	}

	var doc importDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": "Request body must be a valid export document"})
		return
	}
	if major := strings.SplitN(doc.Version, ".", 2)[0]; major != "1" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_FAILED", "message": fmt.Sprintf("Unsupported export version %q", doc.Version)})
		return
	}

	// Serializable isolation keeps concurrent ingest from interleaving with
	// the tables being rewritten. SQLite writers are serialized by design.
	var txOpts []*sql.TxOptions
	if database.DB.Dialector.Name() == "postgres" {
		txOpts = append(txOpts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	imported := 0
	rowErrors := []string{}

	err := database.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		n, errs, err := importOrgs(tx, doc.Data.Orgs)
		imported += n
		rowErrors = append(rowErrors, errs...)
		if err != nil {
			return err
		}

		n, errs, err = importTeams(tx, doc.Data.Teams)
		imported += n
		rowErrors = append(rowErrors, errs...)
		if err != nil {
			return err
		}

		n, errs, err = importUsers(tx, doc.Data.Users)
		imported += n
		rowErrors = append(rowErrors, errs...)
		if err != nil {
			return err
		}

		n, errs, err = importEvents(tx, doc.Data.Events)
		imported += n
		rowErrors = append(rowErrors, errs...)
		return err
	}, txOpts...)
	if err != nil {
		log.WithError(err).Error("database import rolled back")
		utils.SendErrorResponse(c, http.StatusInternalServerError, apperrors.Wrap(err, "IMPORT_FAILED", "Import failed and was rolled back"))
		return
	}

	log.WithField("imported", imported).WithField("row_errors", len(rowErrors)).Info("database import committed")
	c.JSON(http.StatusOK, gin.H{"imported": imported, "errors": rowErrors})
}

func importOrgs(tx *gorm.DB, orgs []models.Org) (int, []string, error) {
	count := 0
	var errs []string
	for i := range orgs {
		org := orgs[i]
		if org.ServerID == "" {
			errs = append(errs, fmt.Sprintf("orgs[%d]: missing server_id", i))
			continue
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "server_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"company_name", "updated_at"}),
		}).Create(&org).Error
		if err != nil {
			return count, errs, fmt.Errorf("orgs[%d] (%s): %w", i, org.ServerID, err)
		}
		count++
	}
	metrics.ImportRows.WithLabelValues("orgs").Add(float64(count))
	return count, errs, nil
}

func importTeams(tx *gorm.DB, teams []exportedTeam) (int, []string, error) {
	count := 0
	var errs []string
	for i, in := range teams {
		if in.Name == "" {
			errs = append(errs, fmt.Sprintf("teams[%d]: missing name", i))
			continue
		}
		team := models.Team{Name: in.Name, Color: in.Color, Logo: in.Logo}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"color", "logo", "updated_at"}),
		}).Create(&team).Error
		if err != nil {
			return count, errs, fmt.Errorf("teams[%d] (%s): %w", i, in.Name, err)
		}

		// Upserts do not report the surviving id on every dialect, so
		// re-read before rewriting the membership rows.
		if err := tx.Where("name = ?", in.Name).First(&team).Error; err != nil {
			return count, errs, fmt.Errorf("teams[%d] (%s): %w", i, in.Name, err)
		}
		if err := tx.Where("team_id = ?", team.ID).Delete(&models.TeamOrg{}).Error; err != nil {
			return count, errs, fmt.Errorf("teams[%d] (%s): %w", i, in.Name, err)
		}
		for _, serverID := range in.Orgs {
			if serverID == "" {
				continue
			}
			link := models.TeamOrg{TeamID: team.ID, ServerID: serverID}
			if err := tx.Create(&link).Error; err != nil {
				return count, errs, fmt.Errorf("teams[%d] (%s) org %s: %w", i, in.Name, serverID, err)
			}
		}
		count++
	}
	metrics.ImportRows.WithLabelValues("teams").Add(float64(count))
	return count, errs, nil
}

func importUsers(tx *gorm.DB, users []exportedUser) (int, []string, error) {
	count := 0
	var errs []string
	for i, in := range users {
		if in.Username == "" || in.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("users[%d]: missing username or password_hash", i))
			continue
		}
		if !models.IsValidRole(in.Role) {
			errs = append(errs, fmt.Sprintf("users[%d] (%s): unknown role %q", i, in.Username, in.Role))
			continue
		}
		user := models.User{
			Username:   in.Username,
			Password:   in.PasswordHash,
			Role:       in.Role,
			Active:     in.Active,
			MFAEnabled: in.MFAEnabled,
			MFASecret:  in.MFASecret,
			LastLogin:  in.LastLogin,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"password", "role", "active", "mfa_enabled", "mfa_secret", "updated_at"}),
		}).Create(&user).Error
		if err != nil {
			return count, errs, fmt.Errorf("users[%d] (%s): %w", i, in.Username, err)
		}
		count++
	}
	metrics.ImportRows.WithLabelValues("users").Add(float64(count))
	return count, errs, nil
}

func importEvents(tx *gorm.DB, events []models.TelemetryEvent) (int, []string, error) {
	count := 0
	var errs []string

	// Events with an idempotency key upsert on (server_id, event_id); the
	// rest keep their exported primary key so repeat imports stay stable.
	var keyed, unkeyed []models.TelemetryEvent
	for i := range events {
		e := events[i]
		if e.Event == "" || e.Timestamp.IsZero() {
			errs = append(errs, fmt.Sprintf("events[%d]: missing event or timestamp", i))
			continue
		}
		e.ID = events[i].ID
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = e.Timestamp
		}
		if e.EventID != "" && e.ServerID != "" {
			keyed = append(keyed, e)
		} else {
			unkeyed = append(unkeyed, e)
		}
	}

	for start := 0; start < len(keyed); start += exportBatchSize {
		end := start + exportBatchSize
		if end > len(keyed) {
			end = len(keyed)
		}
		batch := keyed[start:end]
		for i := range batch {
			batch[i].ID = 0
		}
		// Rows sharing a natural key replace what is already stored, so an
		// import carrying corrected payloads wins over stale data.
		err := tx.Clauses(clause.OnConflict{
			Columns:     []clause.Column{{Name: "server_id"}, {Name: "event_id"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{gorm.Expr("event_id <> ''")}},
			DoUpdates: clause.AssignmentColumns([]string{
				"event", "timestamp", "version", "session_id", "user_id", "data", "received_at",
			}),
		}).Create(&batch).Error
		if err != nil {
			return count, errs, fmt.Errorf("events batch at %d: %w", start, err)
		}
		count += len(batch)
	}

	for start := 0; start < len(unkeyed); start += exportBatchSize {
		end := start + exportBatchSize
		if end > len(unkeyed) {
			end = len(unkeyed)
		}
		batch := unkeyed[start:end]
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&batch).Error
		if err != nil {
			return count, errs, fmt.Errorf("events batch at %d: %w", start, err)
		}
		count += len(batch)
	}

	metrics.ImportRows.WithLabelValues("events").Add(float64(count))
	return count, errs, nil
}
