package models

import (
	"database/sql/driver"
	"errors"
	"time"
)

// User roles, ordered by privilege.
const (
	RoleBasic         = "basic"
	RoleAdvanced      = "advanced"
	RoleAdministrator = "administrator"
)

var roleRank = map[string]int{
	RoleBasic:         1,
	RoleAdvanced:      2,
	RoleAdministrator: 3,
}

// IsValidRole reports whether role is one of the known roles.
func IsValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// RoleAtLeast reports whether role carries at least the privilege of minimum.
func RoleAtLeast(role, minimum string) bool {
	return roleRank[role] >= roleRank[minimum]
}

type User struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	Username string `json:"username" gorm:"uniqueIndex;size:128"`
	Password string `json:"-"`
	Role     string `json:"role" gorm:"size:32;default:'basic'"`
	Active   bool   `json:"active" gorm:"default:true"`

	FailedLoginAttempts int        `json:"-" gorm:"default:0"`
	LockedUntil         *time.Time `json:"-"`
	LastFailedLogin     *time.Time `json:"-"`

	// MFA fields
	MFAEnabled bool   `json:"mfa_enabled" gorm:"default:false"`
	MFASecret  string `json:"-"`

	LastLogin *time.Time `json:"last_login"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TelemetryEvent is an append-only record posted by a fleet agent.
type TelemetryEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Event     string    `json:"event" gorm:"size:64;index:idx_telemetry_events_event_timestamp,priority:1"`
	Timestamp time.Time `json:"timestamp" gorm:"index;index:idx_telemetry_events_event_timestamp,priority:2"`
	ServerID  string    `json:"server_id" gorm:"size:255;index"`
	Version   string    `json:"version,omitempty" gorm:"size:64"`
	SessionID string    `json:"session_id,omitempty" gorm:"size:255;index"`
	UserID    string    `json:"user_id,omitempty" gorm:"size:255;index"`
	// EventID is the caller-supplied idempotency key, empty when the agent
	// did not send one. Uniqueness of (server_id, event_id) is enforced by a
	// partial index created in database.EnsureIndexes.
	EventID    string    `json:"event_id,omitempty" gorm:"size:255"`
	Data       JSON      `json:"data,omitempty" gorm:"type:json"`
	ReceivedAt time.Time `json:"received_at" gorm:"index"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName keeps the table name the dashboard queries were written against.
func (TelemetryEvent) TableName() string {
	return "telemetry_events"
}

// Org groups events reported under one server_id.
type Org struct {
	ServerID    string    `json:"server_id" gorm:"primaryKey;size:255"`
	CompanyName *string   `json:"company_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Org) TableName() string {
	return "orgs"
}

// Team maps a set of orgs to a display name and color for the rankings.
type Team struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;size:128"`
	Color     string    `json:"color" gorm:"size:32"`
	Logo      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TeamOrg is the many-to-many link between teams and orgs.
type TeamOrg struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	TeamID   uint   `json:"team_id" gorm:"index:idx_team_orgs_team_server,priority:1"`
	ServerID string `json:"server_id" gorm:"size:255;index:idx_team_orgs_team_server,priority:2;index"`
}

func (TeamOrg) TableName() string {
	return "team_orgs"
}

// UserSession is the server-side record behind a session cookie. The cookie
// carries a signed token whose hash must resolve to a live row here, so
// revocation and TTL enforcement never depend on the client.
type UserSession struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	UserID     uint       `json:"user_id" gorm:"index"`
	TokenHash  string     `json:"-" gorm:"uniqueIndex;size:64"`
	CSRFToken  string     `json:"-" gorm:"size:64"`
	IPAddress  string     `json:"ip_address" gorm:"size:64"`
	UserAgent  string     `json:"user_agent" gorm:"size:255"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (UserSession) TableName() string {
	return "user_sessions"
}

// JSON stores raw JSON bytes in a database column.
type JSON []byte

// Value implements the driver.Valuer interface
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = JSON(v)
		return nil
	case string:
		*j = JSON(v)
		return nil
	default:
		return errors.New("cannot scan into JSON")
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = JSON(data)
	return nil
}

// MarshalJSON implements the json.Marshaler interface
func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}
