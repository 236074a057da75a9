package domain

import (
	"time"
)

// User is a tenant-scoped operator or driver account. (username, tenant)
// and (email, tenant) are unique within a tenant, not globally.
type User struct {
	ID    string      `json:"id" gorm:"primaryKey;size:36"`
	Audit AuditRecord `json:"audit" gorm:"embedded"`

	Username      string `json:"username" gorm:"size:100;not null;uniqueIndex:ux_user_name,priority:1"`
	Email         string `json:"email" gorm:"size:255;not null;uniqueIndex:ux_user_email,priority:1"`
	PasswordHash  string `json:"-" gorm:"column:password_hash"`
	FullName      string `json:"full_name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Active        bool   `json:"active"`

	FailedLogins int        `json:"failed_logins"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`

	Preferences map[string]string `json:"preferences,omitempty" gorm:"serializer:json"`

	Roles []Role `json:"roles,omitempty" gorm:"many2many:user_roles"`
}

func (User) TableName() string { return "users" }

// Locked reports whether the account is under a failed-login lockout.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Role is a tenant-scoped named permission set.
type Role struct {
	ID    string      `json:"id" gorm:"primaryKey;size:36"`
	Audit AuditRecord `json:"audit" gorm:"embedded"`

	Name        string       `json:"name" gorm:"size:100;not null"`
	Description string       `json:"description,omitempty"`
	System      bool         `json:"system"` // built-in roles cannot be edited
	Permissions []Permission `json:"permissions,omitempty" gorm:"many2many:role_permissions"`
}

func (Role) TableName() string { return "roles" }

// Permission is a global (resource, action) pair.
type Permission struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Resource string `json:"resource" gorm:"size:50;uniqueIndex:ux_perm,priority:1"`
	Action   string `json:"action" gorm:"size:50;uniqueIndex:ux_perm,priority:2"`
}

func (Permission) TableName() string { return "permissions" }

type TokenType string

const (
	TokenRFID       TokenType = "RFID"
	TokenNFC        TokenType = "NFC"
	TokenMobileApp  TokenType = "MOBILE_APP"
	TokenAPIKey     TokenType = "API_KEY"
	TokenCreditCard TokenType = "CREDIT_CARD"
	TokenBarcode    TokenType = "BARCODE"
	TokenBiometric  TokenType = "BIOMETRIC"
	TokenVehicleID  TokenType = "VEHICLE_ID"
	TokenCustom     TokenType = "CUSTOM"
)

// AuthTokenStatus is the idTagInfo status reported back over OCPP.
type AuthTokenStatus string

const (
	AuthAccepted AuthTokenStatus = "Accepted"
	AuthBlocked  AuthTokenStatus = "Blocked"
	AuthExpired  AuthTokenStatus = "Expired"
	AuthInvalid  AuthTokenStatus = "Invalid"
)

// AuthToken binds a charging credential (idTag) to a user.
type AuthToken struct {
	ID    string      `json:"id" gorm:"primaryKey;size:36"`
	Audit AuditRecord `json:"audit" gorm:"embedded"`

	UserID     string    `json:"user_id" gorm:"size:36;index"`
	TokenType  TokenType `json:"token_type" gorm:"size:20"`
	TokenValue string    `json:"token_value" gorm:"size:100;not null;uniqueIndex:ux_token_value,priority:1"`
	Label      string    `json:"label,omitempty"`
	// GroupID is reported as parentIdTag on OCPP 1.6 authorizations.
	GroupID string `json:"group_id,omitempty" gorm:"size:100"`

	Active     bool       `json:"active"`
	Blocked    bool       `json:"blocked"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func (AuthToken) TableName() string { return "auth_tokens" }

// Evaluate classifies the token for authorization at the given instant.
func (t *AuthToken) Evaluate(now time.Time) AuthTokenStatus {
	if t.Audit.Deleted || !t.Active {
		return AuthInvalid
	}
	if t.Blocked {
		return AuthBlocked
	}
	if t.ValidFrom != nil && now.Before(*t.ValidFrom) {
		return AuthInvalid
	}
	if t.ValidUntil != nil && now.After(*t.ValidUntil) {
		return AuthExpired
	}
	return AuthAccepted
}

// Valid reports whether the token authorizes charging right now.
func (t *AuthToken) Valid(now time.Time) bool {
	return t.Evaluate(now) == AuthAccepted
}
