package auth

import "time"

// Role is assigned by an administrator after registration. A user without a
// role can authenticate but holds zero privileges.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleDistributor Role = "distributor"
	RoleStaff       Role = "staff"
)

// Account review states.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// User represents a local account. PasswordHash is empty for accounts that
// only ever signed in through Feishu.
type User struct {
	ID                    string
	Username              string
	Email                 string
	PasswordHash          string
	Name                  string
	Phone                 string
	Avatar                string
	Role                  *Role
	Status                string
	RequirePasswordChange bool
	FeishuID              string
	FeishuUnionID         string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasRole reports whether the user holds the given role.
func (u *User) HasRole(role Role) bool {
	return u.Role != nil && *u.Role == role
}

// SanitizedUser is the wire representation of a user: everything except the
// password hash and external identifiers.
type SanitizedUser struct {
	ID                    string    `json:"id"`
	Username              string    `json:"username,omitempty"`
	Email                 string    `json:"email,omitempty"`
	Name                  string    `json:"name,omitempty"`
	Phone                 string    `json:"phone,omitempty"`
	Avatar                string    `json:"avatar,omitempty"`
	Role                  *Role     `json:"role"`
	Status                string    `json:"status"`
	RequirePasswordChange bool      `json:"require_password_change"`
	CreatedAt             time.Time `json:"created_at"`
}

// Sanitize strips credentials and directory identifiers for responses.
func (u *User) Sanitize() SanitizedUser {
	return SanitizedUser{
		ID:                    u.ID,
		Username:              u.Username,
		Email:                 u.Email,
		Name:                  u.Name,
		Phone:                 u.Phone,
		Avatar:                u.Avatar,
		Role:                  u.Role,
		Status:                u.Status,
		RequirePasswordChange: u.RequirePasswordChange,
		CreatedAt:             u.CreatedAt,
	}
}

// RefreshTokenRecord is the single server-side session record for a user.
// Saving a new record silently invalidates the previous one.
type RefreshTokenRecord struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ExternalProfile is what the directory provider returns for one member.
type ExternalProfile struct {
	OpenID  string
	UnionID string
	Name    string
	Email   string
	Phone   string
	Avatar  string
}

// AuditEntry is an append-only record of an authentication event.
type AuditEntry struct {
	ID         string
	OccurredAt time.Time
	UserID     string
	Action     string
	Detail     string
	RequestID  string
}

// LoginEvent feeds the analytics event log, written on successful login and
// logout only.
type LoginEvent struct {
	ID         string
	UserID     string
	Kind       string
	OccurredAt time.Time
}
