package auth

import (
	"context"
	"time"
)

// Store describes persistence required by the session subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Audit(ctx context.Context) AuditStore
	Events(ctx context.Context) EventStore
}

// UserStore manages local accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByFeishuID(ctx context.Context, openID string) (*User, error)
	FindByFeishuUnionID(ctx context.Context, unionID string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string, requireChange bool) error
	UpdateProfile(ctx context.Context, userID, name, phone, avatar string) error
	// UpdateRole and UpdateStatus back the admin review flow; a nil role
	// strips all privileges.
	UpdateRole(ctx context.Context, userID string, role *Role) error
	UpdateStatus(ctx context.Context, userID, status string) error
}

// RefreshTokenStore keeps the single currently-valid refresh token per user.
//
// Save overwrites any existing record for the user unconditionally: issuing a
// new session silently invalidates the previous one at its next validation,
// even while the old token's own signature and expiry still hold. This
// single-flight contract is deliberate and must be preserved.
type RefreshTokenStore interface {
	Save(ctx context.Context, userID, token string, expiresAt time.Time) error
	Validate(ctx context.Context, userID, token string) (bool, error)
	Revoke(ctx context.Context, userID string) error
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
}

// EventStore appends analytics login/logout events.
type EventStore interface {
	Append(ctx context.Context, event *LoginEvent) error
}
