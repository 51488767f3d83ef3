package auth

import (
	"context"
	"strings"
	"time"

	"channelhub.cn/internal/audit"
	"channelhub.cn/internal/obs"
)

// Audit actions emitted by the service.
const (
	actionLogin          = "auth.login"
	actionLoginFailed    = "auth.login.failed"
	actionLogout         = "auth.logout"
	actionRegister       = "auth.register"
	actionPasswordChange = "auth.password.change"
	actionFeishuLogin    = "auth.feishu.login"
	actionDirectorySync  = "auth.feishu.sync"
)

// Service orchestrates password verification, token issuance and the
// server-side refresh-token record to run the session lifecycle.
type Service struct {
	store  Store
	tokens *TokenIssuer
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source, for tests. The issuer shares it so
// claim timestamps and store expiries agree.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
			s.tokens.now = fn
		}
		return nil
	}
}

// NewService constructs the session service.
func NewService(store Store, tokenSecret string, opts ...ServiceOption) (*Service, error) {
	issuer, err := NewTokenIssuer(tokenSecret)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:  store,
		tokens: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Tokens exposes the issuer for the HTTP authn middleware.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

// RegisterInput carries the registration form.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Name     string
}

// Register creates an approved account with no role assigned. Registration
// never issues tokens; the caller logs in as a separate step.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Username == "" || in.Email == "" {
		return nil, ErrInvalidInput
	}
	users := s.store.Users(ctx)
	if _, err := users.FindByUsername(ctx, in.Username); err == nil {
		return nil, ErrDuplicateIdentity
	} else if err != ErrNotFound {
		return nil, err
	}
	if _, err := users.FindByEmail(ctx, in.Email); err == nil {
		return nil, ErrDuplicateIdentity
	} else if err != ErrNotFound {
		return nil, err
	}
	if violations := CheckPolicy(in.Password); len(violations) > 0 {
		return nil, &PolicyError{Violations: violations}
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Status:       StatusApproved,
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.emitAudit(ctx, user.ID, actionRegister, "")
	return user, nil
}

// LoginResult is what a successful (or short-circuited) login produces.
type LoginResult struct {
	User             *User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time

	// RequirePasswordChange marks the reduced session: TempToken is set,
	// the refresh fields are empty and no server-side record was written.
	RequirePasswordChange bool
	TempToken             string
}

// Login authenticates by email and password.
//
// Unknown email and wrong password produce the same ErrInvalidCredentials so
// responses cannot be used for account enumeration; the audit trail records
// the specific reason. A rejected account gets ErrForbiddenAccount before any
// password feedback.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		s.emitAudit(ctx, "", actionLoginFailed, "empty credentials")
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if err == ErrNotFound {
			s.emitAudit(ctx, "", actionLoginFailed, "unknown email")
			obs.CountLogin("invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Status == StatusRejected {
		s.emitAudit(ctx, user.ID, actionLoginFailed, "rejected account")
		obs.CountLogin("forbidden")
		return nil, ErrForbiddenAccount
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.emitAudit(ctx, user.ID, actionLoginFailed, "wrong password")
		obs.CountLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if user.RequirePasswordChange {
		temp, _, err := s.tokens.IssueTemp(user)
		if err != nil {
			return nil, err
		}
		obs.CountLogin("password_change_required")
		return &LoginResult{User: user, RequirePasswordChange: true, TempToken: temp}, nil
	}
	result, err := s.openSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.emitLoginEvent(ctx, user.ID, "login")
	s.emitAudit(ctx, user.ID, actionLogin, "")
	obs.CountLogin("success")
	return result, nil
}

// openSession issues an access/refresh pair and overwrites the user's
// server-side session record.
func (s *Service) openSession(ctx context.Context, user *User) (*LoginResult, error) {
	access, accessExp, err := s.tokens.IssueAccess(user)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(user)
	if err != nil {
		return nil, err
	}
	if err := s.store.RefreshTokens(ctx).Save(ctx, user.ID, refresh, refreshExp); err != nil {
		return nil, err
	}
	return &LoginResult{
		User:             user,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh exchanges a structurally valid, still-registered refresh token for
// a new access token. The refresh token itself is never rotated.
//
// Store validation is authoritative: a token superseded by a later login or
// revoked by logout fails with ErrRevokedToken even though its own signature
// and expiry already checked out.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	claims, err := s.tokens.Verify(refreshToken)
	if err != nil {
		obs.CountRefresh("invalid")
		return "", time.Time{}, err
	}
	if claims.Scope != ScopeRefresh {
		obs.CountRefresh("invalid")
		return "", time.Time{}, ErrTokenMalformed
	}
	ok, err := s.store.RefreshTokens(ctx).Validate(ctx, claims.UserID, refreshToken)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		obs.CountRefresh("revoked")
		return "", time.Time{}, ErrRevokedToken
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.UserID)
	if err != nil {
		if err == ErrNotFound {
			return "", time.Time{}, ErrRevokedToken
		}
		return "", time.Time{}, err
	}
	access, exp, err := s.tokens.IssueAccess(user)
	if err != nil {
		return "", time.Time{}, err
	}
	obs.CountRefresh("success")
	return access, exp, nil
}

// Logout revokes the user's refresh-token record. Revocation and event
// writes are best-effort; the caller clears cookies regardless.
func (s *Service) Logout(ctx context.Context, userID string) {
	if err := s.store.RefreshTokens(ctx).Revoke(ctx, userID); err != nil {
		obs.Logger().Printf(`{"level":"warn","msg":"refresh token revoke failed","user_id":%q}`, userID)
	}
	s.emitLoginEvent(ctx, userID, "logout")
	s.emitAudit(ctx, userID, actionLogout, "")
}

// ChangePassword re-verifies the current password, applies the policy to the
// new one, then swaps the hash and clears the forced-change flag. A wrong
// current password mutates nothing.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, currentPassword); err != nil {
		s.emitAudit(ctx, userID, actionPasswordChange, "current password mismatch")
		return ErrInvalidCredentials
	}
	if violations := CheckPolicy(newPassword); len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, userID, hash, false); err != nil {
		return err
	}
	s.emitAudit(ctx, userID, actionPasswordChange, "")
	return nil
}

// CurrentUser returns the sanitized account for the session payload read
// used by the CRUD controllers.
func (s *Service) CurrentUser(ctx context.Context, userID string) (*User, error) {
	return s.store.Users(ctx).Find(ctx, userID)
}

// LoginWithFeishu resolves the external profile for an authorization code and
// opens a session exactly as password login does, skipping the password and
// forced-change gates. A rejected account is refused before token issuance.
func (s *Service) LoginWithFeishu(ctx context.Context, profile ExternalProfile) (*LoginResult, error) {
	linker := NewLinker(s.store)
	user, _, err := linker.Resolve(ctx, profile)
	if err != nil {
		return nil, err
	}
	if user.Status == StatusRejected {
		s.emitAudit(ctx, user.ID, actionLoginFailed, "rejected account (feishu)")
		obs.CountLogin("forbidden")
		return nil, ErrForbiddenAccount
	}
	result, err := s.openSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.emitLoginEvent(ctx, user.ID, "login")
	s.emitAudit(ctx, user.ID, actionFeishuLogin, "")
	obs.CountLogin("success")
	return result, nil
}

// Directory enumerates the external org tree for bulk synchronization.
type Directory interface {
	ListDepartments(ctx context.Context) ([]string, error)
	ListDepartmentMembers(ctx context.Context, departmentID string) ([]ExternalProfile, error)
}

// SyncReport summarizes one directory sync run.
type SyncReport struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// SyncDirectory walks every department and resolves each member once per run,
// deduplicated by primary external id. Resolve's lookup makes separate runs
// idempotent.
func (s *Service) SyncDirectory(ctx context.Context, dir Directory) (SyncReport, error) {
	departments, err := dir.ListDepartments(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	linker := NewLinker(s.store)
	seen := make(map[string]struct{})
	var report SyncReport
	for _, dept := range departments {
		members, err := dir.ListDepartmentMembers(ctx, dept)
		if err != nil {
			return SyncReport{}, err
		}
		for _, member := range members {
			if member.OpenID == "" {
				continue
			}
			if _, ok := seen[member.OpenID]; ok {
				continue
			}
			seen[member.OpenID] = struct{}{}
			report.Total++
			_, created, err := linker.Resolve(ctx, member)
			if err != nil {
				return report, err
			}
			if created {
				report.Created++
				obs.CountSyncUser("created")
			} else {
				report.Skipped++
				obs.CountSyncUser("skipped")
			}
		}
	}
	s.emitAudit(ctx, "", actionDirectorySync, "")
	return report, nil
}

// emitAudit appends to the audit trail and the structured audit log.
// Failures are swallowed: side-channel writes never fail the primary path.
func (s *Service) emitAudit(ctx context.Context, userID, action, detail string) {
	entry := &AuditEntry{
		OccurredAt: s.now().UTC(),
		UserID:     userID,
		Action:     action,
		Detail:     detail,
		RequestID:  audit.RequestIDFromContext(ctx),
	}
	_ = s.store.Audit(ctx).Append(ctx, entry)
	fields := map[string]any{}
	if userID != "" {
		fields["user_id"] = userID
	}
	if detail != "" {
		fields["detail"] = detail
	}
	_ = audit.LogEvent(ctx, action, fields)
}

func (s *Service) emitLoginEvent(ctx context.Context, userID, kind string) {
	_ = s.store.Events(ctx).Append(ctx, &LoginEvent{
		UserID:     userID,
		Kind:       kind,
		OccurredAt: s.now().UTC(),
	})
}
