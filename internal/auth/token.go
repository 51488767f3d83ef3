package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "channelhub"

// Token lifetimes. Access tokens cover a working day; refresh tokens a week.
const (
	AccessTokenTTL  = 8 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Token scopes. A password-change token carries the same claim shape as a
// session token but is only accepted by the change-password endpoint.
const (
	ScopeSession        = "session"
	ScopeRefresh        = "refresh"
	ScopePasswordChange = "password_change"
)

// Claims is the signed claim set shared by access, refresh and temporary
// tokens. Role is captured at issuance and stays stale until reissue.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     *Role  `json:"role"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuer creates and verifies signed, time-boxed tokens.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer constructs an issuer signing with HS256.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	return &TokenIssuer{secret: []byte(secret), now: time.Now}, nil
}

// IssueAccess signs an 8h session token for the user.
func (ti *TokenIssuer) IssueAccess(u *User) (string, time.Time, error) {
	return ti.sign(u, ScopeSession, AccessTokenTTL)
}

// IssueRefresh signs a 7d refresh token for the user.
func (ti *TokenIssuer) IssueRefresh(u *User) (string, time.Time, error) {
	return ti.sign(u, ScopeRefresh, RefreshTokenTTL)
}

// IssueTemp signs a reduced-scope token handed out when the account is
// flagged for a forced password change.
func (ti *TokenIssuer) IssueTemp(u *User) (string, time.Time, error) {
	return ti.sign(u, ScopePasswordChange, AccessTokenTTL)
}

func (ti *TokenIssuer) sign(u *User, scope string, ttl time.Duration) (string, time.Time, error) {
	now := ti.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks the token signature and claims. A naturally expired token
// fails with ErrTokenExpired; anything else that does not parse or verify
// fails with ErrTokenMalformed so callers can classify the two for audit.
func (ti *TokenIssuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenMalformed
		}
		return ti.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return ti.now().UTC() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.Issuer != issuer || strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
