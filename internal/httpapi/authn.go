package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"channelhub.cn/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Routes reachable without a session. Logout stays public so cookies can be
// cleared even when the session is already gone.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/auth/register",
	"/auth/login",
	"/auth/logout",
	"/auth/refresh",
	"/auth/feishu/login",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.authenticate(r)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate runs the single verification path behind both trust carriers:
// the session cookie is tried first, then the Authorization header. Tokens
// with the password-change scope open only the change-password endpoint;
// refresh tokens are never session credentials.
func (a *API) authenticate(r *http.Request) (auth.Principal, error) {
	token := extractToken(r)
	if token == "" {
		return auth.Principal{}, errors.New("missing credentials")
	}
	claims, err := a.svc.Tokens().Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return auth.Principal{}, errors.New("token expired")
		}
		return auth.Principal{}, errors.New("invalid token")
	}
	switch claims.Scope {
	case auth.ScopeSession:
	case auth.ScopePasswordChange:
		if r.URL.Path != "/auth/change-password" {
			return auth.Principal{}, errors.New("password change required")
		}
	default:
		return auth.Principal{}, errors.New("invalid token")
	}
	return auth.Principal{
		UserID:   claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		Role:     claims.Role,
		Scope:    claims.Scope,
	}, nil
}

func extractToken(r *http.Request) string {
	if c, err := r.Cookie(accessCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

// RequireRole gates a handler on an exact role match. It runs after withAuth,
// so a missing principal means missing credentials rather than a bug.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			if !principal.HasRole(role) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, r, http.StatusUnauthorized, msg)
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
