package httpapi

import (
	"net/http"
	"strings"
	"time"

	"channelhub.cn/internal/auth"
)

// Session cookie names shared with the client gateway.
const (
	accessCookie  = "token"
	refreshCookie = "refreshToken"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user.Sanitize()})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}

// writeLoginResult renders both login outcomes: the reduced password-change
// session gets a temp token and no cookies, a full session gets both cookies
// plus the access token in the body for header-based clients.
func (a *API) writeLoginResult(w http.ResponseWriter, result *auth.LoginResult) {
	if result.RequirePasswordChange {
		writeJSON(w, http.StatusOK, map[string]any{
			"require_password_change": true,
			"temp_token":              result.TempToken,
			"user":                    result.User.Sanitize(),
		})
		return
	}
	a.setCookie(w, accessCookie, result.AccessToken, result.AccessExpiresAt)
	a.setCookie(w, refreshCookie, result.RefreshToken, result.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      result.AccessToken,
		"expires_at": result.AccessExpiresAt,
		"user":       result.User.Sanitize(),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	// Cookies are cleared no matter what; revocation is best-effort and an
	// anonymous logout is still a 200. The route is public, so the session
	// is resolved here rather than by the authn middleware.
	if principal, err := a.authenticate(r); err == nil {
		a.svc.Logout(r.Context(), principal.UserID)
	}
	a.clearCookie(w, accessCookie)
	a.clearCookie(w, refreshCookie)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, r, http.StatusUnauthorized, "missing refresh token")
		return
	}
	access, expiresAt, err := a.svc.Refresh(r.Context(), cookie.Value)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.setCookie(w, accessCookie, access, expiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      access,
		"expires_at": expiresAt,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type feishuLoginRequest struct {
	Code string `json:"code"`
}

func (a *API) handleFeishuLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.provider == nil {
		writeError(w, r, http.StatusNotImplemented, "feishu login is not configured")
		return
	}
	var req feishuLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	profile, err := a.provider.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "identity provider exchange failed")
		return
	}
	result, err := a.svc.LoginWithFeishu(r.Context(), profile)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}

func (a *API) handleFeishuSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.provider == nil {
		writeError(w, r, http.StatusNotImplemented, "feishu sync is not configured")
		return
	}
	report, err := a.svc.SyncDirectory(r.Context(), a.provider)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}
	user, err := a.svc.CurrentUser(r.Context(), principal.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user.Sanitize()})
}

// --- cookies ---

func (a *API) setCookie(w http.ResponseWriter, name, value string, expiresAt time.Time) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if a.production {
		c.Secure = true
		c.SameSite = http.SameSiteStrictMode
	}
	http.SetCookie(w, c)
}

func (a *API) clearCookie(w http.ResponseWriter, name string) {
	c := &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if a.production {
		c.Secure = true
		c.SameSite = http.SameSiteStrictMode
	}
	http.SetCookie(w, c)
}
