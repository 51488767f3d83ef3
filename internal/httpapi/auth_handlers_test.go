package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channelhub.cn/internal/auth"
)

const testPassword = "Str0ng&Secret!"

func newTestAPI(t *testing.T, opts Options) (*API, *auth.MemoryStore) {
	t.Helper()
	store := auth.NewMemoryStore()
	svc, err := auth.NewService(store, "test-secret")
	require.NoError(t, err)
	return New(svc, opts), store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range mutate {
		fn(req)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func registerAndLogin(t *testing.T, handler http.Handler) []*http.Cookie {
	t.Helper()
	rr := doJSON(t, handler, http.MethodPost, "/auth/register", map[string]string{
		"username": "hana", "email": "hana@example.com", "password": testPassword, "name": "Hana",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "hana@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Result().Cookies()
}

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRegisterValidation(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	handler := api.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/auth/register", map[string]string{
		"username": "hana", "email": "hana@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	user := decodeBody(t, rr)["user"].(map[string]any)
	require.Equal(t, "hana", user["username"])
	require.Nil(t, user["role"])
	// The hash never leaves the server.
	require.NotContains(t, rr.Body.String(), "password_hash")
	require.NotContains(t, rr.Body.String(), testPassword)

	rr = doJSON(t, handler, http.MethodPost, "/auth/register", map[string]string{
		"username": "hana", "email": "other@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, handler, http.MethodPost, "/auth/register", map[string]string{
		"username": "weak", "email": "weak@example.com", "password": "weak",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.NotEmpty(t, decodeBody(t, rr)["violations"])

	rr = doJSON(t, handler, http.MethodGet, "/auth/register", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestLoginSetsSessionCookies(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	handler := api.Handler()
	cookies := registerAndLogin(t, handler)

	access := cookieByName(cookies, "token")
	refresh := cookieByName(cookies, "refreshToken")
	require.NotNil(t, access)
	require.NotNil(t, refresh)
	for _, c := range []*http.Cookie{access, refresh} {
		require.True(t, c.HttpOnly)
		require.Equal(t, "/", c.Path)
		require.False(t, c.Secure)
		require.Equal(t, http.SameSiteLaxMode, c.SameSite)
	}
	require.WithinDuration(t, time.Now().Add(auth.AccessTokenTTL), access.Expires, time.Minute)
	require.WithinDuration(t, time.Now().Add(auth.RefreshTokenTTL), refresh.Expires, time.Minute)
}

func TestLoginProductionCookieAttributes(t *testing.T) {
	api, _ := newTestAPI(t, Options{Production: true})
	handler := api.Handler()
	cookies := registerAndLogin(t, handler)

	access := cookieByName(cookies, "token")
	require.NotNil(t, access)
	require.True(t, access.Secure)
	require.Equal(t, http.SameSiteStrictMode, access.SameSite)
}

func TestLoginFailureStatuses(t *testing.T) {
	api, store := newTestAPI(t, Options{})
	handler := api.Handler()
	registerAndLogin(t, handler)

	rr := doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "hana@example.com", "password": "Wrong-Passw0rd!",
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	wrongBody := decodeBody(t, rr)["error"]

	rr = doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "ghost@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	// Unknown account and wrong password are indistinguishable on the wire.
	require.Equal(t, wrongBody, decodeBody(t, rr)["error"])

	user, err := store.Users(context.Background()).FindByEmail(context.Background(), "hana@example.com")
	require.NoError(t, err)
	setStatus(t, store, user.ID, auth.StatusRejected)

	rr = doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "hana@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Empty(t, rr.Result().Cookies())
}

func TestLoginForcedPasswordChangeFlow(t *testing.T) {
	api, store := newTestAPI(t, Options{})
	handler := api.Handler()
	registerAndLogin(t, handler)

	user, err := store.Users(context.Background()).FindByEmail(context.Background(), "hana@example.com")
	require.NoError(t, err)
	require.NoError(t, store.Users(context.Background()).UpdatePassword(context.Background(), user.ID, user.PasswordHash, true))

	rr := doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "hana@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["require_password_change"])
	temp, _ := body["temp_token"].(string)
	require.NotEmpty(t, temp)
	require.Empty(t, rr.Result().Cookies())

	// The temp token opens only the change-password endpoint.
	rr = doJSON(t, handler, http.MethodGet, "/auth/me", nil, withBearer(temp))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, handler, http.MethodPost, "/auth/change-password", map[string]string{
		"current_password": testPassword, "new_password": "New-Str0ng&Secret!",
	}, withBearer(temp))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "hana@example.com", "password": "New-Str0ng&Secret!",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, rr.Result().Cookies())
}

func TestRefreshFromCookie(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	handler := api.Handler()
	cookies := registerAndLogin(t, handler)
	refresh := cookieByName(cookies, "refreshToken")

	rr := doJSON(t, handler, http.MethodPost, "/auth/refresh", nil, withCookie(refresh))
	require.Equal(t, http.StatusOK, rr.Code)
	// The body carries the token for interceptor-style clients alongside
	// the freshened cookie.
	body := decodeBody(t, rr)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	newAccess := cookieByName(rr.Result().Cookies(), "token")
	require.NotNil(t, newAccess)
	require.Equal(t, token, newAccess.Value)

	rr = doJSON(t, handler, http.MethodPost, "/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogoutRevokesAndClearsCookies(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	handler := api.Handler()
	cookies := registerAndLogin(t, handler)
	access := cookieByName(cookies, "token")
	refresh := cookieByName(cookies, "refreshToken")

	rr := doJSON(t, handler, http.MethodPost, "/auth/logout", nil, withCookie(access), withCookie(refresh))
	require.Equal(t, http.StatusOK, rr.Code)
	for _, name := range []string{"token", "refreshToken"} {
		cleared := cookieByName(rr.Result().Cookies(), name)
		require.NotNil(t, cleared)
		require.Less(t, cleared.MaxAge, 0)
	}

	// The superseded refresh token no longer works.
	rr = doJSON(t, handler, http.MethodPost, "/auth/refresh", nil, withCookie(refresh))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Logout with no session still clears cookies.
	rr = doJSON(t, handler, http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rr.Result().Cookies(), 2)
}

func TestSecondLoginInvalidatesFirstRefreshCookie(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	handler := api.Handler()
	first := cookieByName(registerAndLogin(t, handler), "refreshToken")

	rr := doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "hana@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	second := cookieByName(rr.Result().Cookies(), "refreshToken")

	rr = doJSON(t, handler, http.MethodPost, "/auth/refresh", nil, withCookie(first))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = doJSON(t, handler, http.MethodPost, "/auth/refresh", nil, withCookie(second))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMeReturnsSanitizedUser(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	handler := api.Handler()
	access := cookieByName(registerAndLogin(t, handler), "token")

	rr := doJSON(t, handler, http.MethodGet, "/auth/me", nil, withCookie(access))
	require.Equal(t, http.StatusOK, rr.Code)
	user := decodeBody(t, rr)["user"].(map[string]any)
	require.Equal(t, "hana@example.com", user["email"])
	require.NotContains(t, rr.Body.String(), "password_hash")

	rr = doJSON(t, handler, http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

type fakeProvider struct {
	profile  auth.ExternalProfile
	err      error
	members  map[string][]auth.ExternalProfile
	order    []string
	exchange int
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code string) (auth.ExternalProfile, error) {
	p.exchange++
	if p.err != nil {
		return auth.ExternalProfile{}, p.err
	}
	return p.profile, nil
}

func (p *fakeProvider) ListDepartments(context.Context) ([]string, error) {
	return p.order, nil
}

func (p *fakeProvider) ListDepartmentMembers(_ context.Context, id string) ([]auth.ExternalProfile, error) {
	return p.members[id], nil
}

func TestFeishuLogin(t *testing.T) {
	provider := &fakeProvider{profile: auth.ExternalProfile{OpenID: "ou_1", Name: "Hana"}}
	api, _ := newTestAPI(t, Options{Provider: provider})
	handler := api.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/auth/feishu/login", map[string]string{"code": "abc"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, provider.exchange)
	require.NotNil(t, cookieByName(rr.Result().Cookies(), "token"))
	require.NotNil(t, cookieByName(rr.Result().Cookies(), "refreshToken"))
}

func TestFeishuLoginRejectedAccount(t *testing.T) {
	provider := &fakeProvider{profile: auth.ExternalProfile{OpenID: "ou_1", Name: "Hana"}}
	api, store := newTestAPI(t, Options{Provider: provider})
	handler := api.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/auth/feishu/login", map[string]string{"code": "abc"})
	require.Equal(t, http.StatusOK, rr.Code)
	user, err := store.Users(context.Background()).FindByFeishuID(context.Background(), "ou_1")
	require.NoError(t, err)
	setStatus(t, store, user.ID, auth.StatusRejected)

	rr = doJSON(t, handler, http.MethodPost, "/auth/feishu/login", map[string]string{"code": "abc"})
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Empty(t, rr.Result().Cookies())
}

func TestFeishuSyncRequiresAdmin(t *testing.T) {
	provider := &fakeProvider{
		order:   []string{"eng"},
		members: map[string][]auth.ExternalProfile{"eng": {{OpenID: "ou_1", Name: "Hana"}}},
	}
	api, store := newTestAPI(t, Options{Provider: provider})
	handler := api.Handler()
	cookies := registerAndLogin(t, handler)
	access := cookieByName(cookies, "token")

	// Anonymous and non-admin callers are refused before any provider call.
	rr := doJSON(t, handler, http.MethodPost, "/auth/feishu/sync", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = doJSON(t, handler, http.MethodPost, "/auth/feishu/sync", nil, withCookie(access))
	require.Equal(t, http.StatusForbidden, rr.Code)

	user, err := store.Users(context.Background()).FindByEmail(context.Background(), "hana@example.com")
	require.NoError(t, err)
	setRole(t, store, user.ID, auth.RoleAdmin)

	// The cookie still carries the old role claim; a fresh login picks up
	// the promotion.
	rr = doJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{
		"email": "hana@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	adminAccess := cookieByName(rr.Result().Cookies(), "token")

	rr = doJSON(t, handler, http.MethodPost, "/auth/feishu/sync", nil, withCookie(adminAccess))
	require.Equal(t, http.StatusOK, rr.Code)
	report := decodeBody(t, rr)
	require.Equal(t, float64(1), report["created"])
	require.Equal(t, float64(1), report["total"])
}

// --- helpers ---

func setStatus(t *testing.T, store auth.Store, userID, status string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Users(ctx).UpdateStatus(ctx, userID, status))
}

func setRole(t *testing.T, store auth.Store, userID string, role auth.Role) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Users(ctx).UpdateRole(ctx, userID, &role))
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value}) }
}
