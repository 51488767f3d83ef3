package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := New("app-id", "app-secret", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	return client, srv
}

func TestExchangeCode(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/open-apis/authen/v2/oauth/token":
			require.NoError(t, r.ParseForm())
			require.Equal(t, "the-code", r.Form.Get("code"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "user-token",
				"token_type":   "Bearer",
				"expires_in":   7200,
			})
		case "/open-apis/authen/v1/user_info":
			require.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{
					"open_id":    "ou_1",
					"union_id":   "on_1",
					"name":       "Wang Wei",
					"email":      "wang@example.com",
					"mobile":     "+8613800000000",
					"avatar_url": "https://cdn.example.com/a.png",
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	profile, err := client.ExchangeCode(context.Background(), "the-code")
	require.NoError(t, err)
	require.Equal(t, "ou_1", profile.OpenID)
	require.Equal(t, "on_1", profile.UnionID)
	require.Equal(t, "Wang Wei", profile.Name)
	require.Equal(t, "+8613800000000", profile.Phone)
}

func TestExchangeCodeRequiresCode(t *testing.T) {
	client := New("id", "secret")
	_, err := client.ExchangeCode(context.Background(), "  ")
	require.Error(t, err)
}

func TestTenantTokenCached(t *testing.T) {
	var tokenCalls int32
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/open-apis/auth/v3/tenant_access_token/internal":
			atomic.AddInt32(&tokenCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":                0,
				"tenant_access_token": "tenant-token",
				"expire":              7200,
			})
		case "/open-apis/contact/v3/departments":
			require.Equal(t, "Bearer tenant-token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{"has_more": false, "items": []map[string]any{{"department_id": "d1"}}},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	for i := 0; i < 3; i++ {
		depts, err := client.ListDepartments(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"d1"}, depts)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&tokenCalls))
}

func TestListDepartmentMembersPagination(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/open-apis/auth/v3/tenant_access_token/internal":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0, "tenant_access_token": "t", "expire": 7200,
			})
		case "/open-apis/contact/v3/users/find_by_department":
			require.Equal(t, "d1", r.URL.Query().Get("department_id"))
			if r.URL.Query().Get("page_token") == "" {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code": 0,
					"data": map[string]any{
						"has_more":   true,
						"page_token": "next",
						"items":      []map[string]any{{"open_id": "ou_1", "name": "A"}},
					},
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{
					"has_more": false,
					"items":    []map[string]any{{"open_id": "ou_2", "name": "B"}},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	members, err := client.ListDepartmentMembers(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "ou_1", members[0].OpenID)
	require.Equal(t, "ou_2", members[1].OpenID)
}

func TestAPIErrorSurfaced(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 99991663, "msg": "app not available"})
	})
	_, err := client.ListDepartments(context.Background())
	require.ErrorContains(t, err, "app not available")
}
